package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObservers(t *testing.T) {
	Init()
	Init()

	ObservePage("https://Shop.Example/p/1", "ok", 2048)
	if val := testutil.ToFloat64(pagesTotal.WithLabelValues("shop.example", "ok")); val != 1 {
		t.Errorf("expected one page for shop.example, got %f", val)
	}
	if val := testutil.ToFloat64(bytesTotal.WithLabelValues("shop.example")); val != 2048 {
		t.Errorf("expected 2048 bytes, got %f", val)
	}

	ObserveContextOpen("observers-test", nil)
	ObserveContextOpen("observers-test", errors.New("tab refused"))
	ObserveContextOpen("observers-test", errors.New("tab refused"))
	if val := testutil.ToFloat64(contextsOpenedTotal.WithLabelValues("observers-test", "error")); val != 2 {
		t.Errorf("expected two failed opens, got %f", val)
	}

	ObservePacingDelay("observers-test", 250*time.Millisecond)
	if val := testutil.CollectAndCount(pacingDelaySeconds); val <= 0 {
		t.Errorf("expected pacing delay to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
