package httpctx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buybox-queue/internal/browser"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

type call struct {
	target string
	body   string
	err    error
}

type recordingProcessor struct {
	calls chan call
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{calls: make(chan call, 8)}
}

func (p *recordingProcessor) Run(_ context.Context, target string, body []byte) error {
	p.calls <- call{target: target, body: string(body)}
	return nil
}

func (p *recordingProcessor) Fail(_ context.Context, target string, cause error) error {
	p.calls <- call{target: target, err: cause}
	return nil
}

func (p *recordingProcessor) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-p.calls:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("processor was not called")
		return call{}
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/p/ok":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, "<html><body><h1>%s</h1></body></html>", r.Header.Get("X-Shop"))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatchRunsProcessor(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	proc := newRecordingProcessor()
	m, err := New(Config{Timeout: 2 * time.Second, Headers: map[string]string{"X-Shop": "makro"}}, proc, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	ctx := context.Background()
	h, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	again, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, h, again)

	got, err := m.Dispatch(ctx, h, queue.WorkItem{Target: srv.URL + "/p/ok"})
	require.NoError(t, err)
	require.Equal(t, h, got)

	c := proc.next(t)
	require.NoError(t, c.err)
	require.Equal(t, srv.URL+"/p/ok", c.target)
	require.Contains(t, c.body, "<h1>makro</h1>")

	// The same URL can be visited again by the same slot.
	_, err = m.Dispatch(ctx, h, queue.WorkItem{Target: srv.URL + "/p/ok"})
	require.NoError(t, err)
	require.NoError(t, proc.next(t).err)
}

func TestDispatchReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	proc := newRecordingProcessor()
	m, err := New(Config{Timeout: 2 * time.Second}, proc, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	h, err := m.Acquire(context.Background(), 1)
	require.NoError(t, err)
	_, err = m.Dispatch(context.Background(), h, queue.WorkItem{Target: srv.URL + "/p/missing"})
	require.NoError(t, err)

	c := proc.next(t)
	require.Error(t, c.err)
	require.Contains(t, c.err.Error(), "status 500")
}

func TestStaleHandleIsRebound(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	proc := newRecordingProcessor()
	m, err := New(Config{}, proc, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	h, err := m.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(context.Background(), h))
	require.NoError(t, m.Release(context.Background(), h))

	rebound, err := m.Dispatch(context.Background(), h, queue.WorkItem{Target: srv.URL + "/p/ok"})
	require.NoError(t, err)
	require.NotEqual(t, h.ID, rebound.ID)
	require.Equal(t, h.Slot, rebound.Slot)
	require.NoError(t, proc.next(t).err)
}

func TestReleasedFetchIsNotReported(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		fmt.Fprint(w, "<html></html>")
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	proc := newRecordingProcessor()
	m, err := New(Config{Timeout: 2 * time.Second}, proc, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	h, err := m.Acquire(context.Background(), 0)
	require.NoError(t, err)
	_, err = m.Dispatch(context.Background(), h, queue.WorkItem{Target: srv.URL + "/p/slow"})
	require.NoError(t, err)
	require.NoError(t, m.Release(context.Background(), h))

	select {
	case c := <-proc.calls:
		t.Fatalf("released fetch reported %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedManager(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)

	m, err := New(Config{}, newRecordingProcessor(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, m.Closed())
	require.Equal(t, defaultTimeout, m.timeout())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Acquire(context.Background(), 0)
	require.ErrorIs(t, err, browser.ErrClosed)
}
