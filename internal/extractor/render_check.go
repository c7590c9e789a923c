package extractor

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// RenderCheck flags bodies that are still a JavaScript shell rather than a
// rendered product page.
type RenderCheck struct {
	minBytes  int
	selectors []string
	keywords  [][]byte
}

// NewRenderCheck builds a check. A body is unrendered when it is shorter than
// minBytes, contains any keyword (case-insensitive), or lacks any selector.
func NewRenderCheck(minBytes int, selectors, keywords []string) *RenderCheck {
	lower := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lower = append(lower, bytes.ToLower([]byte(kw)))
	}
	return &RenderCheck{minBytes: minBytes, selectors: selectors, keywords: lower}
}

// Unrendered reports whether body needs a browser to render first.
func (c *RenderCheck) Unrendered(body []byte) bool {
	if c == nil {
		return false
	}
	if c.minBytes > 0 && len(body) < c.minBytes {
		return true
	}
	if len(body) > 0 && len(c.keywords) > 0 {
		lowerBody := bytes.ToLower(body)
		for _, kw := range c.keywords {
			if bytes.Contains(lowerBody, kw) {
				return true
			}
		}
	}
	if len(c.selectors) == 0 || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range c.selectors {
		if sel != "" && doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}
