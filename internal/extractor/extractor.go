// Package extractor turns a rendered product page into a queue.Result and
// reports completion back to the engine.
package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// Config holds the site-specific selectors.
type Config struct {
	// PriceSelector is tried first for the buy-box price.
	PriceSelector string `mapstructure:"price_selector"`
	// CandidateSelectors are scanned when PriceSelector yields nothing; the
	// lowest plausible amount wins.
	CandidateSelectors []string `mapstructure:"candidate_selectors"`
	// MinPrice discards implausibly small candidate amounts.
	MinPrice float64 `mapstructure:"min_price"`
}

// DefaultConfig matches the retailer's current markup.
func DefaultConfig() Config {
	return Config{
		PriceSelector: "div.Xaaq-1._16Jk6d",
		CandidateSelectors: []string{
			`[class*="Xaaq"]`, `[class*="price"]`, `[class*="Price"]`, `[class*="amount"]`,
			`[class*="cost"]`, `[class*="dyC4"]`, `[class*="CEmi"]`,
		},
		MinPrice: 10,
	}
}

var (
	titleSuffix    = regexp.MustCompile(`\s*[-|].*$`)
	randAmount     = regexp.MustCompile(`(?i)R\s*[\d,. ]+`)
	slugPath       = regexp.MustCompile(`/p/([^/?#]+)`)
	pidParam       = regexp.MustCompile(`(?i)[?&]pid=([A-Z0-9]{8,})`)
	ldIdentifier   = regexp.MustCompile(`^[A-Z0-9]{10,20}$`)
	dataIdentifier = regexp.MustCompile(`(?i)^[A-Z0-9]{8,}$`)
	soldByLine     = regexp.MustCompile(`^[Ss]old\s+[Bb]y\s+(.+)$`)
	soldByAny      = regexp.MustCompile(`(?i)sold\s+by`)
	soldByParent   = regexp.MustCompile(`[Ss]old\s+[Bb]y\s+([^\n\r.,(]{2,60})`)
	soldByTail     = regexp.MustCompile(`[Ss]old\s+[Bb]y\s+(.+)`)
	outOfStock     = regexp.MustCompile(`(?i)out of stock|unavailable|sold out`)
	inStock        = regexp.MustCompile(`(?i)add to cart|add to basket|buy now`)

	sellerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[Ss]old\s+[Bb]y[:\s]+([^\n\r,.(]{2,60})`),
		regexp.MustCompile(`[Ss]eller[:\s]+([^\n\r,.(]{2,60})`),
		regexp.MustCompile(`[Ff]ulfilled?\s+[Bb]y[:\s]+([^\n\r,.(]{2,60})`),
		regexp.MustCompile(`[Ss]hips?\s+[Ff]rom[:\s]+([^\n\r,.(]{2,60})`),
		regexp.MustCompile(`[Mm]arketplace\s+[Ss]eller[:\s]+([^\n\r,.(]{2,60})`),
	}
	bodyIdentifiers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)"fsn"\s*:\s*"([A-Z0-9]{10,20})"`),
		regexp.MustCompile(`(?i)"productId"\s*:\s*"([A-Z0-9]{10,20})"`),
		regexp.MustCompile(`(?i)fsn[=:]["']([A-Z0-9]{10,20})`),
	}
)

const sellerSelectors = `[class*="seller"],[class*="Seller"],[class*="sold"],[class*="Sold"],` +
	`[data-testid*="seller"],[data-qa*="seller"]`

// Extractor parses product pages with goquery.
type Extractor struct {
	cfg Config
}

// New returns an Extractor. Empty config fields fall back to DefaultConfig.
func New(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.PriceSelector == "" {
		cfg.PriceSelector = def.PriceSelector
	}
	if len(cfg.CandidateSelectors) == 0 {
		cfg.CandidateSelectors = def.CandidateSelectors
	}
	if cfg.MinPrice <= 0 {
		cfg.MinPrice = def.MinPrice
	}
	return &Extractor{cfg: cfg}
}

// Extract reads the product fields from body. target is the page URL and
// supplies the slug and, when present, the pid identifier. ExtractedAt is
// left for the caller to stamp.
func (x *Extractor) Extract(target string, body []byte) (queue.Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return queue.Result{}, fmt.Errorf("parse html: %w", err)
	}
	res := queue.Result{Target: target}

	u, _ := url.Parse(target)
	if u != nil {
		if m := slugPath.FindStringSubmatch(u.Path); m != nil {
			res.Slug = m[1]
		}
	}
	res.Identifier = x.identifier(target, doc, body)
	res.Title = title(doc)
	if price, ok := x.price(doc); ok {
		res.Price = &price
	}
	res.Seller = seller(doc)
	res.HasBuyBox = res.Seller != ""

	text := doc.Find("body").Text()
	switch {
	case outOfStock.MatchString(text):
		res.InStock = boolPtr(false)
	case inStock.MatchString(text):
		res.InStock = boolPtr(true)
	}
	return res, nil
}

func title(doc *goquery.Document) string {
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	raw := strings.TrimSpace(doc.Find("title").First().Text())
	return strings.TrimSpace(titleSuffix.ReplaceAllString(raw, ""))
}

func (x *Extractor) price(doc *goquery.Document) (float64, bool) {
	if exact := doc.Find(x.cfg.PriceSelector).First(); exact.Length() > 0 {
		if p, ok := ParsePrice(exact.Text()); ok {
			return p, true
		}
	}
	best := math.Inf(1)
	doc.Find(strings.Join(x.cfg.CandidateSelectors, ",")).Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 2 {
			return
		}
		txt := strings.TrimSpace(s.Text())
		if !randAmount.MatchString(txt) {
			return
		}
		if p, ok := ParsePrice(txt); ok && p > x.cfg.MinPrice && p < best {
			best = p
		}
	})
	if math.IsInf(best, 1) {
		return 0, false
	}
	return best, true
}

func seller(doc *goquery.Document) string {
	var found string
	doc.Find("a, span, div, p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 3 {
			return true
		}
		txt := strings.TrimSpace(s.Text())
		if len(txt) < 3 || len(txt) > 200 {
			return true
		}
		if m := soldByLine.FindStringSubmatch(txt); m != nil {
			found = strings.TrimSpace(m[1])
			return false
		}
		parent := strings.TrimSpace(s.Parent().Text())
		if soldByAny.MatchString(parent) {
			if m := soldByParent.FindStringSubmatch(parent); m != nil {
				found = strings.TrimSpace(m[1])
				return false
			}
		}
		return true
	})
	if found != "" {
		return found
	}

	body := doc.Find("body").Text()
	for _, pat := range sellerPatterns {
		if m := pat.FindStringSubmatch(body); m != nil {
			candidate := strings.TrimSpace(strings.SplitN(strings.TrimSpace(m[1]), "\n", 2)[0])
			if len(candidate) > 1 && len(candidate) < 80 {
				return candidate
			}
		}
	}

	doc.Find(sellerSelectors).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		txt := strings.TrimSpace(s.Text())
		if len(txt) > 1 && len(txt) < 80 && !soldByAny.MatchString(txt) {
			found = txt
			return false
		}
		if m := soldByTail.FindStringSubmatch(txt); m != nil {
			found = strings.TrimSpace(m[1])
			return false
		}
		return true
	})
	return found
}

// identifier tries, in order: the pid query parameter, JSON-LD mpn/sku,
// data-* attributes, the canonical link, and identifier-looking JSON in the
// raw markup.
func (x *Extractor) identifier(target string, doc *goquery.Document, body []byte) string {
	if m := pidParam.FindStringSubmatch(target); m != nil {
		return strings.ToUpper(m[1])
	}

	var id string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var ld struct {
			MPN    string `json:"mpn"`
			SKU    string `json:"sku"`
			Offers struct {
				MPN string `json:"mpn"`
			} `json:"offers"`
		}
		if err := json.Unmarshal([]byte(s.Text()), &ld); err != nil {
			return true
		}
		for _, candidate := range []string{ld.MPN, ld.SKU, ld.Offers.MPN} {
			if candidate != "" {
				if ldIdentifier.MatchString(candidate) {
					id = candidate
					return false
				}
				break
			}
		}
		return true
	})
	if id != "" {
		return id
	}

	if el := doc.Find("[data-fsn],[data-pid],[data-product-id],[data-item-id]").First(); el.Length() > 0 {
		for _, attr := range []string{"data-fsn", "data-pid", "data-product-id", "data-item-id"} {
			val, ok := el.Attr(attr)
			val = strings.TrimSpace(val)
			if !ok || val == "" {
				continue
			}
			if dataIdentifier.MatchString(val) {
				return strings.ToUpper(val)
			}
			break
		}
	}

	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if m := pidParam.FindStringSubmatch(href); m != nil {
			return strings.ToUpper(m[1])
		}
	}

	for _, pat := range bodyIdentifiers {
		if m := pat.FindSubmatch(body); m != nil {
			return strings.ToUpper(string(m[1]))
		}
	}
	return ""
}

func boolPtr(v bool) *bool {
	return &v
}
