package extractor

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	currencyPrefix = regexp.MustCompile(`(?i)R\s*`)
	commaThousands = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?$`)
	spaceThousands = regexp.MustCompile(`^\d{1,3}(?:\s\d{3})+(?:[.,]\d{1,2})?$`)
	plainDecimal   = regexp.MustCompile(`^\d+(?:\.\d{1,2})?$`)
	commaDecimal   = regexp.MustCompile(`^(\d+),(\d{2})$`)
)

// ParsePrice reads a rand amount such as "R 1,095.00", "1 095,00",
// "1095.00" or "1095,00". A comma followed by two digits is only a decimal
// separator when at least four digits precede it; shorter forms like "1,09"
// are treated as truncated thousands and rejected.
func ParsePrice(text string) (float64, bool) {
	t := strings.ReplaceAll(text, "\u00a0", " ")
	t = strings.TrimSpace(currencyPrefix.ReplaceAllString(t, ""))
	if t == "" {
		return 0, false
	}

	switch {
	case commaThousands.MatchString(t):
		return positive(strings.ReplaceAll(t, ",", ""))
	case spaceThousands.MatchString(t):
		t = strings.Join(strings.Fields(t), "")
		return positive(strings.Replace(t, ",", ".", 1))
	case plainDecimal.MatchString(t):
		return positive(t)
	}
	if m := commaDecimal.FindStringSubmatch(t); m != nil {
		if len(m[1]) < 4 {
			return 0, false
		}
		return positive(m[1] + "." + m[2])
	}
	return 0, false
}

func positive(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
