// Package filter separates independent businesses from franchises and
// national chains.
package filter

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// LLMClassifier is the model-backed fallback for names the brand list
// does not recognize.
type LLMClassifier interface {
	Classify(ctx context.Context, name, website, category string) (*model.Classification, error)
}

// defaultBrands are chains frequently returned for local-service searches.
var defaultBrands = []string{
	"7-Eleven", "Ace Hardware", "Aspen Dental", "AutoZone", "Burger King",
	"Chick-fil-A", "Domino's", "Dunkin'", "Enterprise Rent-A-Car", "FedEx Office",
	"Firestone Complete Auto Care", "Great Clips", "H&R Block", "Jiffy Lube",
	"KFC", "Liberty Tax", "McDonald's", "Meineke", "Midas", "Orangetheory Fitness",
	"Papa John's", "Pizza Hut", "Planet Fitness", "Pep Boys", "Re/Max",
	"Roto-Rooter", "Servpro", "Sport Clips", "Starbucks", "State Farm",
	"Subway", "Supercuts", "Taco Bell", "The UPS Store", "Valvoline",
	"Wendy's", "Western Dental", "Coldwell Banker", "Keller Williams",
	"Mr. Rooter", "Two Men and a Truck", "Merry Maids", "Molly Maid",
}

// Classifier checks a normalized brand list first and asks the model only
// for names it does not recognize.
type Classifier struct {
	brands []string
	llm    LLMClassifier
}

// New creates a Classifier. extraBrands extend the built-in list; llm may
// be nil, in which case unknown names are viable.
func New(llm LLMClassifier, extraBrands ...string) *Classifier {
	all := append(append([]string(nil), defaultBrands...), extraBrands...)
	brands := make([]string, 0, len(all))
	for _, b := range all {
		if n := Normalize(b); n != "" {
			brands = append(brands, n)
		}
	}
	return &Classifier{brands: brands, llm: llm}
}

// Classify returns the verdict for one business.
func (c *Classifier) Classify(ctx context.Context, name, website, category string) (*model.Classification, error) {
	if brand, ok := c.matchBrand(name); ok {
		return &model.Classification{Viable: false, Reason: "known chain: " + brand}, nil
	}
	if c.llm == nil {
		return &model.Classification{Viable: true, Reason: "not a known chain"}, nil
	}

	verdict, err := c.llm.Classify(ctx, name, website, category)
	if err != nil {
		zap.L().Debug("filter: llm classify failed", zap.String("name", name), zap.Error(err))
		return nil, err
	}
	return verdict, nil
}

// matchBrand reports whether the normalized name contains a brand as a
// whole-word sequence.
func (c *Classifier) matchBrand(name string) (string, bool) {
	n := " " + Normalize(name) + " "
	for _, b := range c.brands {
		if strings.Contains(n, " "+b+" ") {
			return b, true
		}
	}
	return "", false
}

// Normalize folds case, strips diacritics, and reduces punctuation to
// single spaces so "Domino’s Pizza" and "dominos pizza" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)

	var b strings.Builder
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case r == '\'' || r == '’' || r == '.':
			// Dropped so "Domino's" and "Dominos" match.
		default:
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
