// Package search finds candidate businesses through Google Places.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/pkg/google"
)

// maxPages bounds pagination; Places returns at most 60 results per query.
const maxPages = 3

// Places implements the search provider over the Places Text Search API.
type Places struct {
	google  google.Client
	limiter *rate.Limiter
	cfg     config.GoogleConfig
	retry   resilience.RetryConfig
}

// New creates a Places searcher.
func New(g google.Client, cfg config.GoogleConfig) *Places {
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("google", "text_search")
	return &Places{
		google:  g,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		cfg:     cfg,
		retry:   retry,
	}
}

// Search returns up to limit places matching "<query> in <city>". Places
// with neither phone nor website are dropped, as are permanently closed ones.
func (p *Places) Search(ctx context.Context, query, city string, limit int) ([]model.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	textQuery := query
	if city != "" {
		textQuery = fmt.Sprintf("%s in %s", query, city)
	}
	log := zap.L().With(zap.String("query", textQuery))

	var (
		out       []model.SearchResult
		pageToken string
	)
	for page := 0; page < maxPages && len(out) < limit; page++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return out, eris.Wrap(err, "search: rate limit wait")
		}

		req := google.TextSearchRequest{
			TextQuery:    textQuery,
			PageSize:     min(limit-len(out), 20),
			PageToken:    pageToken,
			LanguageCode: p.cfg.LanguageCode,
			RegionCode:   p.cfg.RegionCode,
		}
		resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*google.TextSearchResponse, error) {
			return p.google.TextSearch(ctx, req)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "search: text search page %d", page+1)
		}

		for _, place := range resp.Places {
			r, ok := toResult(place)
			if !ok {
				continue
			}
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	log.Info("search complete", zap.Int("results", len(out)), zap.Int("limit", limit))
	return out, nil
}

func toResult(place google.Place) (model.SearchResult, bool) {
	if place.ID == "" || place.BusinessStatus == "CLOSED_PERMANENTLY" {
		return model.SearchResult{}, false
	}
	phone := place.Phone()
	if phone == "" && place.WebsiteURI == "" {
		return model.SearchResult{}, false
	}

	r := model.SearchResult{
		PlaceID:  place.ID,
		Name:     CleanName(place.DisplayName.Text),
		Address:  place.FormattedAddress,
		Phone:    phone,
		Website:  place.WebsiteURI,
		Rating:   place.Rating,
		Category: place.PrimaryType.Text,
	}
	if len(place.Photos) > 0 && place.Photos[0].Name != "" {
		r.PhotoURL = "https://places.googleapis.com/v1/" + place.Photos[0].Name + "/media?maxWidthPx=800"
	}
	return r, true
}

// CleanName normalizes a business display name to NFC and collapses
// whitespace.
func CleanName(name string) string {
	return strings.Join(strings.Fields(norm.NFC.String(name)), " ")
}
