// Package extract pulls content from business websites for scoring and
// site generation. It never fails on an unreachable site; callers get a
// degraded result instead.
package extract

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/pkg/firecrawl"
	"github.com/sells-group/lead-pipeline/pkg/jina"
)

const maxBodyBytes = 4 << 20

// Renderer renders a JavaScript-heavy page and returns its HTML.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Extractor fetches a site directly, then falls back to a headless
// renderer, Jina Reader, and Firecrawl in that order.
type Extractor struct {
	http      *http.Client
	cfg       config.RenderConfig
	renderer  Renderer
	jina      jina.Client
	firecrawl firecrawl.Client
	breakers  *resilience.ServiceBreakers
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRenderer enables the headless-browser fallback.
func WithRenderer(r Renderer) Option {
	return func(e *Extractor) { e.renderer = r }
}

// WithJina enables the Jina Reader fallback.
func WithJina(c jina.Client) Option {
	return func(e *Extractor) { e.jina = c }
}

// WithFirecrawl enables the Firecrawl fallback.
func WithFirecrawl(c firecrawl.Client) Option {
	return func(e *Extractor) { e.firecrawl = c }
}

// WithBreakers shares circuit breakers across extractors.
func WithBreakers(b *resilience.ServiceBreakers) Option {
	return func(e *Extractor) { e.breakers = b }
}

// WithHTTPClient sets the client used for direct fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Extractor) { e.http = hc }
}

// New creates an Extractor.
func New(cfg config.RenderConfig, opts ...Option) *Extractor {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 20
	}
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = 200
	}
	if cfg.MaxSubPages < 0 {
		cfg.MaxSubPages = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; leadpipe/1.0)"
	}
	e := &Extractor{
		cfg:      cfg,
		http:     &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
		breakers: resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the content of rawURL. The only error is a cancelled
// context; unreachable sites yield SiteType "unreachable".
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*model.PageContent, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return &model.PageContent{URL: rawURL, SiteType: model.SiteTypeNone}, nil
	}
	log := zap.L().With(zap.String("url", target))

	if isSocialHost(target) {
		return &model.PageContent{URL: target, SiteType: model.SiteTypeSocial, SocialLinks: []string{target}}, nil
	}

	page, links, err := e.fetchDirect(ctx, target)
	if err != nil {
		log.Debug("extract: direct fetch failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if e.thin(page) && e.renderer != nil {
		if rendered, rlinks, rerr := e.fetchRendered(ctx, target); rerr == nil && !e.thin(rendered) {
			page, links = rendered, rlinks
		} else if rerr != nil {
			log.Debug("extract: render failed", zap.Error(rerr))
		}
	}

	if e.thin(page) && e.jina != nil {
		if jp, jerr := e.fetchJina(ctx, target); jerr == nil {
			page = jp
		} else {
			log.Debug("extract: jina failed", zap.Error(jerr))
		}
	}

	if e.thin(page) && e.firecrawl != nil {
		if fp, flinks, ferr := e.fetchFirecrawl(ctx, target); ferr == nil {
			page, links = fp, flinks
		} else {
			log.Debug("extract: firecrawl failed", zap.Error(ferr))
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if page == nil || strings.TrimSpace(page.VisibleText) == "" {
		log.Info("extract: site unreachable")
		return &model.PageContent{URL: target, SiteType: model.SiteTypeUnreachable}, nil
	}

	page.URL = target
	page.SiteType = siteType(target, page)
	page.SubPagesText = e.fetchSubPages(ctx, target, links)
	return page, nil
}

func (e *Extractor) thin(p *model.PageContent) bool {
	return p == nil || len(strings.TrimSpace(p.VisibleText)) < e.cfg.MinTextChars
}

func (e *Extractor) fetchHTML(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", eris.Wrap(err, "extract: create request")
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "extract: fetch")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("extract: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", eris.Wrap(err, "extract: read body")
	}
	return string(body), nil
}

func (e *Extractor) fetchDirect(ctx context.Context, target string) (*model.PageContent, []string, error) {
	html, err := e.fetchHTML(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	page, links, err := parsePage(html, target)
	if err != nil {
		return nil, nil, err
	}
	if blocked(page.VisibleText) {
		return nil, nil, eris.New("extract: challenge page")
	}
	page.Source = "direct"
	return page, links, nil
}

func (e *Extractor) fetchRendered(ctx context.Context, target string) (*model.PageContent, []string, error) {
	html, err := resilience.ExecuteVal(ctx, e.breakers.Get("render"), func(ctx context.Context) (string, error) {
		return e.renderer.Render(ctx, target)
	})
	if err != nil {
		return nil, nil, err
	}
	page, links, err := parsePage(html, target)
	if err != nil {
		return nil, nil, err
	}
	page.Source = "render"
	return page, links, nil
}

func (e *Extractor) fetchJina(ctx context.Context, target string) (*model.PageContent, error) {
	resp, err := resilience.ExecuteVal(ctx, e.breakers.Get("jina"), func(ctx context.Context) (*jina.ReadResponse, error) {
		return e.jina.Read(ctx, target)
	})
	if err != nil {
		return nil, err
	}
	if jinaNeedsFallback(resp) {
		return nil, eris.New("extract: jina returned no usable content")
	}

	page := &model.PageContent{
		Title:       resp.Data.Title,
		Description: resp.Data.Description,
		VisibleText: cleanMarkdown(resp.Data.Content),
		Source:      "jina",
	}
	for _, img := range sortedValues(resp.Data.Images) {
		page.Images = appendUnique(page.Images, img)
	}
	for _, link := range sortedValues(resp.Data.Links) {
		if isSocialHost(link) {
			page.SocialLinks = appendUnique(page.SocialLinks, link)
		}
	}
	page.Emails = findEmails(resp.Data.Content)
	return page, nil
}

func (e *Extractor) fetchFirecrawl(ctx context.Context, target string) (*model.PageContent, []string, error) {
	resp, err := resilience.ExecuteVal(ctx, e.breakers.Get("firecrawl"), func(ctx context.Context) (*firecrawl.ScrapeResponse, error) {
		return e.firecrawl.Scrape(ctx, firecrawl.ScrapeRequest{URL: target, Formats: []string{"markdown", "html", "links"}})
	})
	if err != nil {
		return nil, nil, err
	}
	if !resp.Success {
		return nil, nil, eris.New("extract: firecrawl not successful")
	}

	var (
		page  *model.PageContent
		links []string
	)
	if resp.Data.HTML != "" {
		page, links, err = parsePage(resp.Data.HTML, target)
		if err != nil {
			return nil, nil, err
		}
	} else {
		page = &model.PageContent{VisibleText: cleanMarkdown(resp.Data.Markdown)}
		links = resp.Data.Links
	}
	if page.Title == "" {
		page.Title = resp.Data.Metadata.Title
	}
	if page.Description == "" {
		page.Description = resp.Data.Metadata.Description
	}
	if resp.Data.Metadata.OGImage != "" {
		page.Images = appendUnique(page.Images, resp.Data.Metadata.OGImage)
	}
	page.Source = "firecrawl"
	return page, links, nil
}

// fetchSubPages fetches up to MaxSubPages same-host pages concurrently and
// joins their text. Failures are skipped.
func (e *Extractor) fetchSubPages(ctx context.Context, target string, links []string) string {
	picks := pickSubPages(target, links, e.cfg.MaxSubPages)
	if len(picks) == 0 {
		return ""
	}

	texts := make([]string, len(picks))
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	for i, link := range picks {
		g.Go(func() error {
			html, err := e.fetchHTML(gCtx, link)
			if err != nil {
				return nil
			}
			page, _, err := parsePage(html, link)
			if err != nil || strings.TrimSpace(page.VisibleText) == "" {
				return nil
			}
			path := link
			if u, perr := url.Parse(link); perr == nil {
				path = u.Path
			}
			mu.Lock()
			texts[i] = "## " + path + "\n" + page.VisibleText
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var parts []string
	for _, t := range texts {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
