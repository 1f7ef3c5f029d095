// Package sites publishes generated landing pages to a directory served by
// the API under /sites/.
package sites

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/filter"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Dir writes each site to <root>/<slug>/index.html.
type Dir struct {
	root    string
	baseURL string
}

// NewDir creates the publish root if needed.
func NewDir(cfg config.SitesConfig) (*Dir, error) {
	if cfg.Dir == "" {
		return nil, eris.New("sites: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "sites: create %s", cfg.Dir)
	}
	return &Dir{root: cfg.Dir, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

// Root returns the publish directory.
func (d *Dir) Root() string { return d.root }

// Publish stores html under a slug derived from name and leadID and returns
// its public URL. Republishing the same lead overwrites the page.
func (d *Dir) Publish(ctx context.Context, leadID, name, html string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(html) == "" {
		return "", eris.New("sites: empty html")
	}

	slug := Slug(name, leadID)
	dir := filepath.Join(d.root, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "sites: create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".index-*.html")
	if err != nil {
		return "", eris.Wrap(err, "sites: create temp file")
	}
	if _, err := tmp.WriteString(html); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", eris.Wrap(err, "sites: write page")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", eris.Wrap(err, "sites: close page")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return "", eris.Wrap(err, "sites: chmod page")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, "index.html")); err != nil {
		_ = os.Remove(tmp.Name())
		return "", eris.Wrap(err, "sites: publish page")
	}

	ref := d.baseURL + "/" + slug + "/"
	zap.L().Debug("sites: published", zap.String("lead_id", leadID), zap.String("ref", ref))
	return ref, nil
}

// Slug builds a URL-safe directory name such as "joes-pizza-1a2b3c4d".
func Slug(name, leadID string) string {
	s := nonSlug.ReplaceAllString(filter.Normalize(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = strings.TrimRight(s[:48], "-")
	}

	id := nonSlug.ReplaceAllString(strings.ToLower(leadID), "")
	if len(id) > 8 {
		id = id[:8]
	}

	switch {
	case s == "" && id == "":
		return "site"
	case s == "":
		return id
	case id == "":
		return s
	}
	return s + "-" + id
}
