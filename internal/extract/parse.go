package extract

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

const maxImages = 20

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
	mdImage      = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

var socialHosts = []string{
	"facebook.com", "instagram.com", "twitter.com", "x.com", "linkedin.com",
	"youtube.com", "tiktok.com", "yelp.com", "pinterest.com",
}

var builderHosts = []string{
	"wixsite.com", "squarespace.com", "godaddysites.com", "weebly.com",
	"sites.google.com", "business.site", "wordpress.com", "webflow.io",
}

var builderMarkers = []string{
	"static.wixstatic.com", "squarespace-cdn.com", "img1.wsimg.com", "weebly.com",
}

var subPageKeywords = []string{"about", "service", "contact", "menu", "team"}

// parsePage extracts content and absolute same-document links from html.
func parsePage(html, base string) (*model.PageContent, []string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, eris.Wrap(err, "extract: parse html")
	}
	baseURL, _ := url.Parse(base)

	page := &model.PageContent{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: metaContent(doc, `meta[name="description"]`, `meta[property="og:description"]`),
	}

	if og := metaContent(doc, `meta[property="og:image"]`); og != "" {
		page.Images = appendUnique(page.Images, resolve(baseURL, og))
	}
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok || src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		abs := resolve(baseURL, src)
		if page.LogoURL == "" && looksLikeLogo(s, src) {
			page.LogoURL = abs
		}
		if len(page.Images) < maxImages {
			page.Images = appendUnique(page.Images, abs)
		}
	})
	if page.LogoURL == "" {
		if icon, ok := doc.Find(`link[rel="apple-touch-icon"], link[rel="icon"]`).First().Attr("href"); ok {
			page.LogoURL = resolve(baseURL, icon)
		}
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		switch {
		case strings.HasPrefix(href, "mailto:"):
			addr := strings.SplitN(strings.TrimPrefix(href, "mailto:"), "?", 2)[0]
			if emailPattern.MatchString(addr) {
				page.Emails = appendUnique(page.Emails, strings.ToLower(addr))
			}
		case strings.HasPrefix(href, "#"), strings.HasPrefix(href, "tel:"), strings.HasPrefix(href, "javascript:"):
		default:
			abs := resolve(baseURL, href)
			if isSocialHost(abs) {
				page.SocialLinks = appendUnique(page.SocialLinks, abs)
				return
			}
			links = appendUnique(links, abs)
		}
	})

	page.SiteType = model.SiteTypeCustom
	if html := strings.ToLower(html); containsAny(html, builderMarkers) {
		page.SiteType = model.SiteTypeBuilder
	}

	doc.Find("script, style, noscript, svg, iframe, template").Remove()
	page.VisibleText = cleanText(doc.Find("body").Text())
	for _, e := range findEmails(page.VisibleText) {
		page.Emails = appendUnique(page.Emails, e)
	}
	return page, links, nil
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func looksLikeLogo(s *goquery.Selection, src string) bool {
	alt, _ := s.Attr("alt")
	class, _ := s.Attr("class")
	id, _ := s.Attr("id")
	return strings.Contains(strings.ToLower(src+" "+alt+" "+class+" "+id), "logo")
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	u.Fragment = ""
	return u.String()
}

func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(spacePattern.ReplaceAllString(l, " "))
		out = append(out, l)
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(out, "\n"), "\n\n"))
}

// cleanMarkdown drops image and link syntax, keeping link text.
func cleanMarkdown(md string) string {
	md = mdImage.ReplaceAllString(md, "")
	md = mdLink.ReplaceAllString(md, "$1")
	return cleanText(md)
}

func findEmails(text string) []string {
	var out []string
	for _, m := range emailPattern.FindAllString(text, -1) {
		lower := strings.ToLower(m)
		if strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".jpg") {
			continue
		}
		out = appendUnique(out, lower)
	}
	return out
}

// normalizeURL adds a scheme when missing and rejects non-http(s) URLs.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", eris.New("extract: empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrap(err, "extract: parse url")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", eris.Errorf("extract: unsupported url %q", raw)
	}
	return u.String(), nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func hostMatches(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isSocialHost(raw string) bool {
	return hostMatches(hostOf(raw), socialHosts)
}

func siteType(target string, page *model.PageContent) string {
	if hostMatches(hostOf(target), builderHosts) {
		return model.SiteTypeBuilder
	}
	if page.SiteType != "" {
		return page.SiteType
	}
	return model.SiteTypeCustom
}

// pickSubPages returns up to n same-host links whose path mentions a
// keyword like "about" or "contact", in document order.
func pickSubPages(target string, links []string, n int) []string {
	if n <= 0 {
		return nil
	}
	host := hostOf(target)
	base, _ := url.Parse(target)

	var picks []string
	for _, link := range links {
		u, err := url.Parse(link)
		if err != nil || hostOf(link) != host {
			continue
		}
		if base != nil && strings.TrimRight(u.Path, "/") == strings.TrimRight(base.Path, "/") {
			continue
		}
		if !containsAny(strings.ToLower(u.Path), subPageKeywords) {
			continue
		}
		picks = appendUnique(picks, link)
		if len(picks) == n {
			break
		}
	}
	return picks
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
