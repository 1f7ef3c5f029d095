package model

// SearchResult is one candidate returned by the search provider.
type SearchResult struct {
	PlaceID  string  `json:"place_id"`
	Name     string  `json:"name"`
	Address  string  `json:"address,omitempty"`
	Phone    string  `json:"phone,omitempty"`
	Website  string  `json:"website,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
	Category string  `json:"category,omitempty"`
	PhotoURL string  `json:"photo_url,omitempty"`
}

// Classification is the franchise filter verdict.
type Classification struct {
	Viable bool   `json:"viable"`
	Reason string `json:"reason"`
}

// Site types reported by the extractor.
const (
	SiteTypeNone        = "none"
	SiteTypeUnreachable = "unreachable"
	SiteTypeSocial      = "social"
	SiteTypeBuilder     = "builder"
	SiteTypeCustom      = "custom"
)

// PageContent is what the extractor pulls from a business website.
type PageContent struct {
	URL          string   `json:"url"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	VisibleText  string   `json:"visible_text,omitempty"`
	Images       []string `json:"images,omitempty"`
	LogoURL      string   `json:"logo_url,omitempty"`
	SocialLinks  []string `json:"social_links,omitempty"`
	Emails       []string `json:"emails,omitempty"`
	SiteType     string   `json:"site_type"`
	SubPagesText string   `json:"sub_pages_text,omitempty"`
	Source       string   `json:"source,omitempty"`
}

// Reachable reports whether any content was retrieved.
func (p *PageContent) Reachable() bool {
	return p.SiteType != SiteTypeUnreachable && p.SiteType != SiteTypeNone
}

// ScoreResult is the scoring collaborator's verdict on a website.
type ScoreResult struct {
	Score          int            `json:"score"`
	Summary        string         `json:"summary"`
	Problems       []string       `json:"problems"`
	CriteriaScores map[string]int `json:"criteria_scores"`
}

// BusinessInfo is the subset of a lead passed to generators.
type BusinessInfo struct {
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"`
	City     string  `json:"city,omitempty"`
	Niche    string  `json:"niche,omitempty"`
	Phone    string  `json:"phone,omitempty"`
	Website  string  `json:"website,omitempty"`
	Address  string  `json:"address,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
	SiteURL  string  `json:"site_url,omitempty"`
	Score    *int    `json:"score,omitempty"`
}

// BusinessInfoFor builds generator input from a canonical lead.
func BusinessInfoFor(l *Lead) BusinessInfo {
	return BusinessInfo{
		Name:     l.Name,
		Category: l.Category,
		City:     l.City,
		Niche:    l.Niche,
		Phone:    l.Phone,
		Website:  l.Website,
		Address:  l.Address,
		Rating:   l.Rating,
		SiteURL:  l.SiteRef,
		Score:    l.Score,
	}
}
