package model

import "time"

// LeadStatus is the per-run state of a pipeline lead.
type LeadStatus string

const (
	LeadPending        LeadStatus = "pending"
	LeadAnalyzing      LeadStatus = "analyzing"
	LeadAnalyzed       LeadStatus = "analyzed"
	LeadGeneratingSite LeadStatus = "generating_site"
	LeadSiteGenerated  LeadStatus = "site_generated"
	LeadMessageReady   LeadStatus = "message_ready"
	LeadSending        LeadStatus = "sending"
	LeadSent           LeadStatus = "sent"
	LeadSkipped        LeadStatus = "skipped"
	LeadError          LeadStatus = "error"
)

// PipelineLead tracks one business candidate inside a run.
type PipelineLead struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	LeadID    string     `json:"lead_id,omitempty"`
	PlaceID   string     `json:"place_id"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone,omitempty"`
	Website   string     `json:"website,omitempty"`
	Status    LeadStatus `json:"status"`
	Score     *int       `json:"score,omitempty"`
	SiteRef   string     `json:"site_ref,omitempty"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LastGoodStatus infers where an errored lead can resume from the fields
// it already has.
func (p *PipelineLead) LastGoodStatus() LeadStatus {
	switch {
	case p.SiteRef != "":
		return LeadSiteGenerated
	case p.Score != nil:
		return LeadAnalyzed
	default:
		return LeadPending
	}
}

// CRMStatus is the status of a canonical lead in the CRM store.
type CRMStatus string

const (
	CRMNew          CRMStatus = "new"
	CRMAnalyzed     CRMStatus = "analyzed"
	CRMSiteReady    CRMStatus = "site_ready"
	CRMContacted    CRMStatus = "contacted"
	CRMReplied      CRMStatus = "replied"
	CRMCustomer     CRMStatus = "customer"
	CRMDoNotContact CRMStatus = "do_not_contact"
)

// PriorContact reports whether the lead has already been reached.
func (s CRMStatus) PriorContact() bool {
	switch s {
	case CRMContacted, CRMReplied, CRMCustomer, CRMDoNotContact:
		return true
	}
	return false
}

// Lead is the canonical, run-independent business record.
type Lead struct {
	ID          string     `json:"id"`
	PlaceID     string     `json:"place_id"`
	Name        string     `json:"name"`
	Address     string     `json:"address,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Website     string     `json:"website,omitempty"`
	Category    string     `json:"category,omitempty"`
	Rating      float64    `json:"rating,omitempty"`
	PhotoURL    string     `json:"photo_url,omitempty"`
	Niche       string     `json:"niche,omitempty"`
	City        string     `json:"city,omitempty"`
	Status      CRMStatus  `json:"status"`
	Score       *int       `json:"score,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	SiteRef     string     `json:"site_ref,omitempty"`
	ContactedAt *time.Time `json:"contacted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// LeadFromResult builds a new canonical lead from a search hit.
func LeadFromResult(r SearchResult, niche, city string) Lead {
	return Lead{
		PlaceID:  r.PlaceID,
		Name:     r.Name,
		Address:  r.Address,
		Phone:    r.Phone,
		Website:  r.Website,
		Category: r.Category,
		Rating:   r.Rating,
		PhotoURL: r.PhotoURL,
		Niche:    niche,
		City:     city,
		Status:   CRMNew,
	}
}

// LeadAudit records one analysis of a canonical lead.
type LeadAudit struct {
	ID             string         `json:"id"`
	LeadID         string         `json:"lead_id"`
	RunID          string         `json:"run_id"`
	Score          int            `json:"score"`
	Summary        string         `json:"summary"`
	Problems       []string       `json:"problems,omitempty"`
	CriteriaScores map[string]int `json:"criteria_scores,omitempty"`
	SiteType       string         `json:"site_type,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
