package model

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no stage may write to a run in this status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// MaxErrorLog caps the number of entries kept on a run.
const MaxErrorLog = 80

// Error log codes.
const (
	CodeRateLimit      = "rate_limit"
	CodeRateLimitPause = "rate_limit_pause"
	CodeStageFatal     = "stage_fatal"
	CodeStaleTimeout   = "stale_timeout"
	CodeItemFailed     = "item_failed"
	CodeTransport      = "transport_failed"
)

// ErrorEntry is one line of a run's error log.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Step    string    `json:"step"`
	Message string    `json:"message"`
	LeadID  string    `json:"lead_id,omitempty"`
	Code    string    `json:"code,omitempty"`
}

// AppendError appends e to log and keeps only the newest MaxErrorLog entries.
func AppendError(log []ErrorEntry, e ErrorEntry) []ErrorEntry {
	out := append(log, e)
	if len(out) > MaxErrorLog {
		out = append([]ErrorEntry(nil), out[len(out)-MaxErrorLog:]...)
	}
	return out
}

// Counter names a run counter column.
type Counter string

const (
	CounterTotalLeads     Counter = "total_leads"
	CounterAnalyzed       Counter = "analyzed"
	CounterSitesGenerated Counter = "sites_generated"
	CounterMessagesSent   Counter = "messages_sent"
)

// Valid reports whether c is a known counter.
func (c Counter) Valid() bool {
	switch c {
	case CounterTotalLeads, CounterAnalyzed, CounterSitesGenerated, CounterMessagesSent:
		return true
	}
	return false
}

// RunCounters tallies progress across stages.
type RunCounters struct {
	TotalLeads     int `json:"total_leads"`
	Analyzed       int `json:"analyzed"`
	SitesGenerated int `json:"sites_generated"`
	MessagesSent   int `json:"messages_sent"`
}

// Run is one end-to-end execution of the pipeline.
type Run struct {
	ID            string         `json:"id"`
	Niche         string         `json:"niche"`
	City          string         `json:"city"`
	Account       string         `json:"account,omitempty"`
	Status        RunStatus      `json:"status"`
	Stage         string         `json:"stage"`
	Config        RunConfig      `json:"config"`
	SearchResults []SearchResult `json:"search_results,omitempty"`
	Counters      RunCounters    `json:"counters"`
	Errors        []ErrorEntry   `json:"errors"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Paused reports whether r is running but stopped on a rate limit: its
// newest log entry is a rate-limit pause.
func (r *Run) Paused() bool {
	if r.Status != RunStatusRunning || len(r.Errors) == 0 {
		return false
	}
	return r.Errors[len(r.Errors)-1].Code == CodeRateLimitPause
}

// RunStats summarizes runs by status.
type RunStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
