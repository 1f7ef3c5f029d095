package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// scannable abstracts *sql.Row, *sql.Rows, and pgx.Row for shared scanners.
type scannable interface {
	Scan(dest ...any) error
}

func encodeRunJSON(run *model.Run) (cfg, results, errs string, err error) {
	c, err := json.Marshal(run.Config)
	if err != nil {
		return "", "", "", eris.Wrap(err, "store: marshal run config")
	}
	r, err := json.Marshal(nonNil(run.SearchResults))
	if err != nil {
		return "", "", "", eris.Wrap(err, "store: marshal search results")
	}
	e, err := json.Marshal(run.Errors)
	if err != nil {
		return "", "", "", eris.Wrap(err, "store: marshal error log")
	}
	return string(c), string(r), string(e), nil
}

func decodeRunJSON(r *model.Run, cfg, results, errs []byte) error {
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &r.Config); err != nil {
			return eris.Wrap(err, "store: unmarshal run config")
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &r.SearchResults); err != nil {
			return eris.Wrap(err, "store: unmarshal search results")
		}
	}
	r.Errors = []model.ErrorEntry{}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &r.Errors); err != nil {
			return eris.Wrap(err, "store: unmarshal error log")
		}
	}
	return nil
}

// appendErrorJSON decodes a stored error log, appends entry, applies the cap,
// and re-encodes it.
func appendErrorJSON(stored []byte, entry model.ErrorEntry, now time.Time) ([]byte, error) {
	var log []model.ErrorEntry
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &log); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal error log")
		}
	}
	if entry.At.IsZero() {
		entry.At = now
	}
	out, err := json.Marshal(model.AppendError(log, entry))
	return out, eris.Wrap(err, "store: marshal error log")
}

func encodeAuditJSON(a *model.LeadAudit) (problems, criteria []byte, err error) {
	problems, err = json.Marshal(nonNil(a.Problems))
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal audit problems")
	}
	if a.CriteriaScores == nil {
		criteria = []byte("{}")
	} else if criteria, err = json.Marshal(a.CriteriaScores); err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal audit criteria")
	}
	return problems, criteria, nil
}

func preparePipelineLead(pl *model.PipelineLead, now time.Time) {
	if pl.ID == "" {
		pl.ID = uuid.NewString()
	}
	if pl.Status == "" {
		pl.Status = model.LeadPending
	}
	pl.CreatedAt = now
	pl.UpdatedAt = now
}

func prepareLead(l model.Lead, now time.Time) model.Lead {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = model.CRMNew
	}
	l.CreatedAt = now
	l.UpdatedAt = now
	return l
}

// orderByPlace returns stored leads in input order, dropping inputs that
// were not found.
func orderByPlace(inputs []model.Lead, byPlace map[string]model.Lead) []model.Lead {
	out := make([]model.Lead, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if seen[in.PlaceID] {
			continue
		}
		if l, ok := byPlace[in.PlaceID]; ok {
			out = append(out, l)
			seen[in.PlaceID] = true
		}
	}
	return out
}

func addRunStat(stats *model.RunStats, status model.RunStatus, n int) {
	stats.Total += n
	switch status {
	case model.RunStatusRunning:
		stats.Running += n
	case model.RunStatusCompleted:
		stats.Completed += n
	case model.RunStatusFailed:
		stats.Failed += n
	case model.RunStatusCancelled:
		stats.Cancelled += n
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
