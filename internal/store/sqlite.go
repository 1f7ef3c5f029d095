package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer connection keeps read-modify-write transactions from
	// tripping over SQLITE_BUSY when stage workers append errors concurrently.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	niche           TEXT NOT NULL,
	city            TEXT NOT NULL,
	account         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'running',
	stage           TEXT NOT NULL DEFAULT 'searching',
	config          TEXT NOT NULL DEFAULT '{}',
	search_results  TEXT NOT NULL DEFAULT '[]',
	total_leads     INTEGER NOT NULL DEFAULT 0,
	analyzed        INTEGER NOT NULL DEFAULT 0,
	sites_generated INTEGER NOT NULL DEFAULT 0,
	messages_sent   INTEGER NOT NULL DEFAULT 0,
	errors          TEXT NOT NULL DEFAULT '[]',
	version         INTEGER NOT NULL DEFAULT 1,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	completed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS leads (
	id           TEXT PRIMARY KEY,
	place_id     TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	website      TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	rating       REAL NOT NULL DEFAULT 0,
	photo_url    TEXT NOT NULL DEFAULT '',
	niche        TEXT NOT NULL DEFAULT '',
	city         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'new',
	score        INTEGER,
	summary      TEXT NOT NULL DEFAULT '',
	site_ref     TEXT NOT NULL DEFAULT '',
	contacted_at DATETIME,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_leads (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	lead_id    TEXT NOT NULL DEFAULT '',
	place_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	phone      TEXT NOT NULL DEFAULT '',
	website    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'pending',
	score      INTEGER,
	site_ref   TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (run_id, place_id)
);

CREATE TABLE IF NOT EXISTS lead_audits (
	id         TEXT PRIMARY KEY,
	lead_id    TEXT NOT NULL REFERENCES leads(id),
	run_id     TEXT NOT NULL DEFAULT '',
	score      INTEGER NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	problems   TEXT NOT NULL DEFAULT '[]',
	criteria   TEXT NOT NULL DEFAULT '{}',
	site_type  TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_leads_run_status ON pipeline_leads(run_id, status);
CREATE INDEX IF NOT EXISTS idx_lead_audits_lead_id ON lead_audits(lead_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

const runColumns = `id, niche, city, account, status, stage, config, search_results,
	total_leads, analyzed, sites_generated, messages_sent, errors, version,
	created_at, updated_at, completed_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	prepareRun(run, uuid.NewString, time.Now().UTC())

	cfgJSON, resultsJSON, errorsJSON, err := encodeRunJSON(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, niche, city, account, status, stage, config, search_results, errors, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Niche, run.City, run.Account, string(run.Status), run.Stage,
		cfgJSON, resultsJSON, errorsJSON, run.Version, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Niche != "" {
		query += ` AND niche = ?`
		args = append(args, filter.Niche)
	}
	if filter.City != "" {
		query += ` AND city = ?`
		args = append(args, filter.City)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, defaultLimit(filter.Limit), filter.Offset)

	return s.queryRuns(ctx, query, args...)
}

// ListStaleRuns filters in Go; SQLite stores timestamps as text and a string
// comparison is not a reliable ordering across precisions.
func (s *SQLiteStore) ListStaleRuns(ctx context.Context, updatedBefore time.Time) ([]model.Run, error) {
	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status = ?`, string(model.RunStatusRunning))
	if err != nil {
		return nil, err
	}
	stale := runs[:0]
	for _, r := range runs {
		if r.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, r)
		}
	}
	return stale, nil
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) RunStats(ctx context.Context) (*model.RunStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run stats")
	}
	defer rows.Close()

	stats := &model.RunStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run stats")
		}
		addRunStat(stats, model.RunStatus(status), n)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: iterate run stats")
}

func (s *SQLiteStore) SetRunStage(ctx context.Context, runID, label string) error {
	return s.updateRunning(ctx, runID, "set stage", `stage = ?`, label)
}

// TouchRun records per-item progress by bumping updated_at, which is what
// the stale-run reaper reads.
func (s *SQLiteStore) TouchRun(ctx context.Context, runID string) error {
	return s.updateRunning(ctx, runID, "touch", `stage = stage`)
}

func (s *SQLiteStore) IncrementRunCounter(ctx context.Context, runID string, counter model.Counter, delta int) error {
	col, err := counterColumn(counter)
	if err != nil {
		return err
	}
	return s.updateRunning(ctx, runID, "increment "+col, col+` = `+col+` + ?`, delta)
}

func (s *SQLiteStore) SetRunCounter(ctx context.Context, runID string, counter model.Counter, value int) error {
	col, err := counterColumn(counter)
	if err != nil {
		return err
	}
	return s.updateRunning(ctx, runID, "set "+col, col+` = ?`, value)
}

func (s *SQLiteStore) SetRunSearchResults(ctx context.Context, runID string, results []model.SearchResult) error {
	b, err := json.Marshal(nonNil(results))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal search results")
	}
	return s.updateRunning(ctx, runID, "set search results", `search_results = ?`, string(b))
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string) error {
	return s.updateRunning(ctx, runID, "complete run",
		`status = ?, stage = ?, completed_at = ?`,
		string(model.RunStatusCompleted), model.LabelDone, time.Now().UTC(),
	)
}

func (s *SQLiteStore) CancelRun(ctx context.Context, runID string) error {
	return s.updateRunning(ctx, runID, "cancel run",
		`status = ?, completed_at = ?`,
		string(model.RunStatusCancelled), time.Now().UTC(),
	)
}

func (s *SQLiteStore) AppendRunError(ctx context.Context, runID string, entry model.ErrorEntry) error {
	return s.appendError(ctx, runID, entry, false)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, entry model.ErrorEntry) error {
	return s.appendError(ctx, runID, entry, true)
}

func (s *SQLiteStore) ReopenRun(ctx context.Context, runID, label string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stage = ?, completed_at = NULL, version = version + 1, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.RunStatusRunning), label, time.Now().UTC(), runID,
		string(model.RunStatusFailed), string(model.RunStatusCancelled),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reopen run %s", runID)
	}
	if err := s.checkGuard(ctx, res, runID); err != nil {
		if errors.Is(err, ErrRunNotActive) {
			return eris.Wrapf(ErrRunNotResumable, "sqlite: reopen run %s", runID)
		}
		return err
	}
	return nil
}

// updateRunning applies set to a running run and bumps its version.
func (s *SQLiteStore) updateRunning(ctx context.Context, runID, op, set string, args ...any) error {
	args = append(args, time.Now().UTC(), runID, string(model.RunStatusRunning))
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+set+`, version = version + 1, updated_at = ? WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s", op, runID)
	}
	return s.checkGuard(ctx, res, runID)
}

// checkGuard turns a zero-row update into ErrNotFound or ErrRunNotActive.
func (s *SQLiteStore) checkGuard(ctx context.Context, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read run status %s", runID)
	}
	return eris.Wrapf(ErrRunNotActive, "sqlite: run %s is %s", runID, status)
}

// appendError appends entry to the bounded log of a running run. With fail
// set, the same write moves the run to failed.
func (s *SQLiteStore) appendError(ctx context.Context, runID string, entry model.ErrorEntry, fail bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append error")
	}
	defer tx.Rollback() //nolint:errcheck

	var status, errorsJSON string
	err = tx.QueryRowContext(ctx, `SELECT status, errors FROM runs WHERE id = ?`, runID).Scan(&status, &errorsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read errors %s", runID)
	}
	if model.RunStatus(status) != model.RunStatusRunning {
		return eris.Wrapf(ErrRunNotActive, "sqlite: run %s is %s", runID, status)
	}

	now := time.Now().UTC()
	updated, err := appendErrorJSON([]byte(errorsJSON), entry, now)
	if err != nil {
		return err
	}

	if fail {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET errors = ?, status = ?, stage = ?, completed_at = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			string(updated), string(model.RunStatusFailed), model.LabelError, now, now, runID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET errors = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			string(updated), now, runID,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: write errors %s", runID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append error")
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var (
		r                                model.Run
		status                           string
		cfgJSON, resultsJSON, errorsJSON string
		completed                        sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.Niche, &r.City, &r.Account, &status, &r.Stage,
		&cfgJSON, &resultsJSON,
		&r.Counters.TotalLeads, &r.Counters.Analyzed, &r.Counters.SitesGenerated, &r.Counters.MessagesSent,
		&errorsJSON, &r.Version, &r.CreatedAt, &r.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if err := decodeRunJSON(&r, []byte(cfgJSON), []byte(resultsJSON), []byte(errorsJSON)); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Pipeline leads ---

const pipelineLeadColumns = `id, run_id, lead_id, place_id, name, phone, website, status, score,
	site_ref, message, error, created_at, updated_at`

func (s *SQLiteStore) CreatePipelineLeads(ctx context.Context, leads []model.PipelineLead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin create pipeline leads")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pipeline_leads (`+pipelineLeadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, place_id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare pipeline lead insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	created := 0
	for i := range leads {
		pl := &leads[i]
		preparePipelineLead(pl, now)
		res, err := stmt.ExecContext(ctx,
			pl.ID, pl.RunID, pl.LeadID, pl.PlaceID, pl.Name, pl.Phone, pl.Website, string(pl.Status),
			nullInt(pl.Score), pl.SiteRef, pl.Message, pl.Error, pl.CreatedAt, pl.UpdatedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert pipeline lead %s", pl.PlaceID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit pipeline leads")
	}
	return created, nil
}

func (s *SQLiteStore) ListPipelineLeads(ctx context.Context, runID string, statuses ...model.LeadStatus) ([]model.PipelineLead, error) {
	query := `SELECT ` + pipelineLeadColumns + ` FROM pipeline_leads WHERE run_id = ?`
	args := []any{runID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list pipeline leads %s", runID)
	}
	defer rows.Close()

	var out []model.PipelineLead
	for rows.Next() {
		var (
			pl     model.PipelineLead
			status string
			score  sql.NullInt64
		)
		if err := rows.Scan(&pl.ID, &pl.RunID, &pl.LeadID, &pl.PlaceID, &pl.Name, &pl.Phone, &pl.Website,
			&status, &score, &pl.SiteRef, &pl.Message, &pl.Error, &pl.CreatedAt, &pl.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pipeline lead")
		}
		pl.Status = model.LeadStatus(status)
		pl.Score = intPtr(score)
		out = append(out, pl)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate pipeline leads")
}

func (s *SQLiteStore) UpdatePipelineLead(ctx context.Context, lead *model.PipelineLead) error {
	lead.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_leads SET lead_id = ?, status = ?, score = ?, site_ref = ?, message = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		lead.LeadID, string(lead.Status), nullInt(lead.Score), lead.SiteRef, lead.Message, lead.Error, lead.UpdatedAt, lead.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update pipeline lead %s", lead.ID)
	}
	return checkRowsAffected(res, "pipeline lead", lead.ID)
}

func (s *SQLiteStore) CountPipelineLeads(ctx context.Context, runID string) (map[model.LeadStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pipeline_leads WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count pipeline leads %s", runID)
	}
	defer rows.Close()

	counts := make(map[model.LeadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pipeline lead count")
		}
		counts[model.LeadStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate pipeline lead counts")
}

// --- Canonical leads ---

const leadColumns = `id, place_id, name, address, phone, website, category, rating, photo_url,
	niche, city, status, score, summary, site_ref, contacted_at, created_at, updated_at`

// UpsertLeads inserts leads whose place_id is new and returns the stored
// row for every input, existing ones untouched.
func (s *SQLiteStore) UpsertLeads(ctx context.Context, leads []model.Lead) ([]model.Lead, error) {
	if len(leads) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert leads")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, l := range leads {
		l = prepareLead(l, now)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO leads (id, place_id, name, address, phone, website, category, rating, photo_url,
				niche, city, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (place_id) DO NOTHING`,
			l.ID, l.PlaceID, l.Name, l.Address, l.Phone, l.Website, l.Category, l.Rating, l.PhotoURL,
			l.Niche, l.City, string(l.Status), l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert lead %s", l.PlaceID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert leads")
	}

	ids := make([]any, len(leads))
	for i, l := range leads {
		ids[i] = l.PlaceID
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE place_id IN (`+placeholders(len(ids))+`)`, ids...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read upserted leads")
	}
	defer rows.Close()

	byPlace := make(map[string]model.Lead, len(leads))
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		byPlace[l.PlaceID] = *l
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate leads")
	}
	return orderByPlace(leads, byPlace), nil
}

func (s *SQLiteStore) KnownPlaceIDs(ctx context.Context, placeIDs []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(placeIDs) == 0 {
		return known, nil
	}
	args := make([]any, len(placeIDs))
	for i, id := range placeIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT place_id FROM leads WHERE place_id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: known place ids")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan place id")
		}
		known[id] = true
	}
	return known, eris.Wrap(rows.Err(), "sqlite: iterate place ids")
}

func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, leadID)
	l, err := scanSQLiteLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: lead %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", leadID)
	}
	return l, nil
}

func (s *SQLiteStore) UpdateLeadAnalysis(ctx context.Context, leadID string, score int, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET score = ?, summary = ?,
			status = CASE WHEN status = ? THEN ? ELSE status END, updated_at = ?
		 WHERE id = ?`,
		score, summary, string(model.CRMNew), string(model.CRMAnalyzed), time.Now().UTC(), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead analysis %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) UpdateLeadSite(ctx context.Context, leadID, siteRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET site_ref = ?,
			status = CASE WHEN status IN (?, ?) THEN ? ELSE status END, updated_at = ?
		 WHERE id = ?`,
		siteRef, string(model.CRMNew), string(model.CRMAnalyzed), string(model.CRMSiteReady), time.Now().UTC(), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead site %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) MarkLeadContacted(ctx context.Context, leadID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ?, contacted_at = ?, updated_at = ? WHERE id = ?`,
		string(model.CRMContacted), at.UTC(), time.Now().UTC(), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark lead contacted %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) AddLeadAudit(ctx context.Context, audit *model.LeadAudit) error {
	problems, criteria, err := encodeAuditJSON(audit)
	if err != nil {
		return err
	}
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	audit.CreatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lead_audits (id, lead_id, run_id, score, summary, problems, criteria, site_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.ID, audit.LeadID, audit.RunID, audit.Score, audit.Summary, string(problems), string(criteria),
		audit.SiteType, audit.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert lead audit %s", audit.LeadID)
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var (
		l         model.Lead
		status    string
		score     sql.NullInt64
		contacted sql.NullTime
	)
	err := row.Scan(&l.ID, &l.PlaceID, &l.Name, &l.Address, &l.Phone, &l.Website, &l.Category, &l.Rating,
		&l.PhotoURL, &l.Niche, &l.City, &status, &score, &l.Summary, &l.SiteRef, &contacted,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = model.CRMStatus(status)
	l.Score = intPtr(score)
	if contacted.Valid {
		t := contacted.Time
		l.ContactedAt = &t
	}
	return &l, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
