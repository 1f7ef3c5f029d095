package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/db"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection. The
// dispatcher reads the run on every invocation.
var preparedStatements = map[string]string{
	"get_run":              `SELECT ` + runColumns + ` FROM runs WHERE id = $1`,
	"get_run_status":       `SELECT status FROM runs WHERE id = $1`,
	"count_run_leads":      `SELECT status, COUNT(*) FROM pipeline_leads WHERE run_id = $1 GROUP BY status`,
	"update_pipeline_lead": `UPDATE pipeline_leads SET lead_id = $1, status = $2, score = $3, site_ref = $4, message = $5, error = $6, updated_at = $7 WHERE id = $8`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	niche           TEXT NOT NULL,
	city            TEXT NOT NULL,
	account         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'running',
	stage           TEXT NOT NULL DEFAULT 'searching',
	config          JSONB NOT NULL DEFAULT '{}',
	search_results  JSONB NOT NULL DEFAULT '[]',
	total_leads     INTEGER NOT NULL DEFAULT 0,
	analyzed        INTEGER NOT NULL DEFAULT 0,
	sites_generated INTEGER NOT NULL DEFAULT 0,
	messages_sent   INTEGER NOT NULL DEFAULT 0,
	errors          JSONB NOT NULL DEFAULT '[]',
	version         BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS leads (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	place_id     TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	website      TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	rating       DOUBLE PRECISION NOT NULL DEFAULT 0,
	photo_url    TEXT NOT NULL DEFAULT '',
	niche        TEXT NOT NULL DEFAULT '',
	city         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'new',
	score        INTEGER,
	summary      TEXT NOT NULL DEFAULT '',
	site_ref     TEXT NOT NULL DEFAULT '',
	contacted_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_leads (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, place_id)
);

CREATE TABLE IF NOT EXISTS lead_audits (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	lead_id    TEXT NOT NULL REFERENCES leads(id),
	run_id     TEXT NOT NULL DEFAULT '',
	score      INTEGER NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	problems   JSONB NOT NULL DEFAULT '[]',
	criteria   JSONB NOT NULL DEFAULT '{}',
	site_type  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_running_updated ON runs(updated_at) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_pipeline_leads_run_status ON pipeline_leads(run_id, status);
CREATE INDEX IF NOT EXISTS idx_lead_audits_lead_id ON lead_audits(lead_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	prepareRun(run, uuid.NewString, time.Now().UTC())

	cfgJSON, resultsJSON, errorsJSON, err := encodeRunJSON(run)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, niche, city, account, status, stage, config, search_results, errors, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.Niche, run.City, run.Account, string(run.Status), run.Stage,
		cfgJSON, resultsJSON, errorsJSON, run.Version, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += ` AND status = $` + itoa(argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.Niche != "" {
		query += ` AND niche = $` + itoa(argN)
		args = append(args, filter.Niche)
		argN++
	}
	if filter.City != "" {
		query += ` AND city = $` + itoa(argN)
		args = append(args, filter.City)
		argN++
	}

	query += ` ORDER BY created_at DESC LIMIT $` + itoa(argN) + ` OFFSET $` + itoa(argN+1)
	args = append(args, defaultLimit(filter.Limit), filter.Offset)

	return s.queryRuns(ctx, query, args...)
}

func (s *PostgresStore) ListStaleRuns(ctx context.Context, updatedBefore time.Time) ([]model.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`,
		string(model.RunStatusRunning), updatedBefore.UTC(),
	)
}

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) RunStats(ctx context.Context) (*model.RunStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run stats")
	}
	defer rows.Close()

	stats := &model.RunStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run stats")
		}
		addRunStat(stats, model.RunStatus(status), n)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: iterate run stats")
}

func (s *PostgresStore) SetRunStage(ctx context.Context, runID, label string) error {
	return s.updateRunning(ctx, runID, "set stage", `stage = $1`, label)
}

// TouchRun records per-item progress by bumping updated_at, which is what
// the stale-run reaper reads.
func (s *PostgresStore) TouchRun(ctx context.Context, runID string) error {
	return s.updateRunning(ctx, runID, "touch", `stage = stage`)
}

func (s *PostgresStore) IncrementRunCounter(ctx context.Context, runID string, counter model.Counter, delta int) error {
	col, err := counterColumn(counter)
	if err != nil {
		return err
	}
	return s.updateRunning(ctx, runID, "increment "+col, col+` = `+col+` + $1`, delta)
}

func (s *PostgresStore) SetRunCounter(ctx context.Context, runID string, counter model.Counter, value int) error {
	col, err := counterColumn(counter)
	if err != nil {
		return err
	}
	return s.updateRunning(ctx, runID, "set "+col, col+` = $1`, value)
}

func (s *PostgresStore) SetRunSearchResults(ctx context.Context, runID string, results []model.SearchResult) error {
	run := &model.Run{SearchResults: results}
	_, resultsJSON, _, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	return s.updateRunning(ctx, runID, "set search results", `search_results = $1`, resultsJSON)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string) error {
	return s.updateRunning(ctx, runID, "complete run",
		`status = $1, stage = $2, completed_at = $3`,
		string(model.RunStatusCompleted), model.LabelDone, time.Now().UTC(),
	)
}

func (s *PostgresStore) CancelRun(ctx context.Context, runID string) error {
	return s.updateRunning(ctx, runID, "cancel run",
		`status = $1, completed_at = $2`,
		string(model.RunStatusCancelled), time.Now().UTC(),
	)
}

func (s *PostgresStore) AppendRunError(ctx context.Context, runID string, entry model.ErrorEntry) error {
	return s.appendError(ctx, runID, entry, false)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, entry model.ErrorEntry) error {
	return s.appendError(ctx, runID, entry, true)
}

func (s *PostgresStore) ReopenRun(ctx context.Context, runID, label string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, stage = $2, completed_at = NULL, version = version + 1, updated_at = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		string(model.RunStatusRunning), label, time.Now().UTC(), runID,
		string(model.RunStatusFailed), string(model.RunStatusCancelled),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reopen run %s", runID)
	}
	if err := s.checkGuard(ctx, tag, runID); err != nil {
		if errors.Is(err, ErrRunNotActive) {
			return eris.Wrapf(ErrRunNotResumable, "postgres: reopen run %s", runID)
		}
		return err
	}
	return nil
}

// updateRunning applies set to a running run and bumps its version. set uses
// placeholders starting at $1; the trailing arguments are appended here.
func (s *PostgresStore) updateRunning(ctx context.Context, runID, op, set string, args ...any) error {
	n := len(args)
	query := `UPDATE runs SET ` + set + `, version = version + 1, updated_at = $` + itoa(n+1) +
		` WHERE id = $` + itoa(n+2) + ` AND status = $` + itoa(n+3)
	args = append(args, time.Now().UTC(), runID, string(model.RunStatusRunning))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, runID)
	}
	return s.checkGuard(ctx, tag, runID)
}

// checkGuard turns a zero-row update into ErrNotFound or ErrRunNotActive.
func (s *PostgresStore) checkGuard(ctx context.Context, tag pgconn.CommandTag, runID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read run status %s", runID)
	}
	return eris.Wrapf(ErrRunNotActive, "postgres: run %s is %s", runID, status)
}

// appendError locks the run row, appends entry to its bounded log, and with
// fail set moves the run to failed in the same write.
func (s *PostgresStore) appendError(ctx context.Context, runID string, entry model.ErrorEntry, fail bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append error")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	var errorsJSON []byte
	err = tx.QueryRow(ctx, `SELECT status, errors FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status, &errorsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read errors %s", runID)
	}
	if model.RunStatus(status) != model.RunStatusRunning {
		return eris.Wrapf(ErrRunNotActive, "postgres: run %s is %s", runID, status)
	}

	now := time.Now().UTC()
	updated, err := appendErrorJSON(errorsJSON, entry, now)
	if err != nil {
		return err
	}

	if fail {
		_, err = tx.Exec(ctx,
			`UPDATE runs SET errors = $1, status = $2, stage = $3, completed_at = $4, version = version + 1, updated_at = $4 WHERE id = $5`,
			string(updated), string(model.RunStatusFailed), model.LabelError, now, runID,
		)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE runs SET errors = $1, version = version + 1, updated_at = $2 WHERE id = $3`,
			string(updated), now, runID,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: write errors %s", runID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit append error")
}

func scanPostgresRun(row scannable) (*model.Run, error) {
	var (
		r                                model.Run
		status                           string
		cfgJSON, resultsJSON, errorsJSON []byte
	)
	err := row.Scan(
		&r.ID, &r.Niche, &r.City, &r.Account, &status, &r.Stage,
		&cfgJSON, &resultsJSON,
		&r.Counters.TotalLeads, &r.Counters.Analyzed, &r.Counters.SitesGenerated, &r.Counters.MessagesSent,
		&errorsJSON, &r.Version, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if err := decodeRunJSON(&r, cfgJSON, resultsJSON, errorsJSON); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Pipeline leads ---

var pipelineLeadUpsertCols = []string{
	"id", "run_id", "lead_id", "place_id", "name", "phone", "website", "status", "score",
	"site_ref", "message", "error", "created_at", "updated_at",
}

// CreatePipelineLeads bulk-loads the batch; rows whose (run_id, place_id)
// already exist are left as they are.
func (s *PostgresStore) CreatePipelineLeads(ctx context.Context, leads []model.PipelineLead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(leads))
	for i := range leads {
		pl := &leads[i]
		preparePipelineLead(pl, now)
		var score any
		if pl.Score != nil {
			score = int32(*pl.Score)
		}
		rows[i] = []any{
			pl.ID, pl.RunID, pl.LeadID, pl.PlaceID, pl.Name, pl.Phone, pl.Website, string(pl.Status), score,
			pl.SiteRef, pl.Message, pl.Error, pl.CreatedAt, pl.UpdatedAt,
		}
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "pipeline_leads",
		Columns:      pipelineLeadUpsertCols,
		ConflictKeys: []string{"run_id", "place_id"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: create pipeline leads")
	}
	return int(n), nil
}

func (s *PostgresStore) ListPipelineLeads(ctx context.Context, runID string, statuses ...model.LeadStatus) ([]model.PipelineLead, error) {
	query := `SELECT ` + pipelineLeadColumns + ` FROM pipeline_leads WHERE run_id = $1`
	args := []any{runID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list pipeline leads %s", runID)
	}
	defer rows.Close()

	var out []model.PipelineLead
	for rows.Next() {
		var pl model.PipelineLead
		var status string
		if err := rows.Scan(&pl.ID, &pl.RunID, &pl.LeadID, &pl.PlaceID, &pl.Name, &pl.Phone, &pl.Website,
			&status, &pl.Score, &pl.SiteRef, &pl.Message, &pl.Error, &pl.CreatedAt, &pl.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pipeline lead")
		}
		pl.Status = model.LeadStatus(status)
		out = append(out, pl)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate pipeline leads")
}

func (s *PostgresStore) UpdatePipelineLead(ctx context.Context, lead *model.PipelineLead) error {
	lead.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_leads SET lead_id = $1, status = $2, score = $3, site_ref = $4, message = $5, error = $6, updated_at = $7
		 WHERE id = $8`,
		lead.LeadID, string(lead.Status), lead.Score, lead.SiteRef, lead.Message, lead.Error, lead.UpdatedAt, lead.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update pipeline lead %s", lead.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: pipeline lead %s", lead.ID)
	}
	return nil
}

func (s *PostgresStore) CountPipelineLeads(ctx context.Context, runID string) (map[model.LeadStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM pipeline_leads WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count pipeline leads %s", runID)
	}
	defer rows.Close()

	counts := make(map[model.LeadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pipeline lead count")
		}
		counts[model.LeadStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate pipeline lead counts")
}

// --- Canonical leads ---

var leadUpsertCols = []string{
	"id", "place_id", "name", "address", "phone", "website", "category", "rating", "photo_url",
	"niche", "city", "status", "created_at", "updated_at",
}

// UpsertLeads inserts leads whose place_id is new and returns the stored
// row for every input, existing ones untouched.
func (s *PostgresStore) UpsertLeads(ctx context.Context, leads []model.Lead) ([]model.Lead, error) {
	if len(leads) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(leads))
	placeIDs := make([]string, len(leads))
	for i, in := range leads {
		l := prepareLead(in, now)
		rows[i] = []any{
			l.ID, l.PlaceID, l.Name, l.Address, l.Phone, l.Website, l.Category, l.Rating, l.PhotoURL,
			l.Niche, l.City, string(l.Status), l.CreatedAt, l.UpdatedAt,
		}
		placeIDs[i] = l.PlaceID
	}

	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "leads",
		Columns:      leadUpsertCols,
		ConflictKeys: []string{"place_id"},
		DoNothing:    true,
	}, rows); err != nil {
		return nil, eris.Wrap(err, "postgres: upsert leads")
	}

	dbRows, err := s.pool.Query(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE place_id = ANY($1)`, placeIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read upserted leads")
	}
	defer dbRows.Close()

	byPlace := make(map[string]model.Lead, len(leads))
	for dbRows.Next() {
		l, err := scanPostgresLead(dbRows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		byPlace[l.PlaceID] = *l
	}
	if err := dbRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate leads")
	}
	return orderByPlace(leads, byPlace), nil
}

func (s *PostgresStore) KnownPlaceIDs(ctx context.Context, placeIDs []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(placeIDs) == 0 {
		return known, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT place_id FROM leads WHERE place_id = ANY($1)`, placeIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: known place ids")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan place id")
		}
		known[id] = true
	}
	return known, eris.Wrap(rows.Err(), "postgres: iterate place ids")
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, leadID)
	l, err := scanPostgresLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: lead %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", leadID)
	}
	return l, nil
}

func (s *PostgresStore) UpdateLeadAnalysis(ctx context.Context, leadID string, score int, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET score = $1, summary = $2,
			status = CASE WHEN status = $3 THEN $4 ELSE status END, updated_at = $5
		 WHERE id = $6`,
		score, summary, string(model.CRMNew), string(model.CRMAnalyzed), time.Now().UTC(), leadID,
	)
	return s.leadUpdated(tag, err, "update lead analysis", leadID)
}

func (s *PostgresStore) UpdateLeadSite(ctx context.Context, leadID, siteRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET site_ref = $1,
			status = CASE WHEN status IN ($2, $3) THEN $4 ELSE status END, updated_at = $5
		 WHERE id = $6`,
		siteRef, string(model.CRMNew), string(model.CRMAnalyzed), string(model.CRMSiteReady), time.Now().UTC(), leadID,
	)
	return s.leadUpdated(tag, err, "update lead site", leadID)
}

func (s *PostgresStore) MarkLeadContacted(ctx context.Context, leadID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET status = $1, contacted_at = $2, updated_at = $3 WHERE id = $4`,
		string(model.CRMContacted), at.UTC(), time.Now().UTC(), leadID,
	)
	return s.leadUpdated(tag, err, "mark lead contacted", leadID)
}

func (s *PostgresStore) leadUpdated(tag pgconn.CommandTag, err error, op, leadID string) error {
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: lead %s", leadID)
	}
	return nil
}

func (s *PostgresStore) AddLeadAudit(ctx context.Context, audit *model.LeadAudit) error {
	problems, criteria, err := encodeAuditJSON(audit)
	if err != nil {
		return err
	}
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	audit.CreatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO lead_audits (id, lead_id, run_id, score, summary, problems, criteria, site_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		audit.ID, audit.LeadID, audit.RunID, audit.Score, audit.Summary, string(problems), string(criteria),
		audit.SiteType, audit.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert lead audit %s", audit.LeadID)
}

func scanPostgresLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var status string
	err := row.Scan(&l.ID, &l.PlaceID, &l.Name, &l.Address, &l.Phone, &l.Website, &l.Category, &l.Rating,
		&l.PhotoURL, &l.Niche, &l.City, &status, &l.Score, &l.Summary, &l.SiteRef, &l.ContactedAt,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = model.CRMStatus(status)
	return &l, nil
}
