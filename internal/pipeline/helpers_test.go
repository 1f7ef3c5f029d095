package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// labelStore records every stage label written to a run.
type labelStore struct {
	store.Store
	mu     sync.Mutex
	labels []string
}

func (s *labelStore) SetRunStage(ctx context.Context, runID, label string) error {
	s.mu.Lock()
	s.labels = append(s.labels, label)
	s.mu.Unlock()
	return s.Store.SetRunStage(ctx, runID, label)
}

func (s *labelStore) CompleteRun(ctx context.Context, runID string) error {
	err := s.Store.CompleteRun(ctx, runID)
	if err == nil {
		s.mu.Lock()
		s.labels = append(s.labels, model.LabelDone)
		s.mu.Unlock()
	}
	return err
}

func (s *labelStore) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.labels...)
}

func newTestStore(t *testing.T) *labelStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return &labelStore{Store: st}
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			DefaultMaxResults:  10,
			SearchCap:          60,
			ClassifyWorkers:    5,
			AnalyzeWorkers:     5,
			MessageWorkers:     1,
			SiteBatchSize:      2,
			GoodScore:          8,
			SendIntervalSecs:   4,
			SendReadyTimeoutMs: 15000,
		},
		Reaper: config.ReaperConfig{StaleAfterMins: 20},
	}
}

// sleeps records requested pauses without waiting.
type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return ctx.Err()
}

type fixture struct {
	store     *labelStore
	orch      *Orchestrator
	search    *fakeSearcher
	classify  *fakeClassifier
	extract   *fakeExtractor
	score     *fakeScorer
	generate  *fakeGenerator
	publish   *fakePublisher
	transport *fakeTransport
	notify    *fakeNotifier
	sleeps    *sleeps
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     newTestStore(t),
		search:    &fakeSearcher{},
		classify:  &fakeClassifier{},
		extract:   &fakeExtractor{},
		score:     &fakeScorer{score: 3},
		generate:  &fakeGenerator{},
		publish:   &fakePublisher{},
		transport: &fakeTransport{},
		notify:    &fakeNotifier{},
		sleeps:    &sleeps{},
	}
	c := Collaborators{
		Searcher:   f.search,
		Classifier: f.classify,
		Extractor:  f.extract,
		Scorer:     f.score,
		Generator:  f.generate,
		Templates:  fakeRenderer{},
		Publisher:  f.publish,
		Transport:  f.transport,
		Notifier:   f.notify,
	}
	opts = append([]Option{WithSleep(f.sleeps.sleep)}, opts...)
	f.orch = New(testConfig(), f.store, c, opts...)
	return f
}

func (f *fixture) createRun(t *testing.T, cfg model.RunConfig) *model.Run {
	t.Helper()
	run := &model.Run{Niche: "bakery", City: "Austin", Account: "sales", Config: cfg}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

func (f *fixture) getRun(t *testing.T, id string) *model.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func (f *fixture) leads(t *testing.T, runID string) []model.PipelineLead {
	t.Helper()
	leads, err := f.store.ListPipelineLeads(context.Background(), runID)
	require.NoError(t, err)
	return leads
}

// seedLeads imports n canonical leads and pipeline leads with status.
func (f *fixture) seedLeads(t *testing.T, run *model.Run, n int, status model.LeadStatus, score *int) []model.PipelineLead {
	t.Helper()
	ctx := context.Background()
	offset := len(f.leads(t, run.ID))
	canon := make([]model.Lead, n)
	for i := range canon {
		canon[i] = model.LeadFromResult(result(fmt.Sprintf("%s-p%d", run.ID[:8], offset+i)), run.Niche, run.City)
	}
	saved, err := f.store.UpsertLeads(ctx, canon)
	require.NoError(t, err)

	items := make([]model.PipelineLead, len(saved))
	for i, l := range saved {
		items[i] = model.PipelineLead{
			RunID: run.ID, LeadID: l.ID, PlaceID: l.PlaceID, Name: l.Name,
			Phone: l.Phone, Website: l.Website, Status: status, Score: score,
		}
	}
	_, err = f.store.CreatePipelineLeads(ctx, items)
	require.NoError(t, err)
	return f.leads(t, run.ID)
}

func result(placeID string) model.SearchResult {
	return model.SearchResult{
		PlaceID:  placeID,
		Name:     "Shop " + placeID,
		Phone:    "+1 512 555 0100",
		Website:  "https://" + placeID + ".example.com",
		Category: "bakery",
		Rating:   4.5,
	}
}

func errorCodes(run *model.Run) []string {
	codes := make([]string, 0, len(run.Errors))
	for _, e := range run.Errors {
		codes = append(codes, e.Code)
	}
	return codes
}

func intp(n int) *int { return &n }

func rateLimitErr() error {
	return resilience.NewTransientError(errors.New("anthropic: too many requests"), 429)
}

// --- collaborator fakes ---

type fakeSearcher struct {
	results []model.SearchResult
	err     error
	panic   bool
	limit   atomic.Int32
	calls   atomic.Int32
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, limit int) ([]model.SearchResult, error) {
	f.calls.Add(1)
	f.limit.Store(int32(limit))
	if f.panic {
		panic("search exploded")
	}
	return f.results, f.err
}

type fakeClassifier struct {
	chains map[string]bool
	err    error
}

func (f *fakeClassifier) Classify(_ context.Context, name, _, _ string) (*model.Classification, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.chains[name] {
		return &model.Classification{Viable: false, Reason: "chain"}, nil
	}
	return &model.Classification{Viable: true, Reason: "independent"}, nil
}

type fakeExtractor struct {
	calls atomic.Int32
	panic bool
}

func (f *fakeExtractor) Extract(_ context.Context, url string) (*model.PageContent, error) {
	f.calls.Add(1)
	if f.panic {
		panic("extractor exploded")
	}
	return &model.PageContent{URL: url, Title: "Home", SiteType: model.SiteTypeBuilder, VisibleText: "fresh bread"}, nil
}

type fakeScorer struct {
	score int
	err   error
}

func (f *fakeScorer) Score(_ context.Context, _ string, _ *model.PageContent) (*model.ScoreResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.ScoreResult{Score: f.score, Summary: "dated builder site", Problems: []string{"no mobile layout"}}, nil
}

type fakeGenerator struct {
	siteErr   error
	msgErr    error
	msgPanic  bool
	msgLimits atomic.Int32 // calls left to rate-limit before succeeding
	siteCalls atomic.Int32
	msgCalls  atomic.Int32
}

func (f *fakeGenerator) GenerateSite(_ context.Context, info model.BusinessInfo, _ *model.PageContent) (string, error) {
	f.siteCalls.Add(1)
	if f.siteErr != nil {
		return "", f.siteErr
	}
	return "<html>" + info.Name + "</html>", nil
}

func (f *fakeGenerator) GenerateMessage(_ context.Context, info model.BusinessInfo) (string, error) {
	f.msgCalls.Add(1)
	if f.msgPanic {
		panic("message model exploded")
	}
	if f.msgLimits.Add(-1) >= 0 {
		return "", rateLimitErr()
	}
	if f.msgErr != nil {
		return "", f.msgErr
	}
	return "Hello " + info.Name + ", see " + info.SiteURL, nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(info model.BusinessInfo) string { return "template for " + info.Name }

type fakePublisher struct {
	mu    sync.Mutex
	pages map[string]string
}

func (f *fakePublisher) Publish(_ context.Context, leadID, _, html string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = make(map[string]string)
	}
	f.pages[leadID] = html
	return "https://sites.example.com/" + leadID + "/", nil
}

type fakeTransport struct {
	mu       sync.Mutex
	openErr  error
	readyErr error
	sendErr  error
	failOn   int // 1-based send that fails; 0 never
	beforeOn func(n int)
	sent     []string
	sends    int
	closed   int
}

func (f *fakeTransport) Open(context.Context, string) (string, error) {
	if f.openErr != nil {
		return "", f.openErr
	}
	return "default", nil
}

func (f *fakeTransport) WaitReady(context.Context, string, time.Duration) error { return f.readyErr }

func (f *fakeTransport) Send(_ context.Context, _, recipient, text string) error {
	f.mu.Lock()
	f.sends++
	n := f.sends
	hook := f.beforeOn
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if f.failOn == n {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, recipient+": "+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close(context.Context, string) error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	runs []model.RunStatus
}

func (f *fakeNotifier) RunFinished(_ context.Context, run *model.Run) error {
	f.mu.Lock()
	f.runs = append(f.runs, run.Status)
	f.mu.Unlock()
	return nil
}

// recordingScheduler captures hops instead of running them.
type recordingScheduler struct {
	mu   sync.Mutex
	hops []model.Stage
	err  error
}

func (s *recordingScheduler) Schedule(_ context.Context, _ string, stage model.Stage) error {
	s.mu.Lock()
	s.hops = append(s.hops, stage)
	s.mu.Unlock()
	return s.err
}
