package pipeline

import (
	"context"
	"time"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// Searcher finds business candidates.
type Searcher interface {
	Search(ctx context.Context, query, city string, limit int) ([]model.SearchResult, error)
}

// Classifier decides whether a candidate is an independent business.
type Classifier interface {
	Classify(ctx context.Context, name, website, category string) (*model.Classification, error)
}

// Extractor pulls content from a business website. Unreachable sites yield a
// degraded result, not an error.
type Extractor interface {
	Extract(ctx context.Context, url string) (*model.PageContent, error)
}

// Scorer rates an existing website.
type Scorer interface {
	Score(ctx context.Context, url string, page *model.PageContent) (*model.ScoreResult, error)
}

// Generator writes landing pages and outreach messages.
type Generator interface {
	GenerateSite(ctx context.Context, info model.BusinessInfo, page *model.PageContent) (string, error)
	GenerateMessage(ctx context.Context, info model.BusinessInfo) (string, error)
}

// MessageRenderer builds the deterministic fallback message.
type MessageRenderer interface {
	Render(info model.BusinessInfo) string
}

// Publisher stores generated HTML and returns its public reference.
type Publisher interface {
	Publish(ctx context.Context, leadID, name, html string) (string, error)
}

// Transport delivers messages through a session-based gateway.
type Transport interface {
	Open(ctx context.Context, account string) (string, error)
	WaitReady(ctx context.Context, session string, timeout time.Duration) error
	Send(ctx context.Context, session, recipient, text string) error
	Close(ctx context.Context, session string) error
}

// Notifier is told about runs that reached a terminal status.
type Notifier interface {
	RunFinished(ctx context.Context, run *model.Run) error
}

// Scheduler arranges for ProcessStage(runID, stage) to run eventually.
type Scheduler interface {
	Schedule(ctx context.Context, runID string, stage model.Stage) error
}

// Collaborators bundles the external services the stages call.
type Collaborators struct {
	Searcher   Searcher
	Classifier Classifier
	Extractor  Extractor
	Scorer     Scorer
	Generator  Generator
	Templates  MessageRenderer
	Publisher  Publisher
	Transport  Transport
	Notifier   Notifier
}
