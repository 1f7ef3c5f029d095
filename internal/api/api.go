// Package api serves the run endpoints, the internal continuation
// endpoints and the published landing pages.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/continuation"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// Service is the run lifecycle the API exposes.
type Service interface {
	Start(ctx context.Context, req pipeline.StartRequest) (*model.Run, error)
	Get(ctx context.Context, runID string) (*model.Run, error)
	List(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	Leads(ctx context.Context, runID string) ([]model.PipelineLead, error)
	Stats(ctx context.Context) (*model.RunStats, error)
	Cancel(ctx context.Context, runID string) error
	Retry(ctx context.Context, runID string) (model.Stage, error)
	ProcessStage(ctx context.Context, runID string, stage model.Stage) error
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the router settings.
type Config struct {
	Secret      string
	SitesDir    string
	CORSOrigins []string
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	svc      Service
	ping     Pinger
	cfg      Config
	validate *validator.Validate

	wg sync.WaitGroup
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(svc Service, ping Pinger, cfg Config) *Handlers {
	return &Handlers{
		svc:      svc,
		ping:     ping,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router builds the chi router.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := h.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", h.startRun)
		r.Get("/", h.listRuns)
		r.Get("/stats", h.stats)
		r.Get("/{id}", h.getRun)
		r.Get("/{id}/leads", h.listLeads)
		r.Post("/{id}/cancel", h.cancelRun)
		r.Post("/{id}/retry", h.retryRun)
	})

	r.Post("/internal/continue/{phase}", h.continueHop)

	if h.cfg.SitesDir != "" {
		r.Handle("/sites/*", http.StripPrefix("/sites/", http.FileServer(http.Dir(h.cfg.SitesDir))))
	}
	return r
}

// Wait blocks until every accepted continuation has finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRunRequest struct {
	Niche        string `json:"niche" validate:"required,max=100"`
	City         string `json:"city" validate:"required,max=100"`
	Account      string `json:"account" validate:"omitempty,max=64"`
	MaxResults   int    `json:"max_results" validate:"omitempty,min=1,max=30"`
	SkipAnalysis bool   `json:"skip_analysis"`
	SkipSites    bool   `json:"skip_sites"`
	SkipMessages bool   `json:"skip_messages"`
	SkipSend     bool   `json:"skip_send"`
}

func (h *Handlers) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		badRequest(w, r, validationDetail(err))
		return
	}

	run, err := h.svc.Start(r.Context(), pipeline.StartRequest{
		Niche:   req.Niche,
		City:    req.City,
		Account: req.Account,
		Config: model.RunConfig{
			MaxResults:   req.MaxResults,
			SkipAnalysis: req.SkipAnalysis,
			SkipSites:    req.SkipSites,
			SkipMessages: req.SkipMessages,
			SkipSend:     req.SkipSend,
		},
	})
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID, "status": string(run.Status)})
}

func (h *Handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Niche:  q.Get("niche"),
		City:   q.Get("city"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		badRequest(w, r, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		badRequest(w, r, "offset must be a non-negative integer")
		return
	}

	runs, err := h.svc.List(r.Context(), filter)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) listLeads(w http.ResponseWriter, r *http.Request) {
	leads, err := h.svc.Leads(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if leads == nil {
		leads = []model.PipelineLead{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

func (h *Handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.RunStatusCancelled)})
}

func (h *Handlers) retryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stage, err := h.svc.Retry(context.WithoutCancel(r.Context()), id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	resp := map[string]string{"id": id, "status": string(model.RunStatusRunning), "stage": string(stage)}
	if stage == "" {
		resp["status"] = string(model.RunStatusCompleted)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// continueHop accepts one hop and processes it after responding.
func (h *Handlers) continueHop(w http.ResponseWriter, r *http.Request) {
	phase, ok := continuation.ParsePhase(chi.URLParam(r, "phase"))
	if !ok {
		writeProblem(w, r, http.StatusNotFound, "not_found", "unknown continuation phase")
		return
	}
	if h.cfg.Secret != "" {
		got := r.Header.Get(continuation.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Secret)) != 1 {
			writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "invalid continuation secret")
			return
		}
	}

	depth, err := intParam(r.Header.Get(continuation.DepthHeader))
	if err != nil {
		badRequest(w, r, "invalid hop depth")
		return
	}
	if depth > continuation.MaxDepth {
		zap.L().Warn("api: continuation chain too deep", zap.Int("depth", depth))
		writeProblem(w, r, http.StatusLoopDetected, "loop_detected",
			fmt.Sprintf("%s: hop depth %d exceeds %d", continuation.LoopMarker, depth, continuation.MaxDepth))
		return
	}

	var hop continuation.Hop
	if err := json.NewDecoder(r.Body).Decode(&hop); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if err := h.validate.Struct(hop); err != nil {
		badRequest(w, r, validationDetail(err))
		return
	}
	if !hop.Stage.Valid() {
		badRequest(w, r, fmt.Sprintf("unknown stage %q", hop.Stage))
		return
	}

	ctx := continuation.WithHop(context.WithoutCancel(r.Context()), phase, depth)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.svc.ProcessStage(ctx, hop.RunID, hop.Stage); err != nil {
			zap.L().Error("api: continuation failed",
				zap.String("run_id", hop.RunID),
				zap.String("stage", string(hop.Stage)),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, eris.Errorf("api: invalid value %q", s)
	}
	return n, nil
}

func validationDetail(err error) string {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		ve := verrs[0]
		return fmt.Sprintf("validation error: %s - %s", ve.Field(), ve.Tag())
	}
	return "validation error: invalid request"
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
