package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moogar0880/problems"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/store"
)

const problemContentType = "application/problem+json"

func writeProblem(w http.ResponseWriter, r *http.Request, status int, typ, detail string) {
	p := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(detail)

	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		zap.L().Debug("api: write problem", zap.Error(err))
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "validation_error", detail)
}

// serviceError maps pipeline and store errors to problem responses.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, pipeline.ErrInvalidInput):
		badRequest(w, r, err.Error())
	case errors.Is(err, pipeline.ErrInvalidState), errors.Is(err, store.ErrRunNotResumable):
		writeProblem(w, r, http.StatusConflict, "invalid_state", err.Error())
	default:
		zap.L().Error("api: request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}
