package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/vidstash/backend/internal/cleanup"
	apperrors "github.com/vidstash/backend/internal/errors"
)

// Sweeper runs retention sweeps on demand.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) (cleanup.Result, error)
	Info() cleanup.Info
}

type CleanupHandlers struct {
	sweeper Sweeper
}

func NewCleanupHandlers(sweeper Sweeper) *CleanupHandlers {
	return &CleanupHandlers{sweeper: sweeper}
}

// maxRetentionHours is the largest retention a time.Duration can hold.
var maxRetentionHours = float64(math.MaxInt64) / float64(time.Hour)

// RunCleanupRequest is the optional body of POST /api/v1/cleanup. A missing
// or zero retention uses the configured one.
type RunCleanupRequest struct {
	RetentionHours float64 `json:"retention_hours"`
}

// RunCleanup handles POST /api/v1/cleanup
func (h *CleanupHandlers) RunCleanup(w http.ResponseWriter, r *http.Request) error {
	var body RunCleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.BadRequest("invalid request body")
	}
	if body.RetentionHours < 0 {
		return apperrors.ValidationError("retention_hours must not be negative")
	}
	if body.RetentionHours > maxRetentionHours {
		return apperrors.ValidationError("retention_hours is too large")
	}

	retention := time.Duration(body.RetentionHours * float64(time.Hour))
	result, err := h.sweeper.Sweep(r.Context(), retention)
	if err != nil {
		return apperrors.InternalError("cleanup failed").WithCause(err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, result)
	return nil
}

// GetCleanupInfo handles GET /api/v1/cleanup
func (h *CleanupHandlers) GetCleanupInfo(w http.ResponseWriter, r *http.Request) error {
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, h.sweeper.Info())
	return nil
}
