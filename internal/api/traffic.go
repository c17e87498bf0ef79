package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/vidstash/backend/internal/db"
	"github.com/vidstash/backend/internal/download"
	apperrors "github.com/vidstash/backend/internal/errors"
)

const (
	defaultTrafficLimit = 50
	maxTrafficLimit     = 500
)

// TrafficReader is the read side of the traffic ledger.
type TrafficReader interface {
	Usage(ctx context.Context, userID string) (*db.Usage, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*download.TrafficRecord, error)
}

type TrafficHandlers struct {
	traffic TrafficReader
}

func NewTrafficHandlers(traffic TrafficReader) *TrafficHandlers {
	return &TrafficHandlers{traffic: traffic}
}

type TrafficResponse struct {
	Usage   *db.Usage                 `json:"usage"`
	Records []*download.TrafficRecord `json:"records"`
}

// GetTraffic handles GET /api/v1/traffic?limit=N
func (h *TrafficHandlers) GetTraffic(w http.ResponseWriter, r *http.Request) error {
	req, err := requester(r)
	if err != nil {
		return err
	}

	limit := defaultTrafficLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return apperrors.ValidationError("limit must be a positive integer")
		}
		limit = min(n, maxTrafficLimit)
	}

	usage, err := h.traffic.Usage(r.Context(), req.UserID)
	if err != nil {
		return apperrors.DatabaseError("failed to read quota").WithCause(err)
	}
	records, err := h.traffic.ListByUser(r.Context(), req.UserID, limit)
	if err != nil {
		return apperrors.DatabaseError("failed to read traffic").WithCause(err)
	}
	if records == nil {
		records = []*download.TrafficRecord{}
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, TrafficResponse{
		Usage:   usage,
		Records: records,
	})
	return nil
}
