package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/vidstash/backend/internal/download"
	apperrors "github.com/vidstash/backend/internal/errors"
	"github.com/vidstash/backend/internal/logger"
)

type DownloadHandlers struct {
	downloadService *download.Service
	log             *logger.Logger
}

func NewDownloadHandlers(downloadService *download.Service) *DownloadHandlers {
	return &DownloadHandlers{
		downloadService: downloadService,
		log:             logger.Default().WithComponent("api"),
	}
}

// CreateDownloadRequest is the body of POST /api/v1/downloads. VideoInfo is
// what the client already knows about the media; when present the server
// skips its own metadata probe.
type CreateDownloadRequest struct {
	URL       string              `json:"url"`
	VideoInfo *download.Metadata `json:"video_info,omitempty"`
}

type JobResponse struct {
	Job *download.Job `json:"job"`
}

type JobListResponse struct {
	Downloads []*download.Job `json:"downloads"`
}

// CreateDownload handles POST /api/v1/downloads
func (h *DownloadHandlers) CreateDownload(w http.ResponseWriter, r *http.Request) error {
	req, err := requester(r)
	if err != nil {
		return err
	}

	var body CreateDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return apperrors.BadRequest("invalid request body")
	}
	if body.URL == "" {
		return apperrors.InvalidURL("url is required")
	}

	var meta download.Metadata
	if body.VideoInfo != nil {
		meta = *body.VideoInfo
	}

	job, err := h.downloadService.Submit(r.Context(), req, body.URL, meta)
	if err != nil {
		appErr := downloadError(err)
		if job != nil {
			// the job exists and has been failed; let the client find it
			if e, ok := apperrors.As(appErr); ok {
				return e.WithDetails(map[string]any{"job_id": job.ID})
			}
		}
		return appErr
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusAccepted, JobResponse{Job: job})
	return nil
}

// ListDownloads handles GET /api/v1/downloads
func (h *DownloadHandlers) ListDownloads(w http.ResponseWriter, r *http.Request) error {
	req, err := requester(r)
	if err != nil {
		return err
	}

	jobs, err := h.downloadService.List(r.Context(), req)
	if err != nil {
		return downloadError(err)
	}
	if jobs == nil {
		jobs = []*download.Job{}
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, JobListResponse{Downloads: jobs})
	return nil
}

// GetDownload handles GET /api/v1/downloads/{id}
func (h *DownloadHandlers) GetDownload(w http.ResponseWriter, r *http.Request) error {
	req, err := requester(r)
	if err != nil {
		return err
	}
	id, err := parseJobID(r)
	if err != nil {
		return err
	}

	job, err := h.downloadService.Get(r.Context(), req, id)
	if err != nil {
		return downloadError(err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, JobResponse{Job: job})
	return nil
}

// DeleteDownload handles DELETE /api/v1/downloads/{id}
func (h *DownloadHandlers) DeleteDownload(w http.ResponseWriter, r *http.Request) error {
	req, err := requester(r)
	if err != nil {
		return err
	}
	id, err := parseJobID(r)
	if err != nil {
		return err
	}

	if err := h.downloadService.Delete(r.Context(), req, id); err != nil {
		return downloadError(err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// DownloadFile handles GET /api/v1/downloads/{id}/file
func (h *DownloadHandlers) DownloadFile(w http.ResponseWriter, r *http.Request) error {
	req, err := requester(r)
	if err != nil {
		return err
	}
	id, err := parseJobID(r)
	if err != nil {
		return err
	}

	file, err := h.downloadService.OpenFile(r.Context(), req, id)
	if errors.Is(err, download.ErrJobNotReady) {
		status := ""
		if job, getErr := h.downloadService.Get(r.Context(), req, id); getErr == nil {
			status = string(job.Status)
		}
		return apperrors.JobNotReady(status)
	}
	if err != nil {
		return downloadError(err)
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", contentDisposition(file.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, file); err != nil {
		// headers are gone; nothing left to tell the client
		h.log.Warn(r.Context(), "file transfer interrupted", map[string]interface{}{
			"job_id": id,
			"error":  err.Error(),
		})
	}
	return nil
}
