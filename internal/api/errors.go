package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/vidstash/backend/internal/auth"
	"github.com/vidstash/backend/internal/download"
	apperrors "github.com/vidstash/backend/internal/errors"
)

// downloadError maps download service errors to their HTTP form. Unknown
// errors become a 500 that keeps the cause for logging.
func downloadError(err error) error {
	switch {
	case errors.Is(err, download.ErrJobNotFound):
		return apperrors.JobNotFound()
	case errors.Is(err, download.ErrForbidden):
		return apperrors.Forbidden("not allowed to access this download")
	case errors.Is(err, download.ErrInvalidURL):
		return apperrors.InvalidURL(err.Error())
	case errors.Is(err, download.ErrQueueFull):
		return apperrors.QueueFull()
	case errors.Is(err, download.ErrFileMissing):
		return apperrors.FileNotFound()
	default:
		return apperrors.InternalError("download operation failed").WithCause(err)
	}
}

func requester(r *http.Request) (download.Requester, error) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return download.Requester{}, apperrors.Unauthorized("user not authenticated")
	}
	return user.Requester(), nil
}

func parseJobID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.InvalidJobID()
	}
	return id, nil
}
