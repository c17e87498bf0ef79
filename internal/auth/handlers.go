package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/vidstash/backend/internal/db"
	apperrors "github.com/vidstash/backend/internal/errors"
	"github.com/vidstash/backend/internal/logger"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Handlers struct {
	authService *Service
	log         *logger.Logger
}

func NewHandlers(authService *Service) *Handlers {
	return &Handlers{
		authService: authService,
		log:         logger.Default().WithComponent("auth"),
	}
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) error {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apperrors.BadRequest("invalid request body")
	}

	if err := validateRegisterRequest(&req); err != nil {
		return apperrors.ValidationError(err.Error())
	}

	resp, err := h.authService.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, db.ErrEmailExists) {
			return apperrors.EmailExists()
		}
		h.log.Error(r.Context(), "failed to create user", err)
		return apperrors.InternalError("failed to create user").WithCause(err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusCreated, resp)
	return nil
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) error {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apperrors.BadRequest("invalid request body")
	}

	if req.Email == "" || req.Password == "" {
		return apperrors.ValidationError("email and password are required")
	}

	resp, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return apperrors.InvalidCredentials()
		}
		h.log.Error(r.Context(), "login failed", err)
		return apperrors.InternalError("login failed").WithCause(err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, resp)
	return nil
}

// Me returns the identity carried by the caller's token.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) error {
	user := GetUserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("not authenticated")
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, map[string]any{
		"id":      user.UserID,
		"email":   user.Email,
		"isAdmin": user.IsAdmin,
	})
	return nil
}

func validateRegisterRequest(req *RegisterRequest) error {
	if req.Email == "" {
		return errors.New("email is required")
	}
	if !emailRegex.MatchString(req.Email) {
		return errors.New("invalid email format")
	}
	if req.Password == "" {
		return errors.New("password is required")
	}
	if len(req.Password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if len(req.Password) > 72 {
		return errors.New("password must be at most 72 bytes")
	}
	return nil
}
