package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vidstash/backend/internal/db"
)

func newTestService(t *testing.T, admins ...string) *Service {
	t.Helper()
	database, err := db.NewSQLite(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return NewService(db.NewUserRepository(database), Config{
		JWTSecret:      "test-secret",
		AccessTokenTTL: time.Minute,
		AdminEmails:    admins,
	})
}

func TestPasswordHashing(t *testing.T) {
	password := "testpassword123"

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		t.Error("password comparison failed for correct password")
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte("wrongpassword")); err == nil {
		t.Error("password comparison should fail for wrong password")
	}
}

func TestValidateRegisterRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *RegisterRequest
		wantErr bool
	}{
		{
			name:    "valid request",
			req:     &RegisterRequest{Email: "test@example.com", Password: "password123"},
			wantErr: false,
		},
		{
			name:    "empty email",
			req:     &RegisterRequest{Email: "", Password: "password123"},
			wantErr: true,
		},
		{
			name:    "invalid email format",
			req:     &RegisterRequest{Email: "notanemail", Password: "password123"},
			wantErr: true,
		},
		{
			name:    "password too short",
			req:     &RegisterRequest{Email: "test@example.com", Password: "short"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRegisterRequest(tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRegisterRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterLoginAndValidate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "Alice@Example.com", "password123")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.User.Email != "alice@example.com" {
		t.Errorf("email should be normalized, got %q", reg.User.Email)
	}
	if reg.User.IsAdmin {
		t.Error("user should not be admin")
	}

	if _, err := svc.Login(ctx, "alice@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	login, err := svc.Login(ctx, "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	claims, err := svc.ValidateAccessToken(login.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != reg.User.ID {
		t.Errorf("UserID = %q, want %q", claims.UserID, reg.User.ID)
	}
	req := claims.Requester()
	if req.UserID != reg.User.ID || req.IsAdmin {
		t.Errorf("unexpected requester %+v", req)
	}
}

func TestRegisterAdminEmail(t *testing.T) {
	svc := newTestService(t, "root@example.com")

	resp, err := svc.Register(context.Background(), "root@example.com", "password123")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	claims, err := svc.ValidateAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if !claims.IsAdmin {
		t.Error("admin email should receive the admin claim")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "dup@example.com", "password123"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "dup@example.com", "password123"); !errors.Is(err, db.ErrEmailExists) {
		t.Errorf("expected ErrEmailExists, got %v", err)
	}
}

func TestValidateAccessToken_Expired(t *testing.T) {
	svc := newTestService(t)
	resp, err := svc.Register(context.Background(), "late@example.com", "password123")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.ValidateAccessToken(resp.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateAccessToken_WrongSecret(t *testing.T) {
	svc := newTestService(t)
	resp, err := svc.Register(context.Background(), "eve@example.com", "password123")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	other := NewService(nil, Config{JWTSecret: "another-secret"})
	if _, err := other.ValidateAccessToken(resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.ValidateAccessToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t, "admin@example.com")
	ctx := context.Background()
	user, err := svc.Register(ctx, "user@example.com", "password123")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	admin, err := svc.Register(ctx, "admin@example.com", "password123")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserFromContext(r.Context()) == nil {
			t.Error("user context missing")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	authed := Middleware(svc)(ok)
	adminOnly := Middleware(svc)(RequireAdmin(ok))

	tests := []struct {
		name    string
		handler http.Handler
		header  string
		want    int
	}{
		{"missing header", authed, "", http.StatusUnauthorized},
		{"bad scheme", authed, "Basic abc", http.StatusUnauthorized},
		{"bad token", authed, "Bearer nope", http.StatusUnauthorized},
		{"valid token", authed, "Bearer " + user.AccessToken, http.StatusNoContent},
		{"admin route as user", adminOnly, "Bearer " + user.AccessToken, http.StatusForbidden},
		{"admin route as admin", adminOnly, "Bearer " + admin.AccessToken, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
