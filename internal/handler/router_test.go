package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/calhub/internal/adapter"
	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/sync"
)

type fakeSessionFinder struct {
	sessions map[string]int64
}

func (f *fakeSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	userID, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	return &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: time.Now().Add(1 * time.Hour),
	}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *middleware.RateLimiter) {
	t.Helper()

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	deps := &RouterDeps{
		SessionFinder:     &fakeSessionFinder{sessions: map[string]int64{"valid-session": 7}},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		CSRFConfig:        middleware.CSRFConfig{CookieSecure: false},

		AuthService: &mockAuthService{},
		AuthConfig:  AuthHandlerConfig{BaseURL: "http://localhost:3000", SessionMaxAge: 86400},

		Vault:      testVault(t),
		VaultItems: newFakeVaultItems(),
		AdapterRegistry: adapter.NewRegistry(&stubAdapter{
			provider: model.ProviderKobus,
			fields:   []string{"session_key"},
		}),

		Reservations: &fakeReservationRepo{},
		SyncService: &mockSyncService{
			syncUserFn: func(ctx context.Context, userID int64) (*sync.Result, error) {
				return &sync.Result{UserID: userID, SyncedAt: time.Now()}, nil
			},
		},

		HealthHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}

	return NewRouter(deps), rl
}

func TestRouter_UnauthenticatedAPIRequest_Returns401(t *testing.T) {
	router, _ := newTestRouter(t)

	paths := []string{"/api/providers", "/api/reservations"}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want %d", path, w.Result().StatusCode, http.StatusUnauthorized)
		}
	}
}

func TestRouter_AuthenticatedProviderList_Returns200(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var resp []providerResponse
	if err := json.NewDecoder(w.Result().Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp) != 1 || resp[0].Provider != "kobus" {
		t.Errorf("resp = %+v, want single kobus entry", resp)
	}
}

func TestRouter_SyncWithoutCSRFToken_Returns403(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
}

func TestRouter_SyncWithCSRFToken_Returns200(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "token-1"})
	req.Header.Set("X-CSRF-Token", "token-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_HealthEndpoint_NoAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_CSRFTokenEndpoint_NoAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Token == "" {
		t.Error("expected non-empty token")
	}
}

func TestRouter_SecurityHeadersApplied(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Result().Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Result().Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestRouter_CORSHeadersApplied(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Result().Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
