package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/calhub/internal/calendar"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn func(ctx context.Context, id int64) (*model.User, error)
	createFn   func(ctx context.Context) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context) (*model.User, error) {
	if m.createFn != nil {
		return m.createFn(ctx)
	}
	return nil, nil
}

type mockGoogleRepo struct {
	findBySubjectFn    func(ctx context.Context, subject string) (*model.GoogleLink, error)
	createWithUserFn   func(ctx context.Context, link *model.GoogleLink) (*model.User, error)
	updateTokensFn     func(ctx context.Context, userID int64, accessToken, refreshToken string) error
	updateCalendarIDFn func(ctx context.Context, userID int64, calendarID string) error
}

func (m *mockGoogleRepo) FindByUserID(ctx context.Context, userID int64) (*model.GoogleLink, error) {
	return nil, nil
}

func (m *mockGoogleRepo) FindBySubject(ctx context.Context, subject string) (*model.GoogleLink, error) {
	if m.findBySubjectFn != nil {
		return m.findBySubjectFn(ctx, subject)
	}
	return nil, nil
}

func (m *mockGoogleRepo) CreateWithUser(ctx context.Context, link *model.GoogleLink) (*model.User, error) {
	if m.createWithUserFn != nil {
		return m.createWithUserFn(ctx, link)
	}
	return nil, nil
}

func (m *mockGoogleRepo) UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	if m.updateTokensFn != nil {
		return m.updateTokensFn(ctx, userID, accessToken, refreshToken)
	}
	return nil
}

func (m *mockGoogleRepo) UpdateCalendarID(ctx context.Context, userID int64, calendarID string) error {
	if m.updateCalendarIDFn != nil {
		return m.updateCalendarIDFn(ctx, userID, calendarID)
	}
	return nil
}

func (m *mockGoogleRepo) UpdateLastSynced(ctx context.Context, userID int64, at time.Time) error {
	return nil
}

func (m *mockGoogleRepo) ListSyncDue(ctx context.Context, before time.Time) ([]int64, error) {
	return nil, nil
}

type mockSessionRepo struct {
	createFn     func(ctx context.Context, session *model.Session) error
	findByIDFn   func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn func(ctx context.Context, id string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*GoogleIdentity, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*GoogleIdentity, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.GoogleUserRepository = (*mockGoogleRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)

// testCalendarClient はカレンダー作成に成功する偽APIを返す。
func testCalendarClient(t *testing.T) *calendar.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "cal-new"})
	}))
	t.Cleanup(server.Close)
	return calendar.NewClient(calendar.Config{BaseURL: server.URL}, nil)
}

// --- テスト ---

func TestGetLoginURL_ReturnsOAuthURL(t *testing.T) {
	provider := &mockOAuthProvider{
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	svc := NewService(provider, nil, nil, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	url := svc.GetLoginURL("test-state")

	expected := "https://accounts.google.com/o/oauth2/auth?state=test-state"
	if url != expected {
		t.Errorf("GetLoginURL() = %q, want %q", url, expected)
	}
}

func TestGenerateState_ReturnsUniqueValues(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, ServiceConfig{})

	a := svc.GenerateState()
	b := svc.GenerateState()
	if a == "" || a == b {
		t.Errorf("stateが一意でない: %q, %q", a, b)
	}
}

func TestHandleCallback_NewUser_CreatesUserAndCalendarAndSession(t *testing.T) {
	ctx := context.Background()

	var createdLink *model.GoogleLink
	var savedCalendarID string
	var createdSession *model.Session

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*GoogleIdentity, error) {
			return &GoogleIdentity{
				Subject:      "google-subject-123",
				Email:        "test@example.com",
				AccessToken:  "access-1",
				RefreshToken: "refresh-1",
			}, nil
		},
	}

	googleRepo := &mockGoogleRepo{
		findBySubjectFn: func(ctx context.Context, subject string) (*model.GoogleLink, error) {
			// 連携情報が見つからない（新規ユーザー）
			return nil, nil
		},
		createWithUserFn: func(ctx context.Context, link *model.GoogleLink) (*model.User, error) {
			createdLink = link
			return &model.User{ID: 42}, nil
		},
		updateCalendarIDFn: func(ctx context.Context, userID int64, calendarID string) error {
			savedCalendarID = calendarID
			return nil
		},
	}

	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}

	svc := NewService(provider, nil, googleRepo, sessionRepo, testCalendarClient(t), ServiceConfig{SessionMaxAge: 86400})

	session, err := svc.HandleCallback(ctx, "auth-code-123")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	// セッションが返されること
	if session == nil {
		t.Fatal("expected non-nil session")
	}
	if session.ID == "" {
		t.Error("expected non-empty session ID")
	}
	if session.UserID != 42 {
		t.Errorf("session userID = %d, want 42", session.UserID)
	}

	// 連携情報が作成されること
	if createdLink == nil {
		t.Fatal("expected google link to be created")
	}
	if createdLink.Subject != "google-subject-123" {
		t.Errorf("subject = %q", createdLink.Subject)
	}
	if createdLink.AccessToken != "access-1" || createdLink.RefreshToken != "refresh-1" {
		t.Error("トークンが連携情報に設定されていない")
	}

	// 専用カレンダーが作成・保存されること
	if savedCalendarID != "cal-new" {
		t.Errorf("calendarID = %q, want cal-new", savedCalendarID)
	}

	// セッションが作成されること
	if createdSession == nil {
		t.Fatal("expected session to be created")
	}
	if createdSession.ExpiresAt.Before(time.Now()) {
		t.Error("session should not be expired")
	}
}

func TestHandleCallback_ExistingUser_UpdatesTokensAndCreatesSession(t *testing.T) {
	ctx := context.Background()

	var updatedUserID int64
	var updatedAccess, updatedRefresh string

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*GoogleIdentity, error) {
			return &GoogleIdentity{
				Subject:      "google-subject-789",
				Email:        "existing@example.com",
				AccessToken:  "access-2",
				RefreshToken: "refresh-2",
			}, nil
		},
	}

	googleRepo := &mockGoogleRepo{
		findBySubjectFn: func(ctx context.Context, subject string) (*model.GoogleLink, error) {
			return &model.GoogleLink{UserID: 7, Subject: "google-subject-789"}, nil
		},
		updateTokensFn: func(ctx context.Context, userID int64, accessToken, refreshToken string) error {
			updatedUserID = userID
			updatedAccess = accessToken
			updatedRefresh = refreshToken
			return nil
		},
	}

	svc := NewService(provider, nil, googleRepo, &mockSessionRepo{}, nil, ServiceConfig{SessionMaxAge: 86400})

	session, err := svc.HandleCallback(ctx, "auth-code-existing")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if session.UserID != 7 {
		t.Errorf("session userID = %d, want 7", session.UserID)
	}
	if updatedUserID != 7 || updatedAccess != "access-2" || updatedRefresh != "refresh-2" {
		t.Error("既存ユーザーのトークンが更新されていない")
	}
}

func TestHandleCallback_EmailNotAllowed(t *testing.T) {
	ctx := context.Background()

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*GoogleIdentity, error) {
			return &GoogleIdentity{Subject: "s", Email: "stranger@example.com"}, nil
		},
	}

	svc := NewService(provider, nil, nil, nil, nil, ServiceConfig{
		SessionMaxAge: 86400,
		AllowedEmails: []string{"owner@example.com"},
	})

	_, err := svc.HandleCallback(ctx, "auth-code")
	if !errors.Is(err, ErrEmailNotAllowed) {
		t.Errorf("err = %v, want ErrEmailNotAllowed", err)
	}
}

func TestHandleCallback_AllowedEmailIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*GoogleIdentity, error) {
			return &GoogleIdentity{Subject: "s", Email: "Owner@Example.com"}, nil
		},
	}
	googleRepo := &mockGoogleRepo{
		findBySubjectFn: func(ctx context.Context, subject string) (*model.GoogleLink, error) {
			return &model.GoogleLink{UserID: 1}, nil
		},
	}

	svc := NewService(provider, nil, googleRepo, &mockSessionRepo{}, nil, ServiceConfig{
		SessionMaxAge: 86400,
		AllowedEmails: []string{"owner@example.com"},
	})

	_, err := svc.HandleCallback(ctx, "auth-code")
	if err != nil {
		t.Errorf("大文字小文字の違いで拒否された: %v", err)
	}
}

func TestHandleCallback_OAuthError_ReturnsError(t *testing.T) {
	ctx := context.Background()

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*GoogleIdentity, error) {
			return nil, errors.New("oauth exchange failed")
		},
	}

	svc := NewService(provider, nil, nil, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	_, err := svc.HandleCallback(ctx, "bad-code")
	if err == nil {
		t.Fatal("expected error from HandleCallback")
	}
}

func TestHandleCallback_UserCreationError_ReturnsError(t *testing.T) {
	ctx := context.Background()

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*GoogleIdentity, error) {
			return &GoogleIdentity{Subject: "s", Email: "error@example.com"}, nil
		},
	}

	googleRepo := &mockGoogleRepo{
		createWithUserFn: func(ctx context.Context, link *model.GoogleLink) (*model.User, error) {
			return nil, errors.New("db error")
		},
	}

	svc := NewService(provider, nil, googleRepo, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	_, err := svc.HandleCallback(ctx, "auth-code-err")
	if err == nil {
		t.Fatal("expected error from HandleCallback")
	}
}

func TestLogout_DeletesSession(t *testing.T) {
	ctx := context.Background()

	var deletedSessionID string

	sessionRepo := &mockSessionRepo{
		deleteByIDFn: func(ctx context.Context, id string) error {
			deletedSessionID = id
			return nil
		},
	}

	svc := NewService(nil, nil, nil, sessionRepo, nil, ServiceConfig{SessionMaxAge: 86400})

	err := svc.Logout(ctx, "session-to-delete")
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if deletedSessionID != "session-to-delete" {
		t.Errorf("deleted session ID = %q, want %q", deletedSessionID, "session-to-delete")
	}
}

func TestLogout_EmptySessionID_ReturnsError(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	err := svc.Logout(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty session ID")
	}
}

func TestGetCurrentUser_ValidSession_ReturnsUser(t *testing.T) {
	ctx := context.Background()

	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{
				ID:        "session-valid",
				UserID:    9,
				ExpiresAt: time.Now().Add(1 * time.Hour),
			}, nil
		},
	}

	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.User, error) {
			return &model.User{ID: 9}, nil
		},
	}

	svc := NewService(nil, userRepo, nil, sessionRepo, nil, ServiceConfig{SessionMaxAge: 86400})

	user, err := svc.GetCurrentUser(ctx, "session-valid")
	if err != nil {
		t.Fatalf("GetCurrentUser() error = %v", err)
	}

	if user == nil || user.ID != 9 {
		t.Errorf("user = %+v, want ID 9", user)
	}
}

func TestGetCurrentUser_ExpiredSession_ReturnsError(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			// 期限切れセッション -> リポジトリはnilを返す
			return nil, nil
		},
	}

	svc := NewService(nil, nil, nil, sessionRepo, nil, ServiceConfig{SessionMaxAge: 86400})

	_, err := svc.GetCurrentUser(context.Background(), "expired-session")
	if err == nil {
		t.Fatal("expected error for expired session")
	}
}

func TestGetCurrentUser_EmptySessionID_ReturnsError(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	_, err := svc.GetCurrentUser(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty session ID")
	}
}
