// Package auth はGoogle OAuth認証フローとセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/calhub/internal/calendar"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
)

// ErrEmailNotAllowed は許可リスト外のメールアドレスでのログイン試行。
var ErrEmailNotAllowed = errors.New("auth: email is not allowed")

// GoogleIdentity はGoogle OAuthから取得した連携情報を表す。
type GoogleIdentity struct {
	Subject      string
	Email        string
	AccessToken  string
	RefreshToken string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、連携情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*GoogleIdentity, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	// AllowedEmails が空でない場合、含まれるメールアドレスのみログインを許可する。
	AllowedEmails []string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	googleRepo  repository.GoogleUserRepository
	sessionRepo repository.SessionRepository
	calendar    *calendar.Client
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	googleRepo repository.GoogleUserRepository,
	sessionRepo repository.SessionRepository,
	calendarClient *calendar.Client,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		googleRepo:  googleRepo,
		sessionRepo: sessionRepo,
		calendar:    calendarClient,
		config:      config,
	}
}

// GenerateState はCSRF防止用のOAuth stateトークンを生成する。
func (s *Service) GenerateState() string {
	return uuid.New().String()
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録ユーザーの場合はusersレコードと連携情報を同時に自動作成し、
// 同期先の専用カレンダーを作成する。
// 登録済みユーザーの場合はsubjectで既存ユーザーを特定してトークンを更新する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換し、連携情報を取得
	identity, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. 許可リストの検証
	if !s.emailAllowed(identity.Email) {
		slog.Warn("許可リスト外のログイン試行", slog.String("email", identity.Email))
		return nil, ErrEmailNotAllowed
	}

	// 3. subjectで既存ユーザーを検索
	link, err := s.googleRepo.FindBySubject(ctx, identity.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to find google link: %w", err)
	}

	var userID int64

	if link != nil {
		// 4a. 既存ユーザー: トークンを更新してログイン
		userID = link.UserID
		if err := s.googleRepo.UpdateTokens(ctx, userID, identity.AccessToken, identity.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to update tokens: %w", err)
		}
		slog.Info("既存ユーザーがログイン", slog.Int64("user_id", userID))
	} else {
		// 4b. 新規ユーザー: ユーザーと連携情報を同時に作成
		newLink := &model.GoogleLink{
			Subject:      identity.Subject,
			Email:        identity.Email,
			AccessToken:  identity.AccessToken,
			RefreshToken: identity.RefreshToken,
		}
		user, err := s.googleRepo.CreateWithUser(ctx, newLink)
		if err != nil {
			return nil, fmt.Errorf("failed to create user with google link: %w", err)
		}
		userID = user.ID

		// 同期先の専用カレンダーを作成する。失敗してもログインは成立させ、
		// 最初の同期サイクルで作り直される
		session := &calendar.Session{
			AccessToken:  identity.AccessToken,
			RefreshToken: identity.RefreshToken,
		}
		calendarID, err := s.calendar.CreateCalendar(ctx, session, calendar.DefaultCalendarSummary)
		if err != nil {
			slog.Error("専用カレンダーの作成に失敗",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else if err := s.googleRepo.UpdateCalendarID(ctx, userID, calendarID); err != nil {
			return nil, fmt.Errorf("failed to save calendar id: %w", err)
		}

		slog.Info("新規ユーザーを作成",
			slog.Int64("user_id", userID),
			slog.String("email", identity.Email),
		)
	}

	// 5. セッションを発行
	session, err := s.createSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("ユーザーがログアウト", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}

	return user, nil
}

// emailAllowed は許可リストに基づいてメールアドレスを検証する。
// リストが空の場合はすべて許可する。
func (s *Service) emailAllowed(email string) bool {
	if len(s.config.AllowedEmails) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedEmails {
		if strings.EqualFold(allowed, email) {
			return true
		}
	}
	return false
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID int64) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
