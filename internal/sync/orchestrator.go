// Package sync は1ユーザー分の同期サイクルを統括する。
//
// サイクルは登録済みプロバイダーごとに 取得 → 差分計画 → 適用 を行う。
// プロバイダー間は隔離されており、1プロバイダーの失敗は他に波及しない。
// 取得はセマフォで同時実行数を制限し、適用はトークン状態を共有するため
// 逐次実行する。
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/hitoshi/calhub/internal/adapter"
	"github.com/hitoshi/calhub/internal/calendar"
	"github.com/hitoshi/calhub/internal/executor"
	"github.com/hitoshi/calhub/internal/metrics"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/reconcile"
	"github.com/hitoshi/calhub/internal/repository"
	"github.com/hitoshi/calhub/internal/security"
	"github.com/hitoshi/calhub/internal/vault"
)

// ErrAlreadyRunning は同一ユーザーの同期サイクルが既に実行中。
var ErrAlreadyRunning = errors.New("sync: already running for this user")

// ErrGoogleLinkMissing はGoogleアカウントが連携されていない。
var ErrGoogleLinkMissing = errors.New("sync: google account is not linked")

// Outcome はプロバイダー同期の結果分類。
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeSessionExpired Outcome = "session_expired"
	OutcomeParseFailure   Outcome = "parse_failure"
	OutcomeUnreachable    Outcome = "unreachable"
	OutcomeVaultError     Outcome = "vault_error"
	OutcomeCalendarError  Outcome = "calendar_error"
)

// ProviderResult は1プロバイダー分の同期結果。
type ProviderResult struct {
	Provider    model.Provider `json:"provider"`
	Outcome     Outcome        `json:"outcome"`
	Fetched     int            `json:"fetched"`
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Invalidated int            `json:"invalidated"`
	Message     string         `json:"message,omitempty"`
}

// Result は1ユーザー分の同期サイクルの結果。
type Result struct {
	UserID    int64            `json:"user_id"`
	Providers []ProviderResult `json:"providers"`
	SyncedAt  time.Time        `json:"synced_at"`
}

// Config はオーケストレータの設定。
type Config struct {
	// FetchTimeout は1プロバイダーの取得に許す時間。
	FetchTimeout time.Duration
	// MaxConcurrent は全ユーザー合算の取得同時実行数。
	MaxConcurrent int
}

// Orchestrator は同期サイクルの統括器。
type Orchestrator struct {
	registry     *adapter.Registry
	vault        *vault.Vault
	vaultItems   repository.VaultItemRepository
	googleUsers  repository.GoogleUserRepository
	reservations repository.ReservationRepository
	executor     *executor.Executor
	calendar     *calendar.Client
	guard        security.SSRFGuardService
	collector    metrics.MetricsCollector
	logger       *slog.Logger

	fetchTimeout time.Duration
	sem          chan struct{}

	mu       stdsync.Mutex
	inFlight map[int64]bool
}

// New はOrchestratorを生成する。
func New(
	registry *adapter.Registry,
	v *vault.Vault,
	vaultItems repository.VaultItemRepository,
	googleUsers repository.GoogleUserRepository,
	reservations repository.ReservationRepository,
	exec *executor.Executor,
	calendarClient *calendar.Client,
	guard security.SSRFGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Orchestrator {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:     registry,
		vault:        v,
		vaultItems:   vaultItems,
		googleUsers:  googleUsers,
		reservations: reservations,
		executor:     exec,
		calendar:     calendarClient,
		guard:        guard,
		collector:    collector,
		logger:       logger,
		fetchTimeout: config.FetchTimeout,
		sem:          make(chan struct{}, config.MaxConcurrent),
		inFlight:     make(map[int64]bool),
	}
}

// SyncUser は1ユーザー分の同期サイクルを実行する。
// 同一ユーザーのサイクルが実行中の場合はErrAlreadyRunningを返す。
// last_syncedはサイクルの成否にかかわらず更新される。
func (o *Orchestrator) SyncUser(ctx context.Context, userID int64) (*Result, error) {
	if !o.acquireUser(userID) {
		return nil, ErrAlreadyRunning
	}
	defer o.releaseUser(userID)

	link, err := o.googleUsers.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find google link: %w", err)
	}
	if link == nil {
		return nil, ErrGoogleLinkMissing
	}

	// サイクル失敗時もlast_syncedは進める。スケジューラの選定が
	// 壊れたユーザーに張り付かないようにするため
	defer func() {
		if err := o.googleUsers.UpdateLastSynced(context.WithoutCancel(ctx), userID, time.Now().UTC()); err != nil {
			o.logger.Error("last_syncedの更新に失敗",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}()

	session := &calendar.Session{
		AccessToken:  link.AccessToken,
		RefreshToken: link.RefreshToken,
	}

	calendarID := link.CalendarID
	if calendarID == "" {
		// 連携時の作成に失敗した場合はここで作り直す
		calendarID, err = o.calendar.CreateCalendar(ctx, session, calendar.DefaultCalendarSummary)
		if err != nil {
			return nil, fmt.Errorf("failed to provision calendar: %w", err)
		}
		if err := o.googleUsers.UpdateCalendarID(ctx, userID, calendarID); err != nil {
			return nil, fmt.Errorf("failed to save calendar id: %w", err)
		}
	}

	providers, err := o.vaultItems.ListProviders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	// 取得フェーズ: セマフォの範囲で並行実行
	fetches := o.fetchAll(ctx, userID, providers)

	// 適用フェーズ: トークン状態を共有するため逐次実行
	result := &Result{UserID: userID}
	for _, f := range fetches {
		pr := o.apply(ctx, session, calendarID, userID, f)
		if o.collector != nil {
			o.collector.RecordSyncOutcome(string(pr.Provider), string(pr.Outcome))
		}
		result.Providers = append(result.Providers, pr)
	}

	if session.Refreshed {
		// refreshTokenに空を渡すと既存値が維持される
		if err := o.googleUsers.UpdateTokens(ctx, userID, session.AccessToken, ""); err != nil {
			o.logger.Error("更新済みトークンの保存に失敗",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	result.SyncedAt = time.Now().UTC()
	return result, nil
}

// fetchResult は取得フェーズの1プロバイダー分の結果。
type fetchResult struct {
	provider     model.Provider
	reservations []model.Reservation
	outcome      Outcome
	message      string
}

// fetchAll は登録済みプロバイダーの予約を並行取得する。
// 返り値の順序はprovidersと同じ。
func (o *Orchestrator) fetchAll(ctx context.Context, userID int64, providers []model.Provider) []fetchResult {
	results := make([]fetchResult, len(providers))
	var wg stdsync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p model.Provider) {
			defer wg.Done()
			o.sem <- struct{}{}
			defer func() { <-o.sem }()
			results[i] = o.fetchProvider(ctx, userID, p)
		}(i, p)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) fetchProvider(ctx context.Context, userID int64, p model.Provider) fetchResult {
	result := fetchResult{provider: p}

	a := o.registry.Get(p)
	if a == nil {
		result.outcome = OutcomeVaultError
		result.message = "no adapter registered"
		return result
	}

	item, err := o.vaultItems.Find(ctx, userID, p)
	if err != nil {
		result.outcome = OutcomeVaultError
		result.message = err.Error()
		return result
	}
	if item == nil {
		result.outcome = OutcomeVaultError
		result.message = "credential not found"
		return result
	}

	bundle, err := o.vault.Open(userID, p, item.Nonce, item.Data)
	if err != nil {
		result.outcome = OutcomeVaultError
		result.message = err.Error()
		return result
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	start := time.Now()
	fetched, err := a.Fetch(fetchCtx, bundle)
	if o.collector != nil {
		o.collector.RecordFetchLatency(string(p), time.Since(start))
	}
	if err != nil {
		result.outcome = outcomeOfAdapterError(err)
		result.message = err.Error()
		o.logger.Warn("予約の取得に失敗",
			slog.Int64("user_id", userID),
			slog.String("provider", string(p)),
			slog.String("outcome", string(result.outcome)),
			slog.String("error", err.Error()),
		)
		return result
	}

	for i := range fetched {
		fetched[i].UserID = userID
		// スクレイプ由来のURLは保存前に検証し、危険なものは落とす
		if fetched[i].URL != nil && o.guard.ValidateURL(*fetched[i].URL) != nil {
			fetched[i].URL = nil
		}
	}

	result.outcome = OutcomeOK
	result.reservations = fetched
	return result
}

// apply は取得結果から差分計画を組み立てて適用する。
func (o *Orchestrator) apply(ctx context.Context, session *calendar.Session, calendarID string, userID int64, f fetchResult) ProviderResult {
	pr := ProviderResult{Provider: f.provider, Outcome: f.outcome, Message: f.message}
	if f.outcome != OutcomeOK {
		return pr
	}
	pr.Fetched = len(f.reservations)

	liveRows, err := o.reservations.ListLiveByPrefix(ctx, userID, f.provider.IDPrefix())
	if err != nil {
		pr.Outcome = OutcomeCalendarError
		pr.Message = err.Error()
		return pr
	}
	live := make([]model.Reservation, len(liveRows))
	for i, r := range liveRows {
		live[i] = *r
	}

	plan := reconcile.BuildPlan(live, f.reservations)
	if plan.Empty() {
		return pr
	}

	if err := o.executor.Apply(ctx, session, calendarID, userID, plan); err != nil {
		pr.Outcome = OutcomeCalendarError
		pr.Message = err.Error()
		o.logger.Error("同期計画の適用に失敗",
			slog.Int64("user_id", userID),
			slog.String("provider", string(f.provider)),
			slog.String("error", err.Error()),
		)
		return pr
	}

	pr.Created = len(plan.Creates)
	pr.Updated = len(plan.Updates)
	pr.Invalidated = len(plan.Invalidates)
	if o.collector != nil {
		o.collector.RecordPlanApplied(pr.Created, pr.Updated, pr.Invalidated)
	}

	o.logger.Info("プロバイダー同期が完了",
		slog.Int64("user_id", userID),
		slog.String("provider", string(f.provider)),
		slog.Int("fetched", pr.Fetched),
		slog.Int("created", pr.Created),
		slog.Int("updated", pr.Updated),
		slog.Int("invalidated", pr.Invalidated),
	)
	return pr
}

// outcomeOfAdapterError はアダプタエラーの分類を同期結果に写す。
func outcomeOfAdapterError(err error) Outcome {
	switch adapter.KindOf(err) {
	case adapter.KindMalformedCredential:
		// 保存済みバンドルの欠損は認証情報の問題として扱う
		return OutcomeVaultError
	case adapter.KindSessionExpired:
		return OutcomeSessionExpired
	case adapter.KindParseFailure:
		return OutcomeParseFailure
	default:
		return OutcomeUnreachable
	}
}

func (o *Orchestrator) acquireUser(userID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[userID] {
		return false
	}
	o.inFlight[userID] = true
	return true
}

func (o *Orchestrator) releaseUser(userID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, userID)
}
