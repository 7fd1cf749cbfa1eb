// Package syncjob は予約同期のバックグラウンド実行を提供する。
// 最終同期時刻が古いユーザーを定期的に拾い上げ、
// 手動同期と同じオーケストレーターで同期を実行する。
package syncjob

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/calhub/internal/repository"
	syncsvc "github.com/hitoshi/calhub/internal/sync"
)

// SyncService はユーザー単位の同期実行インターフェース。
type SyncService interface {
	// SyncUser は指定ユーザーの全プロバイダー同期を実行する。
	SyncUser(ctx context.Context, userID int64) (*syncsvc.Result, error)
}

// Scheduler は同期対象ユーザーの取得と並列制御を行う。
// ティッカーで最終同期時刻がstalenessを超えたユーザーを取得し、
// semaphoreパターンで最大並列数を制御しながら同期を実行する。
type Scheduler struct {
	googleUsers    repository.GoogleUserRepository
	syncer         SyncService
	logger         *slog.Logger
	staleness      time.Duration
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// stalenessが0以下の場合はデフォルト値6時間、
// maxConcurrencyが0以下の場合はデフォルト値3を使用する。
func NewScheduler(
	googleUsers repository.GoogleUserRepository,
	syncer SyncService,
	logger *slog.Logger,
	staleness time.Duration,
	maxConcurrency int,
) *Scheduler {
	if staleness <= 0 {
		staleness = 6 * time.Hour
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}
	return &Scheduler{
		googleUsers:    googleUsers,
		syncer:         syncer,
		logger:         logger,
		staleness:      staleness,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("staleness", s.staleness),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は同期対象ユーザーを1回取得し、並列で同期を実行する。
// 手動同期と競合したユーザー（ErrAlreadyRunning）は次のサイクルに回す。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	userIDs, err := s.googleUsers.ListSyncDue(ctx, time.Now().Add(-s.staleness))
	if err != nil {
		return err
	}

	if len(userIDs) == 0 {
		s.logger.Info("同期対象のユーザーはありません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("user_count", len(userIDs)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, userID := range userIDs {
		wg.Add(1)
		sem <- struct{}{}

		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := s.syncer.SyncUser(ctx, id)
			if err != nil {
				if errors.Is(err, syncsvc.ErrAlreadyRunning) {
					// 手動同期の実行中。次のサイクルで再試行する
					return
				}
				s.logger.Error("ユーザー同期に失敗しました",
					slog.Int64("user_id", id),
					slog.String("error", err.Error()),
				)
				return
			}

			for _, pr := range result.Providers {
				if pr.Outcome != syncsvc.OutcomeOK {
					s.logger.Warn("プロバイダー同期が完了しませんでした",
						slog.Int64("user_id", id),
						slog.String("provider", string(pr.Provider)),
						slog.String("outcome", string(pr.Outcome)),
					)
				}
			}
		}(userID)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("user_count", len(userIDs)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
