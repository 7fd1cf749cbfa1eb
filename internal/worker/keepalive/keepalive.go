// Package keepalive はプロバイダーセッションの維持ワーカーを提供する。
// 登録済みの認証情報ごとに軽量なリクエストを定期送信し、
// アイドルタイムアウトによるセッション失効を防ぐ。
package keepalive

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/calhub/internal/adapter"
	"github.com/hitoshi/calhub/internal/metrics"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
	"github.com/hitoshi/calhub/internal/vault"
)

// Config はKeeperの動作設定。
type Config struct {
	// Schedules はプロバイダーごとのcronスケジュール。
	// 未指定のプロバイダーにはDefaultScheduleを使用する。
	Schedules map[model.Provider]string

	// DefaultSchedule は個別指定のないプロバイダーのスケジュール。
	DefaultSchedule string

	// PingTimeout は1リクエストあたりのタイムアウト。
	PingTimeout time.Duration
}

// DefaultConfig はデフォルトのKeeper設定を返す。
// 高速バス系はセッションが30分で失効するため、余裕をもって29分間隔とする。
func DefaultConfig() Config {
	return Config{
		Schedules: map[model.Provider]string{
			model.ProviderKobus:   "@every 29m",
			model.ProviderBustago: "@every 29m",
		},
		DefaultSchedule: "@every 10m",
		PingTimeout:     15 * time.Second,
	}
}

// Keeper は登録済み認証情報のセッション維持を行うワーカー。
// プロバイダーごとに独立したcronエントリを持ち、
// あるプロバイダーの失敗が他のプロバイダーに影響しない。
type Keeper struct {
	registry  *adapter.Registry
	vault     *vault.Vault
	items     repository.VaultItemRepository
	collector metrics.MetricsCollector
	logger    *slog.Logger
	config    Config
	cron      *cron.Cron
}

// NewKeeper はKeeperの新しいインスタンスを生成する。
func NewKeeper(
	registry *adapter.Registry,
	v *vault.Vault,
	items repository.VaultItemRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Keeper {
	if config.DefaultSchedule == "" {
		config.DefaultSchedule = "@every 10m"
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 15 * time.Second
	}
	return &Keeper{
		registry:  registry,
		vault:     v,
		items:     items,
		collector: collector,
		logger:    logger,
		config:    config,
		cron:      cron.New(),
	}
}

// scheduleFor は指定プロバイダーのcronスケジュールを返す。
func (k *Keeper) scheduleFor(p model.Provider) string {
	if s, ok := k.config.Schedules[p]; ok {
		return s
	}
	return k.config.DefaultSchedule
}

// Start は登録済みアダプタごとにcronエントリを登録し、ワーカーを起動する。
func (k *Keeper) Start() error {
	for _, a := range k.registry.All() {
		provider := a.Provider()
		schedule := k.scheduleFor(provider)

		_, err := k.cron.AddFunc(schedule, func() {
			ctx := context.Background()
			if err := k.RunProvider(ctx, provider); err != nil {
				k.logger.Error("セッション維持の巡回に失敗しました",
					slog.String("provider", string(provider)),
					slog.String("error", err.Error()),
				)
			}
		})
		if err != nil {
			return err
		}

		k.logger.Info("セッション維持スケジュールを登録しました",
			slog.String("provider", string(provider)),
			slog.String("schedule", schedule),
		)
	}

	k.cron.Start()
	return nil
}

// Stop はワーカーを停止し、実行中のジョブの完了を待つコンテキストを返す。
func (k *Keeper) Stop() context.Context {
	return k.cron.Stop()
}

// RunProvider は指定プロバイダーの全登録認証情報に対してPingを実行する。
// 個別の失敗はログとメトリクスに記録し、巡回は継続する。
func (k *Keeper) RunProvider(ctx context.Context, provider model.Provider) error {
	a := k.registry.Get(provider)
	if a == nil {
		return nil
	}

	items, err := k.items.ListByProvider(ctx, provider)
	if err != nil {
		return err
	}

	for _, item := range items {
		bundle, err := k.vault.Open(item.UserID, provider, item.Nonce, item.Data)
		if err != nil {
			// 鍵ローテーション等で復号できない行。Pingは送れない
			k.logger.Warn("認証情報の復号に失敗しました",
				slog.Int64("user_id", item.UserID),
				slog.String("provider", string(provider)),
				slog.String("error", err.Error()),
			)
			k.collector.RecordKeepalive(string(provider), false)
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, k.config.PingTimeout)
		err = a.Ping(pingCtx, bundle)
		cancel()

		if err != nil {
			k.logger.Warn("セッション維持リクエストに失敗しました",
				slog.Int64("user_id", item.UserID),
				slog.String("provider", string(provider)),
				slog.String("error", err.Error()),
			)
		}
		k.collector.RecordKeepalive(string(provider), err == nil)
	}

	return nil
}
