// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDを設定して返す。
	Create(ctx context.Context) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// GoogleUserRepository はGoogleアカウント連携情報の永続化インターフェース。
type GoogleUserRepository interface {
	// FindByUserID は指定ユーザーの連携情報を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID int64) (*model.GoogleLink, error)

	// FindBySubject はGoogleのsubjectクレームで連携情報を検索する。見つからない場合はnilを返す。
	FindBySubject(ctx context.Context, subject string) (*model.GoogleLink, error)

	// CreateWithUser はユーザーと連携情報を同一トランザクションで作成する。
	// 採番されたユーザーIDをlinkに設定して返す。
	CreateWithUser(ctx context.Context, link *model.GoogleLink) (*model.User, error)

	// UpdateTokens はアクセストークンとリフレッシュトークンを更新する。
	// refreshTokenが空の場合は既存の値を維持する。
	UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error

	// UpdateCalendarID は同期先カレンダーIDを更新する。
	UpdateCalendarID(ctx context.Context, userID int64, calendarID string) error

	// UpdateLastSynced は最終同期時刻を更新する。
	UpdateLastSynced(ctx context.Context, userID int64, at time.Time) error

	// ListSyncDue は最終同期時刻がbefore以前のユーザーID一覧を返す。
	ListSyncDue(ctx context.Context, before time.Time) ([]int64, error)
}

// VaultItemRepository は暗号化済み認証情報の永続化インターフェース。
// 平文の認証情報はこの層を通過しない。
type VaultItemRepository interface {
	// Find は指定ユーザー・プロバイダーの暗号化済み認証情報を取得する。
	// 見つからない場合はnilを返す。
	Find(ctx context.Context, userID int64, provider model.Provider) (*model.VaultItem, error)

	// Upsert は暗号化済み認証情報を冪等にUPSERTする。
	Upsert(ctx context.Context, item *model.VaultItem) error

	// ListProviders は指定ユーザーが認証情報を登録済みのプロバイダー一覧を返す。
	ListProviders(ctx context.Context, userID int64) ([]model.Provider, error)

	// ListByProvider は指定プロバイダーの全ユーザー分の暗号化済み認証情報を返す。
	// セッション維持ワーカーの巡回用。
	ListByProvider(ctx context.Context, provider model.Provider) ([]*model.VaultItem, error)

	// Delete は指定ユーザー・プロバイダーの認証情報を削除する。
	Delete(ctx context.Context, userID int64, provider model.Provider) error
}

// ReservationRepository は予約データの永続化インターフェース。
// 予約行は削除せず、invalidフラグで論理無効化する。
type ReservationRepository interface {
	// FindByID は指定ユーザー・予約IDの行を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID int64, id string) (*model.Reservation, error)

	// ListLiveByPrefix は指定ユーザーのIDプレフィックスに一致する有効行を返す。
	// invalid行は含まない。
	ListLiveByPrefix(ctx context.Context, userID int64, prefix string) ([]*model.Reservation, error)

	// ListByUser は指定ユーザーの予約一覧をdate_begin昇順で返す。
	ListByUser(ctx context.Context, userID int64, includeInvalid bool) ([]*model.Reservation, error)

	// CreateWithMapping は予約行とイベント対応行を同一トランザクションで書き込む。
	// 過去にinvalid化された同一IDの行が残っている場合は上書きして復活させる。
	CreateWithMapping(ctx context.Context, r *model.Reservation, eventID string) error

	// UpdateFields は正規化フィールドを上書き更新する。
	UpdateFields(ctx context.Context, r *model.Reservation) error

	// InvalidateWithMapping は行をinvalid化し、イベント対応行を同一トランザクションで削除する。
	InvalidateWithMapping(ctx context.Context, userID int64, id string) error
}

// EventMappingRepository は予約とGoogleカレンダーイベントの対応の参照インターフェース。
// 書き込みはReservationRepositoryのトランザクション経由で行う。
type EventMappingRepository interface {
	// FindByReservation は指定ユーザー・予約IDの対応行を取得する。見つからない場合はnilを返す。
	FindByReservation(ctx context.Context, userID int64, reservationID string) (*model.EventMapping, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
