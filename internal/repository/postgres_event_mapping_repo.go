package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/calhub/internal/model"
)

// PostgresEventMappingRepo はPostgreSQLを使用したイベント対応リポジトリ。
type PostgresEventMappingRepo struct {
	db *sql.DB
}

// NewPostgresEventMappingRepo はPostgresEventMappingRepoを生成する。
func NewPostgresEventMappingRepo(db *sql.DB) *PostgresEventMappingRepo {
	return &PostgresEventMappingRepo{db: db}
}

// FindByReservation は指定ユーザー・予約IDの対応行を取得する。見つからない場合はnilを返す。
func (r *PostgresEventMappingRepo) FindByReservation(ctx context.Context, userID int64, reservationID string) (*model.EventMapping, error) {
	m := &model.EventMapping{}
	err := r.db.QueryRowContext(ctx,
		`SELECT event_id, user_id, reservation_id
		 FROM google_events
		 WHERE user_id = $1 AND reservation_id = $2`,
		userID, reservationID,
	).Scan(&m.EventID, &m.UserID, &m.ReservationID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event mapping: %w", err)
	}

	return m, nil
}

// compile-time interface check
var _ EventMappingRepository = (*PostgresEventMappingRepo)(nil)
