package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

// PostgresGoogleUserRepo はPostgreSQLを使用したGoogle連携リポジトリ。
type PostgresGoogleUserRepo struct {
	db *sql.DB
}

// NewPostgresGoogleUserRepo はPostgresGoogleUserRepoを生成する。
func NewPostgresGoogleUserRepo(db *sql.DB) *PostgresGoogleUserRepo {
	return &PostgresGoogleUserRepo{db: db}
}

const googleUserColumns = `user_id, subject, email, access_token, refresh_token, calendar_id, last_synced`

func scanGoogleLink(row *sql.Row) (*model.GoogleLink, error) {
	link := &model.GoogleLink{}
	err := row.Scan(
		&link.UserID, &link.Subject, &link.Email,
		&link.AccessToken, &link.RefreshToken, &link.CalendarID, &link.LastSynced,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

// FindByUserID は指定ユーザーの連携情報を取得する。見つからない場合はnilを返す。
func (r *PostgresGoogleUserRepo) FindByUserID(ctx context.Context, userID int64) (*model.GoogleLink, error) {
	link, err := scanGoogleLink(r.db.QueryRowContext(ctx,
		`SELECT `+googleUserColumns+` FROM google_users WHERE user_id = $1`,
		userID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find google link by user ID: %w", err)
	}
	return link, nil
}

// FindBySubject はGoogleのsubjectクレームで連携情報を検索する。見つからない場合はnilを返す。
func (r *PostgresGoogleUserRepo) FindBySubject(ctx context.Context, subject string) (*model.GoogleLink, error) {
	link, err := scanGoogleLink(r.db.QueryRowContext(ctx,
		`SELECT `+googleUserColumns+` FROM google_users WHERE subject = $1`,
		subject,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find google link by subject: %w", err)
	}
	return link, nil
}

// CreateWithUser はユーザーと連携情報を同一トランザクションで作成する。
func (r *PostgresGoogleUserRepo) CreateWithUser(ctx context.Context, link *model.GoogleLink) (*model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	user := &model.User{}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users DEFAULT VALUES RETURNING id, created_at`,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO google_users (user_id, subject, email, access_token, refresh_token, calendar_id, last_synced)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, link.Subject, link.Email,
		link.AccessToken, link.RefreshToken, link.CalendarID, link.LastSynced,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert google link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	link.UserID = user.ID
	return user, nil
}

// UpdateTokens はアクセストークンとリフレッシュトークンを更新する。
// refreshTokenが空の場合は既存の値を維持する。
func (r *PostgresGoogleUserRepo) UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE google_users
		 SET access_token = $2,
		     refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END
		 WHERE user_id = $1`,
		userID, accessToken, refreshToken,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// UpdateCalendarID は同期先カレンダーIDを更新する。
func (r *PostgresGoogleUserRepo) UpdateCalendarID(ctx context.Context, userID int64, calendarID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE google_users SET calendar_id = $2 WHERE user_id = $1`,
		userID, calendarID,
	)
	if err != nil {
		return fmt.Errorf("failed to update calendar ID: %w", err)
	}
	return nil
}

// UpdateLastSynced は最終同期時刻を更新する。
func (r *PostgresGoogleUserRepo) UpdateLastSynced(ctx context.Context, userID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE google_users SET last_synced = $2 WHERE user_id = $1`,
		userID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last synced: %w", err)
	}
	return nil
}

// ListSyncDue は最終同期時刻がbefore以前のユーザーID一覧を返す。
func (r *PostgresGoogleUserRepo) ListSyncDue(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM google_users WHERE last_synced <= $1 ORDER BY last_synced ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync due users: %w", err)
	}
	defer rows.Close()

	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user ID: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync due users: %w", err)
	}

	return userIDs, nil
}

// compile-time interface check
var _ GoogleUserRepository = (*PostgresGoogleUserRepo)(nil)
