package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

// PostgresReservationRepo はPostgreSQLを使用した予約リポジトリ。
type PostgresReservationRepo struct {
	db *sql.DB
}

// NewPostgresReservationRepo はPostgresReservationRepoを生成する。
func NewPostgresReservationRepo(db *sql.DB) *PostgresReservationRepo {
	return &PostgresReservationRepo{db: db}
}

const reservationColumns = `id, user_id, title, detail, date_begin, time_begin, date_end, time_end, location, url, invalid, updated_at`

// timeColumn はTIME型カラムへの書き込み値を返す。nilはNULLになる。
// DRIVERごとの時刻エンコード差を避けるため文字列で受け渡す。
func timeColumn(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(model.TimeOnly)
}

func dateColumn(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(model.DateOnly)
}

func scanReservation(scan func(dest ...any) error) (*model.Reservation, error) {
	res := &model.Reservation{}
	var detail sql.NullString
	var timeBegin, dateEnd, timeEnd sql.NullTime
	var location, url sql.NullString

	err := scan(
		&res.ID, &res.UserID, &res.Title, &detail,
		&res.DateBegin, &timeBegin, &dateEnd, &timeEnd,
		&location, &url, &res.Invalid, &res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	res.Detail = detail.String
	res.TimeBegin = nullTimePtr(timeBegin)
	res.DateEnd = nullTimePtr(dateEnd)
	res.TimeEnd = nullTimePtr(timeEnd)
	if location.Valid {
		res.Location = &location.String
	}
	if url.Valid {
		res.URL = &url.String
	}

	return res, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// FindByID は指定ユーザー・予約IDの行を取得する。見つからない場合はnilを返す。
func (r *PostgresReservationRepo) FindByID(ctx context.Context, userID int64, id string) (*model.Reservation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	res, err := scanReservation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return res, nil
}

// ListLiveByPrefix は指定ユーザーのIDプレフィックスに一致する有効行を返す。
// invalid行は含まない。
func (r *PostgresReservationRepo) ListLiveByPrefix(ctx context.Context, userID int64, prefix string) ([]*model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE user_id = $1 AND id LIKE $2 || '%' AND invalid = FALSE
		 ORDER BY id`,
		userID, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list live reservations: %w", err)
	}
	defer rows.Close()

	return collectReservations(rows)
}

// ListByUser は指定ユーザーの予約一覧をdate_begin昇順で返す。
func (r *PostgresReservationRepo) ListByUser(ctx context.Context, userID int64, includeInvalid bool) ([]*model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE user_id = $1 AND (invalid = FALSE OR $2)
		 ORDER BY date_begin, time_begin NULLS FIRST, id`,
		userID, includeInvalid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	return collectReservations(rows)
}

func collectReservations(rows *sql.Rows) ([]*model.Reservation, error) {
	var list []*model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		list = append(list, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reservations: %w", err)
	}
	return list, nil
}

// CreateWithMapping は予約行とイベント対応行を同一トランザクションで書き込む。
// 過去にinvalid化された同一IDの行が残っている場合は上書きして復活させる。
func (r *PostgresReservationRepo) CreateWithMapping(ctx context.Context, res *model.Reservation, eventID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, now())
		 ON CONFLICT (id, user_id)
		 DO UPDATE SET title = EXCLUDED.title, detail = EXCLUDED.detail,
		     date_begin = EXCLUDED.date_begin, time_begin = EXCLUDED.time_begin,
		     date_end = EXCLUDED.date_end, time_end = EXCLUDED.time_end,
		     location = EXCLUDED.location, url = EXCLUDED.url,
		     invalid = FALSE, updated_at = now()`,
		res.ID, res.UserID, res.Title, res.Detail,
		dateColumn(&res.DateBegin), timeColumn(res.TimeBegin),
		dateColumn(res.DateEnd), timeColumn(res.TimeEnd),
		res.Location, res.URL,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	// (user_id, reservation_id)につき高々1行を保つ
	_, err = tx.ExecContext(ctx,
		`INSERT INTO google_events (event_id, user_id, reservation_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, reservation_id)
		 DO UPDATE SET event_id = EXCLUDED.event_id`,
		eventID, res.UserID, res.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateFields は正規化フィールドを上書き更新する。
func (r *PostgresReservationRepo) UpdateFields(ctx context.Context, res *model.Reservation) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reservations
		 SET title = $3, detail = $4, date_begin = $5, time_begin = $6,
		     date_end = $7, time_end = $8, location = $9, url = $10,
		     updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		res.ID, res.UserID, res.Title, res.Detail,
		dateColumn(&res.DateBegin), timeColumn(res.TimeBegin),
		dateColumn(res.DateEnd), timeColumn(res.TimeEnd),
		res.Location, res.URL,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("reservation not found: %s", res.ID)
	}
	return nil
}

// InvalidateWithMapping は行をinvalid化し、イベント対応行を同一トランザクションで削除する。
func (r *PostgresReservationRepo) InvalidateWithMapping(ctx context.Context, userID int64, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE reservations SET invalid = TRUE, updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate reservation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM google_events WHERE user_id = $1 AND reservation_id = $2`,
		userID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete event mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// compile-time interface check
var _ ReservationRepository = (*PostgresReservationRepo)(nil)
