// Package executor は同期計画をカレンダーとDBへ適用する。
//
// 適用順はカレンダー側を先行させる: Createはイベント作成に成功してから
// 予約行と対応行を書き、Update/Invalidateはイベント操作に成功してから
// DBを更新する。カレンダー操作に失敗した場合DBは変更されないため、
// 次のサイクルで同じ計画が再度組まれる。
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/calhub/internal/calendar"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/reconcile"
	"github.com/hitoshi/calhub/internal/repository"
)

// ErrPartialWrite はイベント作成後のDB書き込みに失敗した。
// カレンダー上のイベントは残るが対応行が無いため、次のサイクルの
// Createで重複イベントになり得る。運用での調査が必要。
var ErrPartialWrite = errors.New("executor: event created but persistence failed")

// Executor は同期計画の適用器。
type Executor struct {
	reservations repository.ReservationRepository
	mappings     repository.EventMappingRepository
	calendar     *calendar.Client
	logger       *slog.Logger
}

// New はExecutorを生成する。
func New(
	reservations repository.ReservationRepository,
	mappings repository.EventMappingRepository,
	calendarClient *calendar.Client,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		reservations: reservations,
		mappings:     mappings,
		calendar:     calendarClient,
		logger:       logger,
	}
}

// Apply は計画をCreate → Update → Invalidateの順で適用する。
// 最初の失敗で中断し、以降の操作は次のサイクルに持ち越される。
func (e *Executor) Apply(ctx context.Context, session *calendar.Session, calendarID string, userID int64, plan reconcile.Plan) error {
	for i := range plan.Creates {
		if err := e.create(ctx, session, calendarID, &plan.Creates[i]); err != nil {
			return err
		}
	}
	for i := range plan.Updates {
		if err := e.update(ctx, session, calendarID, &plan.Updates[i]); err != nil {
			return err
		}
	}
	for _, id := range plan.Invalidates {
		if err := e.invalidate(ctx, session, calendarID, userID, id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) create(ctx context.Context, session *calendar.Session, calendarID string, r *model.Reservation) error {
	eventID, err := e.calendar.InsertEvent(ctx, session, calendarID, r)
	if err != nil {
		return fmt.Errorf("failed to insert event for %s: %w", r.ID, err)
	}

	if err := e.reservations.CreateWithMapping(ctx, r, eventID); err != nil {
		e.logger.Error("イベント作成後のDB書き込みに失敗",
			slog.Int64("user_id", r.UserID),
			slog.String("reservation_id", r.ID),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %s: %v", ErrPartialWrite, r.ID, err)
	}

	e.logger.Info("予約イベントを作成",
		slog.Int64("user_id", r.UserID),
		slog.String("reservation_id", r.ID),
		slog.String("event_id", eventID),
	)
	return nil
}

func (e *Executor) update(ctx context.Context, session *calendar.Session, calendarID string, r *model.Reservation) error {
	mapping, err := e.mappings.FindByReservation(ctx, r.UserID, r.ID)
	if err != nil {
		return fmt.Errorf("failed to find mapping for %s: %w", r.ID, err)
	}
	if mapping == nil {
		// 対応行が欠けている場合は作り直す
		return e.create(ctx, session, calendarID, r)
	}

	if err := e.calendar.PatchEvent(ctx, session, calendarID, mapping.EventID, r); err != nil {
		return fmt.Errorf("failed to patch event for %s: %w", r.ID, err)
	}
	if err := e.reservations.UpdateFields(ctx, r); err != nil {
		return fmt.Errorf("failed to update reservation %s: %w", r.ID, err)
	}

	e.logger.Info("予約イベントを更新",
		slog.Int64("user_id", r.UserID),
		slog.String("reservation_id", r.ID),
		slog.String("event_id", mapping.EventID),
	)
	return nil
}

func (e *Executor) invalidate(ctx context.Context, session *calendar.Session, calendarID string, userID int64, id string) error {
	mapping, err := e.mappings.FindByReservation(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("failed to find mapping for %s: %w", id, err)
	}
	if mapping != nil {
		// 既に消えているイベント(404/410)は成功として扱われる
		if err := e.calendar.DeleteEvent(ctx, session, calendarID, mapping.EventID); err != nil {
			return fmt.Errorf("failed to delete event for %s: %w", id, err)
		}
	}

	if err := e.reservations.InvalidateWithMapping(ctx, userID, id); err != nil {
		return fmt.Errorf("failed to invalidate reservation %s: %w", id, err)
	}

	e.logger.Info("予約をinvalid化",
		slog.Int64("user_id", userID),
		slog.String("reservation_id", id),
	)
	return nil
}
