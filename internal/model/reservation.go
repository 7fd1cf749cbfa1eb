package model

import "time"

// DateOnly は日付部分の比較・保存に使うレイアウト。
const DateOnly = "2006-01-02"

// TimeOnly は時刻部分の比較・保存に使うレイアウト。
const TimeOnly = "15:04:05"

// Reservation は正規化済みの予約1件を表す。
// IDはプロバイダー側の予約番号に "<provider>/" プレフィックスを付けた値。
// 日付・時刻はすべてUTCに変換済みで、時刻・終了日はプロバイダーが
// 提供しない場合がある（nil）。
type Reservation struct {
	ID        string
	UserID    int64
	Title     string
	Detail    string
	DateBegin time.Time
	TimeBegin *time.Time
	DateEnd   *time.Time
	TimeEnd   *time.Time
	Location  *string
	URL       *string
	Invalid   bool
	UpdatedAt time.Time
}

// FieldsEqual は正規化フィールド同士の値比較を行う。
// アダプタが生成した精度のまま比較する: 片側だけ時刻を持つ場合は不一致、
// 両側とも持たない場合は一致として扱う。UpdatedAtは比較しない。
func (r *Reservation) FieldsEqual(other *Reservation) bool {
	return r.Title == other.Title &&
		r.Detail == other.Detail &&
		sameDate(&r.DateBegin, &other.DateBegin) &&
		sameTime(r.TimeBegin, other.TimeBegin) &&
		sameDate(r.DateEnd, other.DateEnd) &&
		sameTime(r.TimeEnd, other.TimeEnd) &&
		sameString(r.Location, other.Location) &&
		sameString(r.URL, other.URL)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Format(DateOnly) == b.Format(DateOnly)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Format(TimeOnly) == b.Format(TimeOnly)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// EventMapping は予約とGoogleカレンダーイベントの対応を表す。
// (user_id, reservation_id)につき常に高々1行。
type EventMapping struct {
	EventID       string
	UserID        int64
	ReservationID string
}
