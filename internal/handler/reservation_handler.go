package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
)

// ReservationHandler は予約一覧参照のHTTPハンドラー。
type ReservationHandler struct {
	reservations repository.ReservationRepository
}

// NewReservationHandler はReservationHandlerを生成する。
func NewReservationHandler(reservations repository.ReservationRepository) *ReservationHandler {
	return &ReservationHandler{reservations: reservations}
}

// reservationResponse は予約1件のAPIレスポンス。
// 日時はUTCのまま返し、表示側でタイムゾーン変換する。
type reservationResponse struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Detail    string  `json:"detail,omitempty"`
	DateBegin string  `json:"date_begin"`
	TimeBegin *string `json:"time_begin,omitempty"`
	DateEnd   *string `json:"date_end,omitempty"`
	TimeEnd   *string `json:"time_end,omitempty"`
	Location  *string `json:"location,omitempty"`
	URL       *string `json:"url,omitempty"`
	Invalid   bool    `json:"invalid"`
}

// ListReservations は予約一覧をdate_begin昇順で返す。
// GET /api/reservations?include_invalid=true
func (h *ReservationHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	includeInvalid := r.URL.Query().Get("include_invalid") == "true"

	list, err := h.reservations.ListByUser(r.Context(), userID, includeInvalid)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]reservationResponse, 0, len(list))
	for _, rv := range list {
		resp = append(resp, toReservationResponse(rv))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// toReservationResponse はmodel.ReservationからAPIレスポンスに変換する。
func toReservationResponse(r *model.Reservation) reservationResponse {
	return reservationResponse{
		ID:        r.ID,
		Title:     r.Title,
		Detail:    r.Detail,
		DateBegin: r.DateBegin.Format(model.DateOnly),
		TimeBegin: formatTime(r.TimeBegin),
		DateEnd:   formatDate(r.DateEnd),
		TimeEnd:   formatTime(r.TimeEnd),
		Location:  r.Location,
		URL:       r.URL,
		Invalid:   r.Invalid,
	}
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(model.DateOnly)
	return &s
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(model.TimeOnly)
	return &s
}
