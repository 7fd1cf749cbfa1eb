package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/sync"
)

// SyncServiceInterface は同期ハンドラーが必要とするサービスインターフェース。
type SyncServiceInterface interface {
	// SyncUser は1ユーザー分の同期サイクルを実行する。
	SyncUser(ctx context.Context, userID int64) (*sync.Result, error)
}

// SyncHandler は手動同期のHTTPハンドラー。
type SyncHandler struct {
	service SyncServiceInterface
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncServiceInterface) *SyncHandler {
	return &SyncHandler{service: service}
}

// TriggerSync は同期サイクルを即時実行し、プロバイダーごとの結果を返す。
// POST /api/sync
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	result, err := h.service.SyncUser(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrAlreadyRunning):
			writeAPIErrorResponse(w, http.StatusConflict, model.NewSyncInProgressError())
		case errors.Is(err, sync.ErrGoogleLinkMissing):
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewGoogleLinkMissingError())
		default:
			handleServiceError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
