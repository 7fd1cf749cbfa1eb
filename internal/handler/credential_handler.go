// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/calhub/internal/adapter"
	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
	"github.com/hitoshi/calhub/internal/vault"
)

// CredentialHandler はプロバイダー認証情報管理のHTTPハンドラー。
// 受け取った認証情報は即座に封緘して保存する。取得APIは認証情報エディタの
// 編集画面向けに現在の値を復号して返すため、セッションCookie認証の内側でのみ公開する。
type CredentialHandler struct {
	vault    *vault.Vault
	items    repository.VaultItemRepository
	registry *adapter.Registry
}

// NewCredentialHandler はCredentialHandlerを生成する。
func NewCredentialHandler(v *vault.Vault, items repository.VaultItemRepository, registry *adapter.Registry) *CredentialHandler {
	return &CredentialHandler{
		vault:    v,
		items:    items,
		registry: registry,
	}
}

// providerResponse はプロバイダー1件のAPIレスポンス。
type providerResponse struct {
	Provider   string   `json:"provider"`
	Registered bool     `json:"registered"`
	Fields     []string `json:"fields"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// ListProviders は対応プロバイダーの一覧と登録状況を返す。
// GET /api/providers
func (h *CredentialHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	registered, err := h.items.ListProviders(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	registeredSet := make(map[model.Provider]bool, len(registered))
	for _, p := range registered {
		registeredSet[p] = true
	}

	resp := make([]providerResponse, 0, len(h.registry.All()))
	for _, a := range h.registry.All() {
		resp = append(resp, providerResponse{
			Provider:   string(a.Provider()),
			Registered: registeredSet[a.Provider()],
			Fields:     a.SecretFields(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetCredential は登録済みの認証情報を復号し、フィールド名→値のフラットなJSONで返す。
// 未登録の場合は404を返し、UIはプロバイダーへのログイン画面へ誘導する。
// GET /api/providers/{provider}/user
func (h *CredentialHandler) GetCredential(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	provider, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUnknownProviderError(chi.URLParam(r, "provider")))
		return
	}

	item, err := h.items.Find(r.Context(), userID, provider)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if item == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewCredentialNotFoundError(provider))
		return
	}

	bundle, err := h.vault.Open(userID, provider, item.Nonce, item.Data)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string(bundle))
}

// PutCredential は認証情報を封緘して登録する。既存の登録は上書きする。
// ボディはフィールド名→値のフラットなJSONオブジェクト。
// POST /api/providers/{provider}/user
func (h *CredentialHandler) PutCredential(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	provider, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUnknownProviderError(chi.URLParam(r, "provider")))
		return
	}

	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	a := h.registry.Get(provider)
	if a == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUnknownProviderError(string(provider)))
		return
	}

	bundle := model.SecretBundle(fields)
	if err := adapter.ValidateBundle(a, bundle); err != nil {
		var adapterErr *adapter.Error
		detail := err.Error()
		if errors.As(err, &adapterErr) {
			detail = adapterErr.Message
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidCredentialError(detail))
		return
	}

	nonce, ciphertext, err := h.vault.Seal(userID, provider, bundle)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	item := &model.VaultItem{
		UserID:   userID,
		Provider: provider,
		Nonce:    nonce,
		Data:     ciphertext,
	}
	if err := h.items.Upsert(r.Context(), item); err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("認証情報を登録",
		slog.Int64("user_id", userID),
		slog.String("provider", string(provider)),
	)

	w.WriteHeader(http.StatusNoContent)
}

// DeleteCredential は登録済みの認証情報を削除する。
// DELETE /api/providers/{provider}/user
func (h *CredentialHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	provider, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUnknownProviderError(chi.URLParam(r, "provider")))
		return
	}

	if err := h.items.Delete(r.Context(), userID, provider); err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("認証情報を削除",
		slog.Int64("user_id", userID),
		slog.String("provider", string(provider)),
	)

	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

// writeUnauthorized は未認証エラーの統一レスポンスを書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	})
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnknownProvider, model.ErrCodeInvalidCredential:
		return http.StatusBadRequest
	case model.ErrCodeCredentialNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeSyncInProgress:
		return http.StatusConflict
	case model.ErrCodeGoogleLinkMissing:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
