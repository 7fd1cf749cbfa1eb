package model

import "time"

// VaultItem は暗号化済み認証情報の1行を表す。
// DataはSecretBundleをJSONエンコードしChaCha20-Poly1305で封緘した暗号文。
type VaultItem struct {
	UserID    int64
	Provider  Provider
	Nonce     []byte
	Data      []byte
	UpdatedAt time.Time
}
