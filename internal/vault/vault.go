// Package vault は認証情報のアプリケーション層暗号化を提供する。
// DBが漏えいしても平文の認証情報が読めないことを保証する。
package vault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/hitoshi/calhub/internal/model"
)

var (
	// ErrKeyUnavailable はマスターキーが未設定または鍵導出に失敗した。
	ErrKeyUnavailable = errors.New("vault: master key unavailable")
	// ErrCorrupt は復号時の認証タグ検証に失敗した。改ざんまたは鍵不一致。
	ErrCorrupt = errors.New("vault: ciphertext corrupt or tampered")
)

// Vault はChaCha20-Poly1305による認証情報の封緘・開封を行う。
// 鍵は起動時に1回だけ導出し、以後イミュータブルに扱う。
type Vault struct {
	aeadKey []byte
}

// New はマスターキーとソルトから暗号化鍵を導出しVaultを生成する。
func New(masterKey, salt string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrKeyUnavailable
	}

	// scryptパラメータは対話的利用の推奨値(N=32768, r=8, p=1)。
	key, err := scrypt.Key([]byte(masterKey), []byte(salt), 32768, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	return &Vault{aeadKey: key}, nil
}

// Seal は認証情報バンドルをJSONエンコードして暗号化する。
// ノンスは毎回乱数生成し、暗号文と併せて保存する前提で返す。
func (v *Vault) Seal(userID int64, provider model.Provider, bundle model.SecretBundle) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(v.aeadKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create aead: %w", err)
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode bundle: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, additionalData(userID, provider))
	return nonce, ciphertext, nil
}

// Open は暗号文を復号し認証情報バンドルを返す。
// 認証タグ検証に失敗した場合はErrCorruptを返す。
func (v *Vault) Open(userID int64, provider model.Provider, nonce, ciphertext []byte) (model.SecretBundle, error) {
	aead, err := chacha20poly1305.New(v.aeadKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, ErrCorrupt
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(userID, provider))
	if err != nil {
		return nil, ErrCorrupt
	}

	var bundle model.SecretBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, ErrCorrupt
	}

	return bundle, nil
}

// additionalData はユーザーIDとプロバイダーを結合したAADを返す。
// 他ユーザー・他プロバイダーの行へ暗号文を移し替える攻撃を防ぐ。
func additionalData(userID int64, provider model.Provider) []byte {
	return []byte(fmt.Sprintf("%d:%s", userID, provider))
}
