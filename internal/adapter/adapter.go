// Package adapter は予約プロバイダーごとのスクレイピング実装を提供する。
//
// 各アダプタはユーザーが登録したセッション認証情報を使い、プロバイダーの
// 予約一覧を取得して正規化済みのReservationに変換する。日時はすべて
// KST(UTC+9)からUTCへ変換してから返す。
package adapter

import (
	"context"

	"github.com/hitoshi/calhub/internal/model"
)

// Adapter は1プロバイダーの予約取得機能のインターフェース。
type Adapter interface {
	// Provider は対応するプロバイダーを返す。
	Provider() model.Provider

	// SecretFields は認証情報バンドルに必要なフィールド名を宣言する。
	SecretFields() []string

	// Fetch は認証情報を使って現在の予約一覧を取得する。
	// キャンセル済みの予約は結果に含めない。
	// 失敗はKind付きの*Errorで返す。
	Fetch(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error)

	// Ping はセッション維持のための軽量なリクエストを送る。
	Ping(ctx context.Context, bundle model.SecretBundle) error
}

// Registry はプロバイダーからアダプタを引くための集合。
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry はアダプタ一覧からRegistryを生成する。
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[model.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	return &Registry{adapters: m}
}

// Get は指定プロバイダーのアダプタを返す。未登録の場合はnilを返す。
func (r *Registry) Get(p model.Provider) Adapter {
	return r.adapters[p]
}

// All は登録済みアダプタの一覧を返す。
func (r *Registry) All() []Adapter {
	list := make([]Adapter, 0, len(r.adapters))
	for _, p := range model.AllProviders() {
		if a, ok := r.adapters[p]; ok {
			list = append(list, a)
		}
	}
	return list
}

// ValidateBundle はバンドルが宣言済みフィールドをすべて持つかを検証する。
func ValidateBundle(a Adapter, bundle model.SecretBundle) error {
	for _, field := range a.SecretFields() {
		if bundle[field] == "" {
			return &Error{
				Kind:     KindMalformedCredential,
				Provider: a.Provider(),
				Message:  "missing field: " + field,
			}
		}
	}
	return nil
}
