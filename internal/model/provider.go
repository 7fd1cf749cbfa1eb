package model

import "fmt"

// Provider は予約情報の取得元サイトを表す。閉じた集合として扱う。
type Provider string

const (
	// ProviderKobus は高速バス予約サイト。
	ProviderKobus Provider = "kobus"
	// ProviderBustago は市外バス予約サイト。
	ProviderBustago Provider = "bustago"
	// ProviderCatchTable はレストラン予約サイト。
	ProviderCatchTable Provider = "catch_table"
	// ProviderCGV は映画館チェーンCGV。
	ProviderCGV Provider = "cgv"
	// ProviderMegabox は映画館チェーンMEGABOX。
	ProviderMegabox Provider = "megabox"
	// ProviderNaver はNAVER予約。
	ProviderNaver Provider = "naver"
)

// AllProviders は対応プロバイダーの一覧を返す。表示・検証用。
func AllProviders() []Provider {
	return []Provider{
		ProviderKobus,
		ProviderBustago,
		ProviderCatchTable,
		ProviderCGV,
		ProviderMegabox,
		ProviderNaver,
	}
}

// ParseProvider は文字列をProviderに変換する。未知の値はエラーを返す。
func ParseProvider(s string) (Provider, error) {
	for _, p := range AllProviders() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider: %s", s)
}

// IDPrefix は予約IDの名前空間プレフィックスを返す。
// 予約テーブルの主キーは(id, user_id)のみであり、プロバイダー間の
// ID衝突はこのプレフィックスで回避する。
func (p Provider) IDPrefix() string {
	return string(p) + "/"
}

// SecretBundle はプロバイダー固有の認証情報フィールドの集合。
// フィールド名はプロバイダーごとにアダプタが宣言する。
type SecretBundle map[string]string
