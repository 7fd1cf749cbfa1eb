// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizerService は予約サイトからスクレイプした文字列を
// プレーンテキストに正規化し、タグ混入によるXSSを防止する。
// bluemondayのStrictPolicy（全タグ除去）を使用する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はスクレイプ文字列の正規化インターフェースを定義する。
// 予約タイトル・詳細・場所などの保存前に使用される。
type TextSanitizerService interface {
	// Sanitize は入力からすべてのHTMLタグを除去し、
	// 実体参照を復元し、連続する空白を1個のスペースに畳み込む。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyはいかなるタグも許可しないため、scriptやiframeの混入も
// タグごと除去される。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は入力をプレーンテキストに正規化して返す。
func (s *textSanitizer) Sanitize(raw string) string {
	stripped := s.policy.Sanitize(raw)
	// StrictPolicyは出力を実体参照エスケープするため元に戻す
	unescaped := html.UnescapeString(stripped)
	return strings.Join(strings.Fields(unescaped), " ")
}
