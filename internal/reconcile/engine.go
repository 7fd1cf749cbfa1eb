// Package reconcile は取得済み予約と保存済み予約の差分計画を組み立てる。
//
// 計画は純粋な値計算であり、DBにもカレンダーにも触れない。
// 同一入力に対して常に同一の計画を返す。
package reconcile

import (
	"sort"

	"github.com/hitoshi/calhub/internal/model"
)

// Plan は1プロバイダー分の同期計画。
// 適用順はCreate → Update → Invalidateで固定する。
type Plan struct {
	// Creates は保存されていない予約の新規作成。
	// invalid化済みの予約が再出現した場合もここに入る。
	Creates []model.Reservation
	// Updates はフィールドが変化した予約の更新。取得側の値を持つ。
	Updates []model.Reservation
	// Invalidates は取得結果から消えた保存済み予約のID。
	Invalidates []string
}

// Empty は計画に適用すべき操作が無いかを返す。
func (p *Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Invalidates) == 0
}

// BuildPlan は有効な保存済み予約liveと取得結果fetchedの差分計画を返す。
//
// liveにはinvalid=falseの行だけを渡すこと。invalid化済みの行は
// 保存側に存在しない扱いになり、再出現時はCreateとして計画される。
// fetchedに同一IDが複数ある場合は先勝ちで1件に畳む。
func BuildPlan(live []model.Reservation, fetched []model.Reservation) Plan {
	liveByID := make(map[string]*model.Reservation, len(live))
	for i := range live {
		liveByID[live[i].ID] = &live[i]
	}

	var plan Plan
	seen := make(map[string]bool, len(fetched))
	for i := range fetched {
		f := fetched[i]
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true

		current, ok := liveByID[f.ID]
		if !ok {
			plan.Creates = append(plan.Creates, f)
			continue
		}
		if !current.FieldsEqual(&f) {
			plan.Updates = append(plan.Updates, f)
		}
	}

	for id := range liveByID {
		if !seen[id] {
			plan.Invalidates = append(plan.Invalidates, id)
		}
	}
	// liveはマップ経由なので順序を固定する
	sort.Strings(plan.Invalidates)

	return plan
}
