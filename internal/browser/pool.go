// Package browser はヘッドレスブラウザの同時実行数を制限するプールを提供する。
// ブラウザ自動化はOSプロセスを1個消費するため、ユーザー数に比例して
// 無制限に起動してはならない。
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrAcquireTimeout はスロット取得の待機が期限切れになった。
var ErrAcquireTimeout = errors.New("browser: acquire timeout")

// Pool はブラウザスロットのカウンティングセマフォ。
type Pool struct {
	slots          chan struct{}
	acquireTimeout time.Duration
}

// NewPool は同時実行数sizeのPoolを生成する。
func NewPool(size int, acquireTimeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		slots:          make(chan struct{}, size),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire はスロットを1個取得し、解放関数を返す。
// 待機はacquireTimeoutまたはctxの期限で打ち切られる。
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return func() { <-p.slots }, nil
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse は使用中のスロット数を返す。メトリクス用。
func (p *Pool) InUse() int {
	return len(p.slots)
}

// Size はスロット総数を返す。
func (p *Pool) Size() int {
	return cap(p.slots)
}
