// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレータやワーカーから利用する。
type MetricsCollector interface {
	RecordSyncOutcome(provider string, outcome string)
	RecordFetchLatency(provider string, duration time.Duration)
	RecordPlanApplied(created, updated, invalidated int)
	RecordKeepalive(provider string, success bool)
	SetBrowserPoolInUse(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncOutcome      *prometheus.CounterVec
	fetchLatency     *prometheus.HistogramVec
	eventsApplied    *prometheus.CounterVec
	keepalive        *prometheus.CounterVec
	browserPoolInUse prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calhub_sync_outcome_total",
			Help: "プロバイダー同期の結果別の合計数",
		}, []string{"provider", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calhub_fetch_latency_seconds",
			Help:    "プロバイダーからの予約取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calhub_events_applied_total",
			Help: "カレンダーへ適用された操作の種類別の合計数",
		}, []string{"op"}),
		keepalive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calhub_keepalive_total",
			Help: "セッション維持リクエストの結果別の合計数",
		}, []string{"provider", "result"}),
		browserPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calhub_browser_pool_in_use",
			Help: "使用中のヘッドレスブラウザスロット数",
		}),
	}

	reg.MustRegister(
		c.syncOutcome,
		c.fetchLatency,
		c.eventsApplied,
		c.keepalive,
		c.browserPoolInUse,
	)

	return c
}

// RecordSyncOutcome はプロバイダー同期の結果を記録する。
func (c *Collector) RecordSyncOutcome(provider string, outcome string) {
	c.syncOutcome.WithLabelValues(provider, outcome).Inc()
}

// RecordFetchLatency は予約取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(provider string, duration time.Duration) {
	c.fetchLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordPlanApplied は適用された同期計画の操作数を記録する。
func (c *Collector) RecordPlanApplied(created, updated, invalidated int) {
	c.eventsApplied.WithLabelValues("create").Add(float64(created))
	c.eventsApplied.WithLabelValues("update").Add(float64(updated))
	c.eventsApplied.WithLabelValues("invalidate").Add(float64(invalidated))
}

// RecordKeepalive はセッション維持リクエストの結果を記録する。
func (c *Collector) RecordKeepalive(provider string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.keepalive.WithLabelValues(provider, result).Inc()
}

// SetBrowserPoolInUse は使用中のブラウザスロット数を記録する。
func (c *Collector) SetBrowserPoolInUse(n int) {
	c.browserPoolInUse.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
