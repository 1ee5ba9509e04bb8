// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// アウトボックス、設定同期、日記サービスから利用する。
type MetricsCollector interface {
	RecordOutboxDelivered(kind string)
	RecordOutboxFailed(kind string)
	RecordOutboxDead(kind string)
	SetOutboxPending(count int64)
	RecordPreferenceHit(backend string)
	RecordPreferenceFailure(backend string)
	RecordReconcile(success bool, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	outboxDelivered *prometheus.CounterVec
	outboxFailed    *prometheus.CounterVec
	outboxDead      *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	prefHits        *prometheus.CounterVec
	prefFailures    *prometheus.CounterVec
	reconciles      *prometheus.CounterVec
	reconcileTime   prometheus.Histogram
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daybook_outbox_delivered_total",
			Help: "リモートへ配送されたアウトボックス項目の合計数",
		}, []string{"kind"}),
		outboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daybook_outbox_failed_total",
			Help: "配送に失敗し再送待ちになったアウトボックス項目の合計数",
		}, []string{"kind"}),
		outboxDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daybook_outbox_dead_total",
			Help: "再送上限に達して破棄されたアウトボックス項目の合計数",
		}, []string{"kind"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daybook_outbox_pending",
			Help: "未配送のアウトボックス項目数",
		}),
		prefHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daybook_preference_hits_total",
			Help: "設定の読み書きに成功したバックエンド別の回数",
		}, []string{"backend"}),
		prefFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daybook_preference_failures_total",
			Help: "設定の読み書きに失敗したバックエンド別の回数",
		}, []string{"backend"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daybook_reconcile_total",
			Help: "リモートとのキャッシュ照合の実行回数",
		}, []string{"result"}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "daybook_reconcile_duration_seconds",
			Help:    "リモートとのキャッシュ照合にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daybook_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.outboxDelivered,
		c.outboxFailed,
		c.outboxDead,
		c.outboxPending,
		c.prefHits,
		c.prefFailures,
		c.reconciles,
		c.reconcileTime,
		c.httpStatus,
	)

	return c
}

// RecordOutboxDelivered は配送成功を記録する。
func (c *Collector) RecordOutboxDelivered(kind string) {
	c.outboxDelivered.WithLabelValues(kind).Inc()
}

// RecordOutboxFailed は再送待ちとなった配送失敗を記録する。
func (c *Collector) RecordOutboxFailed(kind string) {
	c.outboxFailed.WithLabelValues(kind).Inc()
}

// RecordOutboxDead は配送不能となった項目を記録する。
func (c *Collector) RecordOutboxDead(kind string) {
	c.outboxDead.WithLabelValues(kind).Inc()
}

// SetOutboxPending は未配送の項目数を設定する。
func (c *Collector) SetOutboxPending(count int64) {
	c.outboxPending.Set(float64(count))
}

// RecordPreferenceHit は設定バックエンドの成功を記録する。
func (c *Collector) RecordPreferenceHit(backend string) {
	c.prefHits.WithLabelValues(backend).Inc()
}

// RecordPreferenceFailure は設定バックエンドの失敗を記録する。
func (c *Collector) RecordPreferenceFailure(backend string) {
	c.prefFailures.WithLabelValues(backend).Inc()
}

// RecordReconcile はキャッシュ照合の結果と所要時間を記録する。
func (c *Collector) RecordReconcile(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.reconciles.WithLabelValues(result).Inc()
	c.reconcileTime.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordOutboxDelivered(string) {}
func (Nop) RecordOutboxFailed(string) {}
func (Nop) RecordOutboxDead(string) {}
func (Nop) SetOutboxPending(int64) {}
func (Nop) RecordPreferenceHit(string) {}
func (Nop) RecordPreferenceFailure(string) {}
func (Nop) RecordReconcile(bool, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
