// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 補償処理の結果ラベル
const (
	CompensationSucceeded = "succeeded"
	CompensationFailed    = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
// セッションサガ、バックエンドクライアント、ローカルAPIから利用する。
type Collector struct {
	operations    *prometheus.CounterVec
	compensations *prometheus.CounterVec
	orphaned      prometheus.Counter
	cacheRecords  prometheus.Gauge
	callLatency   *prometheus.HistogramVec
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcarbon_saga_operations_total",
			Help: "セッションサガ操作の結果別の合計数",
		}, []string{"operation", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcarbon_compensations_total",
			Help: "IdPアカウント削除による補償処理の合計数",
		}, []string{"operation", "result"}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcarbon_orphaned_accounts_total",
			Help: "補償に失敗して残ったIdPアカウントの合計数",
		}),
		cacheRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcarbon_cache_records",
			Help: "ローカルセッションキャッシュのレコード数（0または1）",
		}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripcarbon_external_call_latency_seconds",
			Help:    "外部システム呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"system"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcarbon_http_responses_total",
			Help: "ローカルAPIのステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.operations,
		c.compensations,
		c.orphaned,
		c.cacheRecords,
		c.callLatency,
		c.httpStatus,
	)

	return c
}

// RecordOperation はサガ操作の結果を記録する。
func (c *Collector) RecordOperation(operation, outcome string) {
	c.operations.WithLabelValues(operation, outcome).Inc()
}

// RecordCompensation は補償処理の結果を記録する。
func (c *Collector) RecordCompensation(operation string, succeeded bool) {
	result := CompensationFailed
	if succeeded {
		result = CompensationSucceeded
	}
	c.compensations.WithLabelValues(operation, result).Inc()
}

// RecordOrphanedAccount は削除できなかったIdPアカウントを記録する。
func (c *Collector) RecordOrphanedAccount() {
	c.orphaned.Inc()
}

// SetCacheRecords はキャッシュのレコード数を設定する。
func (c *Collector) SetCacheRecords(n int) {
	c.cacheRecords.Set(float64(n))
}

// ObserveExternalCall は外部呼び出しのレイテンシを記録する。
func (c *Collector) ObserveExternalCall(system string, d time.Duration) {
	c.callLatency.WithLabelValues(system).Observe(d.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
