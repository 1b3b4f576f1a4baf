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
// ミドルウェアやIdentityクライアントから利用する。
type MetricsCollector interface {
	RecordProviderRequest(operation string, statusCode int, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordValidationFailure(field string)
	RecordCodeExchangeFailure()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	providerRequests    *prometheus.CounterVec
	providerLatency     prometheus.Histogram
	httpStatus          *prometheus.CounterVec
	validationFailures  *prometheus.CounterVec
	codeExchangeFailure prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symposium_provider_requests_total",
			Help: "IDプロバイダーへのリクエスト数（操作・ステータス別）",
		}, []string{"operation", "status_code"}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symposium_provider_latency_seconds",
			Help:    "IDプロバイダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symposium_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symposium_validation_failures_total",
			Help: "初期設定フォームの検証失敗数（項目別）",
		}, []string{"field"}),
		codeExchangeFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symposium_code_exchange_failures_total",
			Help: "認可コード交換の失敗数",
		}),
	}

	reg.MustRegister(
		c.providerRequests,
		c.providerLatency,
		c.httpStatus,
		c.validationFailures,
		c.codeExchangeFailure,
	)

	return c
}

// RecordProviderRequest はプロバイダー呼び出しの結果とレイテンシを記録する。
// statusCodeが0の場合は接続エラーを表す。
func (c *Collector) RecordProviderRequest(operation string, statusCode int, duration time.Duration) {
	c.providerRequests.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	c.providerLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordValidationFailure は検証失敗を項目別に記録する。
func (c *Collector) RecordValidationFailure(field string) {
	c.validationFailures.WithLabelValues(field).Inc()
}

// RecordCodeExchangeFailure は認可コード交換の失敗を記録する。
func (c *Collector) RecordCodeExchangeFailure() {
	c.codeExchangeFailure.Inc()
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
