// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやサービス層から利用する。
type MetricsCollector interface {
	RecordOTPIssued()
	RecordOTPVerified()
	RecordOTPFailed(reason string)
	RecordCodeExchange(success bool)
	RecordCardOperation(operation string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	otpIssued     prometheus.Counter
	otpVerified   prometheus.Counter
	otpFailed     *prometheus.CounterVec
	codeExchange  *prometheus.CounterVec
	cardOperation *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		otpIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omoide_otp_issued_total",
			Help: "発行されたログインコードの合計数",
		}),
		otpVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omoide_otp_verified_total",
			Help: "検証に成功したログインコードの合計数",
		}),
		otpFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omoide_otp_failed_total",
			Help: "検証に失敗したログインコードの理由別合計数",
		}, []string{"reason"}),
		codeExchange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omoide_code_exchange_total",
			Help: "認可コード交換の結果別合計数",
		}, []string{"result"}),
		cardOperation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omoide_card_operation_total",
			Help: "メモリーカード操作の種別別合計数",
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omoide_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.otpIssued,
		c.otpVerified,
		c.otpFailed,
		c.codeExchange,
		c.cardOperation,
		c.httpStatus,
	)

	return c
}

// RecordOTPIssued はログインコードの発行を記録する。
func (c *Collector) RecordOTPIssued() {
	c.otpIssued.Inc()
}

// RecordOTPVerified はログインコードの検証成功を記録する。
func (c *Collector) RecordOTPVerified() {
	c.otpVerified.Inc()
}

// RecordOTPFailed はログインコードの検証失敗を理由付きで記録する。
func (c *Collector) RecordOTPFailed(reason string) {
	c.otpFailed.WithLabelValues(reason).Inc()
}

// RecordCodeExchange は認可コード交換の結果を記録する。
func (c *Collector) RecordCodeExchange(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.codeExchange.WithLabelValues(result).Inc()
}

// RecordCardOperation はメモリーカード操作を種別付きで記録する。
func (c *Collector) RecordCardOperation(operation string) {
	c.cardOperation.WithLabelValues(operation).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
