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
// サービス層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordBillWritten(op string)
	RecordValidationRejected(code string)
	RecordCeilingRejected()
	RecordConcurrencyConflict(entity string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	SetBillsDueToday(count int, total float64)
}

// 請求書の書き込み操作ラベル
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	billWrites        *prometheus.CounterVec
	validationRejects *prometheus.CounterVec
	ceilingRejects    prometheus.Counter
	conflicts         *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	requestLatency    prometheus.Histogram
	dueTodayCount     prometheus.Gauge
	dueTodayAmount    prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		billWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billman_bill_writes_total",
			Help: "成功した請求書の書き込み数（操作別）",
		}, []string{"op"}),
		validationRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billman_validation_rejects_total",
			Help: "入力検証で拒否されたリクエスト数（エラーコード別）",
		}, []string{"code"}),
		ceilingRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billman_amount_ceiling_rejects_total",
			Help: "上限額を超えて拒否された請求書の合計数",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billman_concurrency_conflicts_total",
			Help: "バージョン不一致で拒否された書き込み数",
		}, []string{"entity"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billman_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		dueTodayCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billman_bills_due_today",
			Help: "本日が期日の未払い請求書数",
		}),
		dueTodayAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billman_bills_due_today_amount_usd",
			Help: "本日が期日の未払い請求書の合計金額（USD）",
		}),
	}

	reg.MustRegister(
		c.billWrites,
		c.validationRejects,
		c.ceilingRejects,
		c.conflicts,
		c.httpStatus,
		c.requestLatency,
		c.dueTodayCount,
		c.dueTodayAmount,
	)

	return c
}

// RecordBillWritten は請求書の書き込み成功を記録する。
func (c *Collector) RecordBillWritten(op string) {
	c.billWrites.WithLabelValues(op).Inc()
}

// RecordValidationRejected は入力検証による拒否を記録する。
func (c *Collector) RecordValidationRejected(code string) {
	c.validationRejects.WithLabelValues(code).Inc()
}

// RecordCeilingRejected は上限額超過による拒否を記録する。
func (c *Collector) RecordCeilingRejected() {
	c.ceilingRejects.Inc()
}

// RecordConcurrencyConflict はバージョン競合を記録する。
func (c *Collector) RecordConcurrencyConflict(entity string) {
	c.conflicts.WithLabelValues(entity).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエスト処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// SetBillsDueToday は本日期日の未払い請求書の件数と合計金額を設定する。
func (c *Collector) SetBillsDueToday(count int, total float64) {
	c.dueTodayCount.Set(float64(count))
	c.dueTodayAmount.Set(total)
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやCLIの単発コマンドで使う。
type Nop struct{}

func (Nop) RecordBillWritten(string)           {}
func (Nop) RecordValidationRejected(string)    {}
func (Nop) RecordCeilingRejected()             {}
func (Nop) RecordConcurrencyConflict(string)   {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) SetBillsDueToday(int, float64)      {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
