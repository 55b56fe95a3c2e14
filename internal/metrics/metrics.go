// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ポーリング結果のラベル値。
const (
	PollResultSuccess     = "success"
	PollResultNotModified = "not_modified"
	PollResultFailure     = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカー、配送、インポートから利用する。
type MetricsCollector interface {
	RecordPoll(sourceKind, result string)
	RecordPollLatency(sourceKind string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordFeedItemsObserved(count int)
	RecordInboxDelivered(sourceType string, count int)
	RecordJob(kind string, err error, duration time.Duration)
	SetQueueDepth(depth int)
	RecordImportItems(processed, failed int)
	RecordSourceDisabled(sourceKind string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	polls          *prometheus.CounterVec
	pollLatency    *prometheus.HistogramVec
	httpStatus     *prometheus.CounterVec
	feedItems      prometheus.Counter
	inboxDelivered *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	importItems    *prometheus.CounterVec
	disabled       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbox_polls_total",
			Help: "ソース種別・結果別のポーリング回数",
		}, []string{"source_kind", "result"}),
		pollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkbox_poll_latency_seconds",
			Help:    "ポーリング1回のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbox_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		feedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkbox_feed_items_observed_total",
			Help: "初めて観測されたフィードアイテムの合計数",
		}),
		inboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbox_inbox_items_delivered_total",
			Help: "インボックスに挿入されたアイテムの合計数",
		}, []string{"source_type"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbox_jobs_total",
			Help: "ジョブ種別・結果別のバックグラウンドジョブ実行数",
		}, []string{"kind", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkbox_job_duration_seconds",
			Help:    "バックグラウンドジョブの実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkbox_queue_depth",
			Help: "優先度キューに積まれている未実行ジョブ数",
		}),
		importItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbox_import_items_total",
			Help: "インポートで処理したアイテム数",
		}, []string{"result"}),
		disabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbox_sources_disabled_total",
			Help: "ヘルスポリシーで無効化されたソース数",
		}, []string{"source_kind"}),
	}

	reg.MustRegister(
		c.polls,
		c.pollLatency,
		c.httpStatus,
		c.feedItems,
		c.inboxDelivered,
		c.jobs,
		c.jobDuration,
		c.queueDepth,
		c.importItems,
		c.disabled,
	)

	return c
}

// RecordPoll はポーリング結果を記録する。
func (c *Collector) RecordPoll(sourceKind, result string) {
	c.polls.WithLabelValues(sourceKind, result).Inc()
}

// RecordPollLatency はポーリングのレイテンシを記録する。
func (c *Collector) RecordPollLatency(sourceKind string, duration time.Duration) {
	c.pollLatency.WithLabelValues(sourceKind).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFeedItemsObserved は新規フィードアイテム数を記録する。
func (c *Collector) RecordFeedItemsObserved(count int) {
	c.feedItems.Add(float64(count))
}

// RecordInboxDelivered はインボックスへの挿入件数を記録する。
func (c *Collector) RecordInboxDelivered(sourceType string, count int) {
	c.inboxDelivered.WithLabelValues(sourceType).Add(float64(count))
}

// RecordJob はジョブの実行結果と所要時間を記録する。
func (c *Collector) RecordJob(kind string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.jobs.WithLabelValues(kind, result).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetQueueDepth はキューの深さを記録する。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordImportItems はインポートの処理件数と失敗件数を記録する。
func (c *Collector) RecordImportItems(processed, failed int) {
	c.importItems.WithLabelValues("processed").Add(float64(processed))
	c.importItems.WithLabelValues("failed").Add(float64(failed))
}

// RecordSourceDisabled はソースの無効化を記録する。
func (c *Collector) RecordSourceDisabled(sourceKind string) {
	c.disabled.WithLabelValues(sourceKind).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成とテストで使う。
type Nop struct{}

func (Nop) RecordPoll(string, string)               {}
func (Nop) RecordPollLatency(string, time.Duration) {}
func (Nop) RecordHTTPStatus(int)                    {}
func (Nop) RecordFeedItemsObserved(int)             {}
func (Nop) RecordInboxDelivered(string, int)        {}
func (Nop) RecordJob(string, error, time.Duration)  {}
func (Nop) SetQueueDepth(int)                       {}
func (Nop) RecordImportItems(int, int)              {}
func (Nop) RecordSourceDisabled(string)             {}
