// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン結果のラベル値。
const (
	LoginAdmin   = "admin"
	LoginDenied  = "denied"
	LoginInvalid = "invalid"
	LoginError   = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、セッションマネージャー、作成サービスから利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordSessionEvent(eventType string)
	RecordProvisioning(outcome string)
	RecordAccountCreated()
	RecordProfileInsertFailure()
	RecordCreateUserLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins              *prometheus.CounterVec
	sessionEvents       *prometheus.CounterVec
	provisioning        *prometheus.CounterVec
	accountsCreated     prometheus.Counter
	profileInsertFailed prometheus.Counter
	createUserLatency   prometheus.Histogram
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makeemnow_logins_total",
			Help: "結果別の管理者ログイン試行数",
		}, []string{"result"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makeemnow_session_events_total",
			Help: "種類別のセッションイベント数",
		}, []string{"event"}),
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makeemnow_provisioning_total",
			Help: "結果別のアカウント作成フォーム送信数",
		}, []string{"outcome"}),
		accountsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "makeemnow_accounts_created_total",
			Help: "IdPに作成されたアカウントの合計数",
		}),
		profileInsertFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "makeemnow_profile_insert_failures_total",
			Help: "アカウント作成後にプロフィール登録が失敗した数",
		}),
		createUserLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "makeemnow_create_user_latency_seconds",
			Help:    "ユーザー作成処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.sessionEvents,
		c.provisioning,
		c.accountsCreated,
		c.profileInsertFailed,
		c.createUserLatency,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordSessionEvent はセッションイベントを記録する。
func (c *Collector) RecordSessionEvent(eventType string) {
	c.sessionEvents.WithLabelValues(eventType).Inc()
}

// RecordProvisioning はフォーム送信の結果を記録する。
func (c *Collector) RecordProvisioning(outcome string) {
	c.provisioning.WithLabelValues(outcome).Inc()
}

// RecordAccountCreated はアカウント作成を記録する。
func (c *Collector) RecordAccountCreated() {
	c.accountsCreated.Inc()
}

// RecordProfileInsertFailure はプロフィール登録の失敗を記録する。
func (c *Collector) RecordProfileInsertFailure() {
	c.profileInsertFailed.Inc()
}

// RecordCreateUserLatency はユーザー作成のレイテンシを記録する。
func (c *Collector) RecordCreateUserLatency(duration time.Duration) {
	c.createUserLatency.Observe(duration.Seconds())
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
