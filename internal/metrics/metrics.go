// Package metrics 定义缓存引擎的 Prometheus 指标。所有方法对 nil 接收者安全，
// 便于测试与库调用方不注入指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "artifact_proxy"

// Collector 汇总请求、回源与客户端相关的指标。
type Collector struct {
	requests       *prometheus.CounterVec
	bytesServed    *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	bytesFetched   *prometheus.CounterVec
	activeFetches  *prometheus.GaugeVec
	fetchDuration  *prometheus.HistogramVec
	clientsDropped *prometheus.CounterVec
	recovered      *prometheus.CounterVec
}

// New 在 reg 上注册全部指标。reg 为 nil 时使用独立的 Registry。
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collector{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Artifact requests by origin and cache disposition",
		}, []string{"origin", "cache"}), // cache: HIT/MISS/FOLLOW

		bytesServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_served_total",
			Help:      "Bytes written to clients",
		}, []string{"origin", "cache"}),

		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_fetches_total",
			Help:      "Origin fetches by outcome",
		}, []string{"origin", "outcome"}), // outcome: complete/rollback/origin_error

		bytesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_bytes_total",
			Help:      "Bytes read from origins and appended to the cache",
		}, []string{"origin"}),

		activeFetches: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_fetches",
			Help:      "Origin fetches currently in progress",
		}, []string{"origin"}),

		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_fetch_duration_seconds",
			Help:      "Duration of origin fetches from HEAD to completion",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"origin"}),

		clientsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_dropped_total",
			Help:      "Clients detached from a stream before it finished",
		}, []string{"origin", "reason"}), // reason: disconnect/slow/stalled/aborted

		recovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_entries_total",
			Help:      "Entries discarded by crash recovery at startup",
		}, []string{"kind"}), // kind: marker/in_progress
	}
}

func (c *Collector) Request(origin, disposition string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(origin, disposition).Inc()
}

func (c *Collector) Served(origin, disposition string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesServed.WithLabelValues(origin, disposition).Add(float64(n))
}

// FetchStarted 记录一次回源开始，返回的函数在结束时以结果标签调用。
func (c *Collector) FetchStarted(origin string) func(outcome string, seconds float64) {
	if c == nil {
		return func(string, float64) {}
	}
	gauge := c.activeFetches.WithLabelValues(origin)
	gauge.Inc()
	return func(outcome string, seconds float64) {
		gauge.Dec()
		c.fetches.WithLabelValues(origin, outcome).Inc()
		c.fetchDuration.WithLabelValues(origin).Observe(seconds)
	}
}

func (c *Collector) Fetched(origin string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesFetched.WithLabelValues(origin).Add(float64(n))
}

func (c *Collector) ClientDropped(origin, reason string) {
	if c == nil {
		return
	}
	c.clientsDropped.WithLabelValues(origin, reason).Inc()
}

func (c *Collector) Recovered(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.recovered.WithLabelValues(kind).Add(float64(n))
}
