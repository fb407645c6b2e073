package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	attemptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "herd_attempt_latency_seconds",
		Help:    "Latency of downstream send attempts",
		Buckets: prometheus.DefBuckets,
	})
	attemptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herd_attempts_total",
		Help: "Total send attempts by result",
	}, []string{"result"})
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herd_queue_depth",
		Help: "Items currently eligible for claiming",
	})
	rateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herd_rate_per_second",
		Help: "Current controller rate",
	})
	breakerGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herd_breaker_state",
		Help: "Breaker state (0 closed, 1 open, 2 half-open)",
	})
	sentCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herd_sent_total",
		Help: "Items delivered successfully",
	})
	deadCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herd_dead_lettered_total",
		Help: "Items moved to the dead-letter queue",
	})
)

type prometheusObserver struct{}

func NewPrometheusObserver() EngineObserver {
	return &prometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) ObserveAttempt(latencySeconds float64, success bool) {
	attemptLatency.Observe(latencySeconds)
	result := "failure"
	if success {
		result = "success"
	}
	attemptCounter.WithLabelValues(result).Inc()
}

func (p *prometheusObserver) SetQueueDepth(n int64) {
	queueDepthGauge.Set(float64(n))
}

func (p *prometheusObserver) SetRate(r int) {
	rateGauge.Set(float64(r))
}

func (p *prometheusObserver) SetBreakerState(s int) {
	breakerGauge.Set(float64(s))
}

func (p *prometheusObserver) AddSent(n int) {
	sentCounter.Add(float64(n))
}

func (p *prometheusObserver) AddDeadLettered(n int) {
	deadCounter.Add(float64(n))
}
