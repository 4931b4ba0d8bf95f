package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sakha"

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter
	RateLimited   prometheus.Counter

	// Generations is labelled by model and outcome (completed, cancelled, failed).
	Generations       *prometheus.CounterVec
	Fragments         *prometheus.CounterVec
	GenerationSeconds *prometheus.HistogramVec
	ModeSuggestions   *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the hourly limit",
			}),
			Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_total",
				Help:      "Generation operations by model and outcome",
			}, []string{"model", "outcome"}),
			Fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_fragments_total",
				Help:      "Streamed fragments received by model",
			}, []string{"model"}),
			GenerationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Wall time of generation operations",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			}, []string{"model"}),
			ModeSuggestions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mode_suggestions_total",
				Help:      "Persona suggestions shown to users",
			}, []string{"mode"}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs, global.UpdatesTotal, global.RateLimited,
			global.Generations, global.Fragments, global.GenerationSeconds, global.ModeSuggestions,
		)
	})
	return global
}
