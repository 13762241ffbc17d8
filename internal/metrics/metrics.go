package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	QueueDepth    prometheus.Gauge

	ChatStreams        prometheus.Counter
	ChatStreamFailures *prometheus.CounterVec
	ChatFragments      prometheus.Counter

	ClientsCreated prometheus.Counter
	ClientsDeleted prometheus.Counter
	WebhookEvents  *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "queue_enqueued_total",
				Help:      "Total embedding jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "queue_processed_total",
				Help:      "Total embedding jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "queue_failed_total",
				Help:      "Total embedding jobs failed during processing",
			}),
			QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "growthscript",
				Name:      "queue_depth",
				Help:      "Embedding jobs waiting in the redis stream",
			}),
			ChatStreams: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "chat_streams_total",
				Help:      "Total chat backend exchanges started",
			}),
			ChatStreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "chat_stream_failures_total",
				Help:      "Chat backend exchanges that ended in failure, by kind",
			}, []string{"kind"}),
			ChatFragments: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "chat_fragments_total",
				Help:      "Total reply fragments delivered to callers",
			}),
			ClientsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "clients_created_total",
				Help:      "Total clients created",
			}),
			ClientsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "clients_deleted_total",
				Help:      "Total clients deleted with their dependants",
			}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "growthscript",
				Name:      "billing_webhook_events_total",
				Help:      "Billing webhook events received, by type",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.QueueDepth,
			global.ChatStreams,
			global.ChatStreamFailures,
			global.ChatFragments,
			global.ClientsCreated,
			global.ClientsDeleted,
			global.WebhookEvents,
		)
	})
	return global
}
