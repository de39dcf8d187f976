// Package metrics records pipeline activity as Prometheus series.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"laptoprag/internal/domain"
)

const namespace = "laptoprag"

// Recorder implements service.Observer on its own registry.
type Recorder struct {
	registry   *prom.Registry
	attempts   *prom.CounterVec
	queries    *prom.CounterVec
	retrieval  prom.Histogram
	generation prom.Histogram
	faith      prom.Histogram
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prom.NewRegistry(),
		attempts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Generation attempts by critic verdict.",
		}, []string{"verdict"}),
		queries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Finished queries by outcome.",
		}, []string{"outcome"}),
		retrieval: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_seconds",
			Help:      "Index search latency per query.",
			Buckets:   prom.ExponentialBuckets(0.0001, 4, 8),
		}),
		generation: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Generator latency per attempt.",
			Buckets:   prom.DefBuckets,
		}),
		faith: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "faithfulness",
			Help:      "Faithfulness of final answers.",
			Buckets:   prom.LinearBuckets(0, 0.1, 11),
		}),
	}
	r.registry.MustRegister(r.attempts, r.queries, r.retrieval, r.generation, r.faith)
	return r
}

func (r *Recorder) Registry() *prom.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveAttempt(rec domain.AttemptRecord) {
	r.attempts.WithLabelValues(verdict(rec.CriticOK)).Inc()
	r.generation.Observe(rec.LatencyLLMS)
}

func (r *Recorder) ObserveRun(run domain.QueryRun) {
	r.queries.WithLabelValues(verdict(run.CriticOK)).Inc()
	r.retrieval.Observe(run.LatencyRetrievalS)
	r.faith.Observe(run.CriticStats.Faithfulness)
}

func (r *Recorder) ObserveFailure(string, error) {
	r.queries.WithLabelValues("error").Inc()
}

func verdict(ok bool) string {
	if ok {
		return "accepted"
	}
	return "rejected"
}
