package sharedlog

import (
	"sync"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics counts log activity. Each counter is labelled by backend.
type Metrics struct {
	Commits  metrics.Counter
	Acks     metrics.Counter
	Accepted metrics.Counter
}

var (
	promOnce     sync.Once
	promCommits  *prometheus.Counter
	promAcks     *prometheus.Counter
	promAccepted *prometheus.Counter
)

func registerPrometheus() {
	promCommits = prometheus.NewCounterFrom(prom.CounterOpts{
		Namespace: "replog",
		Subsystem: "log",
		Name:      "commits_total",
		Help:      "Number of locally committed operations",
	}, []string{"backend"})
	promAcks = prometheus.NewCounterFrom(prom.CounterOpts{
		Namespace: "replog",
		Subsystem: "log",
		Name:      "acks_total",
		Help:      "Number of acknowledged operations",
	}, []string{"backend"})
	promAccepted = prometheus.NewCounterFrom(prom.CounterOpts{
		Namespace: "replog",
		Subsystem: "log",
		Name:      "accepted_total",
		Help:      "Number of operations received from peers",
	}, []string{"backend"})
}

// NewMetrics returns Prometheus-backed counters for backend. Collectors are
// registered once per process and shared by every log.
func NewMetrics(backend string) *Metrics {
	promOnce.Do(registerPrometheus)
	return &Metrics{
		Commits:  promCommits.With("backend", backend),
		Acks:     promAcks.With("backend", backend),
		Accepted: promAccepted.With("backend", backend),
	}
}

func DiscardMetrics() *Metrics {
	return &Metrics{
		Commits:  discard.NewCounter(),
		Acks:     discard.NewCounter(),
		Accepted: discard.NewCounter(),
	}
}
