package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"noisemon/internal/model"
)

const namespace = "noisemon"

// Collectors are the Prometheus series exported by the monitor. Each
// instance owns its registry so several can coexist in one process.
type Collectors struct {
	registry *prometheus.Registry

	Measurements *prometheus.CounterVec
	Anomalies    *prometheus.CounterVec
	Level        *prometheus.GaugeVec
	Score        *prometheus.GaugeVec
	Scores       prometheus.Histogram
	StoreErrors  *prometheus.CounterVec
}

func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collectors{
		registry: reg,
		Measurements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_total",
			Help:      "Feature records processed, by source and status.",
		}, []string{"source", "status"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomaly events raised, by source and severity.",
		}, []string{"source", "severity"}),
		Level: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level_db",
			Help:      "Last mean level in dBFS.",
		}, []string{"source"}),
		Score: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Last fused anomaly score.",
		}, []string{"source"}),
		Scores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score_distribution",
			Help:      "Distribution of fused anomaly scores.",
			Buckets:   []float64{0.5, 1, 1.5, 2, 2.5, 3, 5, 10},
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Storage and publish failures, by operation.",
		}, []string{"op"}),
	}
}

func (c *Collectors) ObserveRecord(rec model.Record) {
	c.Measurements.WithLabelValues(rec.Source, string(rec.Status)).Inc()
	if rec.MeanDB != nil {
		c.Level.WithLabelValues(rec.Source).Set(*rec.MeanDB)
	}
	if rec.Status == model.StatusOK {
		c.Score.WithLabelValues(rec.Source).Set(rec.AnomalyScore)
		c.Scores.Observe(rec.AnomalyScore)
	}
}

func (c *Collectors) ObserveAnomaly(a model.Anomaly) {
	c.Anomalies.WithLabelValues(a.Source, a.Severity).Inc()
}

func (c *Collectors) StoreError(op string) {
	c.StoreErrors.WithLabelValues(op).Inc()
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
