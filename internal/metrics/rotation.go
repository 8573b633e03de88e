package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Métricas del pipeline de rotación. Viven en un paquete aparte para que
// keyset, rotation y server las compartan sin ciclos de import.

var (
	Rebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jwks_rebuilds_total",
		Help: "Rebuilds del JWKS por origen y resultado",
	}, []string{"trigger", "result"}) // trigger: feed|manual; result: published|stale|failed

	RebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jwks_rebuild_duration_seconds",
		Help:    "Duración de lectura+build+publicación",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	PublishedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jwks_published_keys",
		Help: "Cantidad de claves en el último documento publicado",
	})

	RecordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jwks_records_dropped_total",
		Help: "Records descartados por validación de esquema",
	}, []string{"reason"})

	FeedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jwks_feed_events_total",
		Help: "Eventos del change feed recibidos por tipo",
	}, []string{"kind"})

	Batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jwks_batches_total",
		Help: "Lotes del change feed por resultado (acked|nacked)",
	}, []string{"result"})
)

// Register registra las métricas en reg (o el default si es nil). Es seguro
// llamarlo más de una vez.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		Rebuilds, RebuildDuration, PublishedKeys, RecordsDropped, FeedEvents, Batches,
		HTTPRequests, HTTPDuration, HTTPInflight,
	} {
		if err := registerCollector(reg, c); err != nil {
			return err
		}
	}
	return nil
}

// registerCollector registra el collector ignorando duplicados.
func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
	}
	return nil
}
