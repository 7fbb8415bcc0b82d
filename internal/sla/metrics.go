package sla

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	firingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_firings_total",
		Help: "Fire calls by result.",
	}, []string{"result"})

	deliveryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_delivery_failures_total",
		Help: "Delivery steps that failed after a timer fired.",
	}, []string{"step"})

	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_scan_ticks_total",
		Help: "Scanner ticks by outcome.",
	}, []string{"outcome"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sla_scan_tick_duration_seconds",
		Help:    "Duration of completed scanner ticks.",
		Buckets: prometheus.DefBuckets,
	})

	dueTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_due_timers",
		Help: "Due timers found by the last scanner tick.",
	})
)
