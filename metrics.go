package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	samplesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dtc",
			Name:      "samples_dropped_total",
			Help:      "Total number of raw samples lost to ring buffer overwrite.",
		},
	)

	faultsConfirmedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dtc",
			Name:      "faults_confirmed_total",
			Help:      "Total number of fault confirmations.",
		},
	)

	faultsHealedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dtc",
			Name:      "faults_healed_total",
			Help:      "Total number of faults healed after the heal threshold.",
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtc",
			Name:      "requests_total",
			Help:      "Total number of diagnostic requests handled, partitioned by result.",
		},
		[]string{"result"},
	)

	detectCycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dtc",
			Name:      "detect_cycle_seconds",
			Help:      "Fault detection cycle duration in seconds.",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		},
	)
)

// RegisterMetrics attaches dtc-service collectors to the supplied registerer.
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		samplesDroppedTotal,
		faultsConfirmedTotal,
		faultsHealedTotal,
		requestsTotal,
		detectCycleSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
