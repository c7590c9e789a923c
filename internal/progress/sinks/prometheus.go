package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/buybox-queue/internal/progress"
)

// PrometheusSink exports run and item counters via Prometheus.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	itemsAdvanced *prometheus.CounterVec
	itemDwell     *prometheus.HistogramVec
	runItemsDone  prometheus.Gauge
	runItemsTotal prometheus.Gauge

	mu     sync.Mutex
	active map[[16]byte]struct{}
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buyboxq_runs_started_total",
			Help: "Total queue runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buyboxq_runs_completed_total",
			Help: "Total queue runs ended partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buyboxq_runs_active",
			Help: "Queue runs currently running or finishing.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buyboxq_run_runtime_seconds",
			Help:    "Wall time per ended run.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		itemsAdvanced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buyboxq_items_advanced_total",
			Help: "Items advanced partitioned by outcome and the completion path that won.",
		}, []string{"outcome", "source"}),
		itemDwell: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buyboxq_item_dwell_seconds",
			Help:    "Time from dispatch to advance.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"outcome"}),
		runItemsDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buyboxq_run_items_done",
			Help: "Items done in the most recent run.",
		}),
		runItemsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buyboxq_run_items_total",
			Help: "Items submitted to the most recent run.",
		}),
		active: make(map[[16]byte]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runRuntime,
		s.itemsAdvanced,
		s.itemDwell,
		s.runItemsDone,
		s.runItemsTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.runItemsDone.Set(float64(evt.Done))
	s.runItemsTotal.Set(float64(evt.Total))
	switch evt.Stage {
	case progress.StageRunStarted:
		s.runsStarted.Inc()
		if s.track(evt.RunID, true) {
			s.runsActive.Inc()
		}
	case progress.StageItemAdvanced:
		s.itemsAdvanced.WithLabelValues(string(evt.Outcome), string(evt.Source)).Inc()
		if evt.Dur > 0 {
			s.itemDwell.WithLabelValues(string(evt.Outcome)).Observe(evt.Dur.Seconds())
		}
	case progress.StageRunFinished, progress.StageRunAborted:
		result := "finished"
		if evt.Stage == progress.StageRunAborted {
			result = "aborted"
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.track(evt.RunID, false) {
			s.runsActive.Dec()
		}
	}
}

// track records a run as active (start=true) or ended and reports whether
// the active set changed.
func (s *PrometheusSink) track(id [16]byte, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	if start {
		if ok {
			return false
		}
		s.active[id] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.active, id)
	return true
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
