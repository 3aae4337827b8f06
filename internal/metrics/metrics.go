// Package metrics tracks Prometheus counters and gauges for the queue
// runner's internal state. There is deliberately no HTTP exposition server
// here (spec.md §1 Non-goals excludes a status web UI/API). The values are
// readable only through the registry passed to NewRecorder; the --status
// control socket in cmd/queue-runner reports scheduler state, not metrics.
package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder holds every metric the queue runner updates as it schedules and
// executes steps (§4.2 step 6: "update per-system-type stats").
type Recorder struct {
	once sync.Once

	stepsCreated      *prom.CounterVec
	stepsRunnable     prom.Gauge
	stepsActive       *prom.GaugeVec
	stepWaitTime      *prom.HistogramVec
	buildsFinished    *prom.CounterVec
	machinesBySystem  *prom.GaugeVec
	dispatchLatency   *prom.HistogramVec
	breakerTrips      *prom.CounterVec
	retriesExhausted  prom.Counter
	unsupportedAborts prom.Counter
}

// NewRecorder constructs and registers the queue runner's metrics on reg.
// Registration panics if reg already holds a Recorder's metrics, so each
// registry takes at most one Recorder. A nil reg creates a private registry
// that is not kept anywhere, so its values cannot be read back.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{}
	r.once.Do(func() {
		r.stepsCreated = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "queuerunner",
			Name:      "steps_created_total",
			Help:      "Steps created by the queue monitor, by system type",
		}, []string{"system_type"})
		r.stepsRunnable = prom.NewGauge(prom.GaugeOpts{
			Namespace: "queuerunner",
			Name:      "steps_runnable",
			Help:      "Steps currently in the Runnable set",
		})
		r.stepsActive = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "queuerunner",
			Name:      "steps_active",
			Help:      "Steps currently reserved on a machine, by system type",
		}, []string{"system_type"})
		r.stepWaitTime = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "queuerunner",
			Name:      "step_wait_seconds",
			Help:      "Time a step spent in the Runnable set before dispatch",
			Buckets:   prom.DefBuckets,
		}, []string{"system_type"})
		r.buildsFinished = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "queuerunner",
			Name:      "builds_finished_total",
			Help:      "Builds finalized, by status",
		}, []string{"status"})
		r.machinesBySystem = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "queuerunner",
			Name:      "machines_available",
			Help:      "Machines currently able to accept work, by system type",
		}, []string{"system_type"})
		r.dispatchLatency = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "queuerunner",
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent in one dispatcher scan-and-select pass",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"})
		r.breakerTrips = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "queuerunner",
			Name:      "machine_breaker_trips_total",
			Help:      "Circuit breaker trips, by machine",
		}, []string{"machine"})
		r.retriesExhausted = prom.NewCounter(prom.CounterOpts{
			Namespace: "queuerunner",
			Name:      "step_retries_exhausted_total",
			Help:      "Steps that failed after exhausting their retry budget",
		})
		r.unsupportedAborts = prom.NewCounter(prom.CounterOpts{
			Namespace: "queuerunner",
			Name:      "step_unsupported_aborts_total",
			Help:      "Steps aborted for having no capable machine within the unsupported-step timeout",
		})
		reg.MustRegister(
			r.stepsCreated, r.stepsRunnable, r.stepsActive, r.stepWaitTime,
			r.buildsFinished, r.machinesBySystem, r.dispatchLatency,
			r.breakerTrips, r.retriesExhausted, r.unsupportedAborts,
		)
	})
	return r
}

func (r *Recorder) IncStepCreated(systemType string) {
	if r == nil || r.stepsCreated == nil {
		return
	}
	r.stepsCreated.WithLabelValues(systemType).Inc()
}

func (r *Recorder) SetStepsRunnable(n int) {
	if r == nil || r.stepsRunnable == nil {
		return
	}
	r.stepsRunnable.Set(float64(n))
}

func (r *Recorder) SetStepsActive(systemType string, n int) {
	if r == nil || r.stepsActive == nil {
		return
	}
	r.stepsActive.WithLabelValues(systemType).Set(float64(n))
}

func (r *Recorder) ObserveStepWait(systemType string, d time.Duration) {
	if r == nil || r.stepWaitTime == nil {
		return
	}
	r.stepWaitTime.WithLabelValues(systemType).Observe(d.Seconds())
}

func (r *Recorder) IncBuildFinished(status string) {
	if r == nil || r.buildsFinished == nil {
		return
	}
	r.buildsFinished.WithLabelValues(status).Inc()
}

func (r *Recorder) SetMachinesAvailable(systemType string, n int) {
	if r == nil || r.machinesBySystem == nil {
		return
	}
	r.machinesBySystem.WithLabelValues(systemType).Set(float64(n))
}

func (r *Recorder) ObserveDispatchLatency(outcome string, d time.Duration) {
	if r == nil || r.dispatchLatency == nil {
		return
	}
	r.dispatchLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (r *Recorder) IncBreakerTrip(machine string) {
	if r == nil || r.breakerTrips == nil {
		return
	}
	r.breakerTrips.WithLabelValues(machine).Inc()
}

func (r *Recorder) IncRetriesExhausted() {
	if r == nil || r.retriesExhausted == nil {
		return
	}
	r.retriesExhausted.Inc()
}

func (r *Recorder) IncUnsupportedAbort() {
	if r == nil || r.unsupportedAborts == nil {
		return
	}
	r.unsupportedAborts.Inc()
}
