// Package telemetry wires the supervisor's tick outcomes and durations
// into armon/go-metrics, the instrumentation library the pack's
// HashiCorp-derived daemons use throughout. The Sink also carries
// leader-election and demotion counters.
package telemetry

import (
	"time"

	metrics "github.com/armon/go-metrics"
)

// Sink is the narrow surface the rest of the module emits through, so
// call sites never import armon/go-metrics directly.
type Sink interface {
	IncrCycleOutcome(status string)
	MeasureCycleDuration(start time.Time)
	IncrLeaderElection()
	IncrDemotion()
}

type sink struct{}

// NewSink returns the default Sink, backed by go-metrics' global
// singleton the way the pack's daemons configure it at startup via
// metrics.NewGlobal.
func NewSink() Sink { return sink{} }

func (sink) IncrCycleOutcome(status string) {
	metrics.IncrCounterWithLabels([]string{"governor", "cycle"}, 1,
		[]metrics.Label{{Name: "status", Value: status}})
}

func (sink) MeasureCycleDuration(start time.Time) {
	metrics.MeasureSince([]string{"governor", "cycle", "duration"}, start)
}

func (sink) IncrLeaderElection() {
	metrics.IncrCounter([]string{"governor", "leader_elections"}, 1)
}

func (sink) IncrDemotion() {
	metrics.IncrCounter([]string{"governor", "demotions"}, 1)
}

// Configure installs an in-memory metrics sink with the given service
// name, mirroring the pack's standard metrics.NewGlobal bring-up.
func Configure(serviceName string) (*metrics.InmemSink, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, inm); err != nil {
		return nil, err
	}
	return inm, nil
}
