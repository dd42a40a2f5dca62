// Package telemetry wires the logr/stdr logger and the OpenTelemetry
// meter/tracer this module's ambient stack uses: a global logger
// factory, simulation/playout counters, an NN-forward-latency
// histogram, and a per-think-call span helper.
package telemetry

import (
	"context"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger returns a logr.Logger backed by stdr (the standard-library
// log package), the logging backend this module uses everywhere it
// needs structured key-value logging without pulling in a heavier
// logging framework.
func NewLogger(name string) logr.Logger {
	stdr.SetVerbosity(1)
	log := stdr.New(nil)
	return log.WithName(name)
}

// Meter is the set of instruments this module defines. uct.Driver
// records only Playouts as think()/ponder() run; nothing in this module
// records the other instruments.
type Meter struct {
	Simulations  metric.Int64Counter
	Playouts     metric.Int64Counter
	ForwardMs    metric.Float64Histogram
	SelfChecks   metric.Int64Counter
	SelfCheckErr metric.Int64Counter
}

// NewMeter builds a Meter from the global otel MeterProvider under
// the instrumentation name "uctcore". Callers that never configure an
// SDK meter provider still get a working no-op Meter, since otel's
// default provider is a no-op.
func NewMeter() (*Meter, error) {
	m := otel.Meter("uctcore")

	simulations, err := m.Int64Counter("uctcore.simulations",
		metric.WithDescription("total playout/simulation count across all think calls"))
	if err != nil {
		return nil, err
	}
	playouts, err := m.Int64Counter("uctcore.playouts",
		metric.WithDescription("playouts completed in the current think call"))
	if err != nil {
		return nil, err
	}
	forwardMs, err := m.Float64Histogram("uctcore.forward_latency_ms",
		metric.WithDescription("network forward-pass latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	selfChecks, err := m.Int64Counter("uctcore.self_checks",
		metric.WithDescription("accelerator self-check comparisons performed"))
	if err != nil {
		return nil, err
	}
	selfCheckErr, err := m.Int64Counter("uctcore.self_check_tolerated_mismatches",
		metric.WithDescription("self-check mismatches tolerated via the credit counter"))
	if err != nil {
		return nil, err
	}

	return &Meter{
		Simulations:  simulations,
		Playouts:     playouts,
		ForwardMs:    forwardMs,
		SelfChecks:   selfChecks,
		SelfCheckErr: selfCheckErr,
	}, nil
}

// Tracer returns the global otel Tracer this module uses for the
// per-think-call span.
func Tracer() trace.Tracer {
	return otel.Tracer("uctcore")
}

// StartThink opens a span for one think() call, tagged with the
// correlation id the caller passes (uct.Driver.Think passes the fixed
// id "think"). Callers defer the returned function to end the span.
func StartThink(ctx context.Context, callID string) (context.Context, func()) {
	ctx, span := Tracer().Start(ctx, "think",
		trace.WithAttributes(attribute.String("uctcore.call_id", callID)))
	return ctx, span.End
}

func init() {
	// Respect a disabled-telemetry environment the same way the rest
	// of this module reads UCTCORE_* overrides, without introducing a
	// hard dependency from pkg/config on pkg/telemetry.
	if os.Getenv("UCTCORE_METRICS_ENABLED") == "false" {
		otel.SetMeterProvider(noop.NewMeterProvider())
	}
}
