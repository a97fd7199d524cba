// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the tracer's own health counters (dropped
// events, shadow-stack desyncs and overflows) as OTel instruments. No
// exporter is wired: an observability pipeline is out of scope, but the
// instrumentation itself is still carried, in process-local form only.
package metrics // import "go.hookline.dev/mcount/metrics"

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.hookline.dev/mcount/internal/hook"
)

var (
	meter = otel.Meter("go.hookline.dev/mcount")

	droppedEvents   metric.Int64Counter
	shadowOverflows metric.Int64Counter
	shadowDesyncs   metric.Int64Counter
	bufferHighWater metric.Int64Gauge
)

func init() {
	var err error
	if droppedEvents, err = meter.Int64Counter("mcount.events.dropped",
		metric.WithDescription("events discarded because the buffer was full in drop-tail mode")); err != nil {
		log.Errorf("metrics: creating dropped-events counter: %v", err)
	}
	if shadowOverflows, err = meter.Int64Counter("mcount.shadowstack.overflows",
		metric.WithDescription("calls where the shadow stack hit its depth limit")); err != nil {
		log.Errorf("metrics: creating shadow-overflow counter: %v", err)
	}
	if shadowDesyncs, err = meter.Int64Counter("mcount.shadowstack.desyncs",
		metric.WithDescription("returns observed with no matching shadow frame")); err != nil {
		log.Errorf("metrics: creating shadow-desync counter: %v", err)
	}
	if bufferHighWater, err = meter.Int64Gauge("mcount.buffer.high_water_mark",
		metric.WithDescription("highest event count observed in the buffer across a run")); err != nil {
		log.Errorf("metrics: creating buffer high-water gauge: %v", err)
	}
}

// Snapshot is the point-in-time values backing the instruments above;
// callers that just want the numbers (tests, the demo command's summary
// line) can read this without going through an OTel reader.
type Snapshot struct {
	DroppedEvents   uint64
	ShadowOverflows uint64
	ShadowDesyncs   uint64
}

// Collect reads the hook package's hot-path counters and records them
// into the registered OTel instruments, then returns the same values as
// a Snapshot. highWater is the event count observed in the buffer at
// call time, since the buffer's state is otherwise invisible once
// drained.
func Collect(highWater int) Snapshot {
	snap := Snapshot{
		DroppedEvents:   hook.DroppedEvents(),
		ShadowOverflows: hook.ShadowOverflows(),
		ShadowDesyncs:   hook.ShadowDesyncs(),
	}

	ctx := context.Background()
	if droppedEvents != nil {
		droppedEvents.Add(ctx, int64(snap.DroppedEvents))
	}
	if shadowOverflows != nil {
		shadowOverflows.Add(ctx, int64(snap.ShadowOverflows))
	}
	if shadowDesyncs != nil {
		shadowDesyncs.Add(ctx, int64(snap.ShadowDesyncs))
	}
	if bufferHighWater != nil {
		bufferHighWater.Record(ctx, int64(highWater))
	}

	return snap
}
