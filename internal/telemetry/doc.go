// Package telemetry bootstraps OpenTelemetry providers for crewd.
//
// It owns the TracerProvider and MeterProvider lifecycles and registers them
// globally so that per-package otel.Tracer and otel.Meter calls resolve to
// real instruments. Telemetry failures degrade gracefully; the daemon never
// refuses to start because a collector is unreachable.
package telemetry
