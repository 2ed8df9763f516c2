// Package telemetry bootstraps the process-wide OpenTelemetry providers and
// exposes the metric instruments that describe routing decisions.
package telemetry
