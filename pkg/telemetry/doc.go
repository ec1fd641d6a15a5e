// Package telemetry records what the detector does.
//
// It provides three sinks:
//   - ParquetHandler, a slog.Handler that mirrors ERROR records into Parquet files
//   - AuditSink, a Parquet log of every completed detection
//   - Metrics, OpenTelemetry instruments and spans around the pipeline
package telemetry
