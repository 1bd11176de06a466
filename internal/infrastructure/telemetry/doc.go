// Package telemetry writes station gateway metrics to InfluxDB.
//
// This package records:
//   - Sync flush summaries (acked / retried / surfaced / remaining)
//   - Authentication outcomes (logins, refresh rejections, burned sessions)
//   - Outbox queue depth over time
//
// Telemetry is optional and disabled by default; a venue that runs an
// InfluxDB instance alongside event control gets live dashboards of every
// station's sync health, a venue that doesn't loses nothing else.
//
// Writes are non-blocking and batched by the InfluxDB client; a slow or
// unreachable telemetry server never delays score handling. Async write
// errors surface through SetOnError.
//
// # Usage
//
//	client, err := telemetry.Connect(cfg.Telemetry)
//	if errors.Is(err, telemetry.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	client.RecordFlush("station-7", 12, 1, 0, 3)
package telemetry
