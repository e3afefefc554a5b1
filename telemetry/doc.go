// Package telemetry records the agent's own health: export attempts and
// outcomes, dropped records, credential refreshes and crash recovery.
//
// Counters and histograms are created lazily on an injected
// metric.MeterProvider and cached, so hot paths never allocate instruments.
// A nil provider records nothing but Health still reports the in-process
// counters:
//
//	rec := telemetry.NewRecorder(meterProvider)
//	rec.ExportOutcome(ctx, "delivered", elapsed)
//	http.HandleFunc("/health", rec.HealthHandler)
//
// A nil *Recorder is valid and discards everything.
package telemetry
