// Package observability provides logging, metrics and tracing for slidecast.
//
// # Logging
//
// Logging is built on log/slog. NewLogger returns a *slog.Logger together
// with the slog.LevelVar controlling it, so the level can be changed at
// runtime (for example when the config file is edited):
//
//	logger, level := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "auto",
//	})
//	level.Set(slog.LevelDebug)
//
// Components receive the logger through their options and tag it with a
// component attribute.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on a caller supplied
// registerer. Every recording method is nil-safe so components can run
// without metrics:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordTransition("connecting", "connected")
//
// # Tracing
//
// Row store and artifact fetches open OpenTelemetry spans through a Tracer.
// Without a configured endpoint spans are non-recording.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    Endpoint: "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceFetch(ctx, "snapshot", presentationID)
//	defer func() { observability.End(span, err) }()
package observability
