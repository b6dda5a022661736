// Package instrumentation provides OpenTelemetry metrics and tracing for the bridge.
//
// Every layer obtains a scoped meter or tracer from a shared Instrumentation
// value and records through the nil-safe helpers on Metrics:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "mcp-oauth-bridge",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// When Enabled is false no-op providers are installed and recording costs
// nothing.
package instrumentation
