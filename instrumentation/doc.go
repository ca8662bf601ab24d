// Package instrumentation provides OpenTelemetry instrumentation for the
// gallery-oauth authorization server.
//
// Metrics cover the HTTP layer, the grant flows (authorization, code exchange,
// refresh, revocation, bearer validation), security controls (client lockout,
// rate limiting, refresh token reuse, scope denials) and storage operations.
// Traces span HTTP handlers, server operations and storage calls.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "gallery-oauth",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// When Enabled is false, no-op providers are used and recording costs nothing.
//
// # Security
//
// Authorization codes, tokens and client secrets are never recorded. Span
// attributes carry client IDs, user IDs, scopes and result flags only.
package instrumentation
