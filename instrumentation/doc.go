// Package instrumentation provides OpenTelemetry metrics and traces for the
// authorization server.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "oidc-authserver",
//		ServiceVersion:  "1.0.0",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	router.Handle("/metrics", inst.MetricsHandler())
//
// # Exporters
//
// Metrics go to a private Prometheus registry served by MetricsHandler.
// Traces go to an OTLP/HTTP collector when TracesExporter is "otlp".
// With Enabled false every provider is a no-op.
//
// # Scopes
//
// Meters and tracers are named by layer: "http", "server", "token", "keys",
// "storage" and "security".
//
// # Metrics
//
//   - oauth.http.requests.total, oauth.http.request.duration
//   - oauth.grant.transitions{state}: CodeIssued, Redeemed, Denied, Expired
//   - oauth.tokens.issued{token_type,grant_type}
//   - oauth.token.refreshed, oauth.token.revoked, oauth.token.validations{result}
//   - oauth.security.*: rate limits, PKCE failures, code and refresh token reuse
//   - oauth.keys.rotations, oauth.keys.pruned, oauth.keys.verification
//   - storage.operation.total, storage.operation.duration and size gauges
//
// # Privacy
//
// Client IPs are attached to spans only when LogClientIPs is set.
// Token values, codes and secrets are never recorded.
package instrumentation
