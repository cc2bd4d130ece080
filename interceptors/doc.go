// Package interceptors wraps message handlers with cross-cutting behaviour.
//
// An interceptor sees every message before the final handler and decides
// whether, when and how often the handler runs. The package provides:
//   - Chain, which composes interceptors around a MessageHandler
//   - LoggingInterceptor and TimeoutInterceptor
//   - ValidationInterceptor for body or header checks
//   - RetryInterceptor, which retries the handler in process
//   - FilteringInterceptor with type and header filters
//   - DuplicateDetectionInterceptor backed by memory or Redis
//
// Example usage:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithTimeout(30 * time.Second).
//		WithDuplicateDetection(interceptors.NewMemoryDuplicateDetector(time.Hour)).
//		Build()
//
//	err := chain.Execute(ctx, msg, finalHandler)
//
// An interceptor that stops a message on purpose returns a ShortCircuitError.
// Callers acknowledge such messages as processed.
package interceptors
