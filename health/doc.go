// Package health reports whether a relay process can do its work.
//
// A Registry runs every registered Checker concurrently and folds the results
// into one OverallHealth. The built-in checkers look at the subscription
// manager (subscriptions that stopped retrying, processing groups whose queue is
// close to its bound) and at the Go runtime. ComponentChecker wraps anything
// else, such as a broker reachability probe.
//
// The HTTP handlers expose the registry for orchestrators:
//
//	registry := health.NewRegistry()
//	registry.Register(health.NewSubscriptionChecker(engine.Subscriptions()))
//	registry.Register(health.NewWorkerPoolChecker(engine.Subscriptions(), 0.8))
//
//	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
//	mux.Handle("/readyz", health.ReadinessHandler(registry, 5*time.Second))
//	mux.Handle("/livez", health.LivenessHandler())
package health
