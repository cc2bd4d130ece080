// Package cqrs wires command handlers and event listeners to bound contexts.
//
// A bound context names the endpoints its commands are sent to and its events
// are published on. Application bootstrap code constructs its components first
// and then registers each one explicitly:
//
//	engine, err := cqrs.NewEngine(relayEngine, []cqrs.BoundContext{{
//		Name:             "orders",
//		CommandsEndpoint: "orders-commands",
//		EventsEndpoint:   "orders-events",
//	}})
//	err = engine.RegisterCommandHandler("orders", orderService)
//	err = engine.RegisterEventListener(projection)
//
// A component is either a command handler or an event listener, never both.
//
// WithInterceptors runs every message through an interceptors.Chain before its
// handler, e.g. to drop redelivered commands by MessageId.
package cqrs
