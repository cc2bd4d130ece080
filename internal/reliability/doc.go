// Package reliability provides the delay policies used by the resubscription loop
// and the circuit breaker that broker drivers put in front of publishing.
package reliability
