// Package inmemory is a process-local transport driver registered as "InMemory".
//
// Destinations are broadcast topics: every subscription on a destination receives
// every matching message. Each processing group delivers on its own goroutine in
// send order, so Send never blocks on slow consumers. Acknowledgements are no-ops
// and nothing survives the process.
//
// The driver is meant for tests and single-process setups. Transport.Fail emulates
// a lost connection.
package inmemory
