// Package rabbitmq holds the AMQP connection plumbing shared by the RabbitMq
// transport driver: a connection manager that reports closure to listeners,
// typed errors and URL helpers.
//
// The connection manager does not reconnect by itself. A closed connection is
// reported once and the owner replaces the manager, which keeps the reconnect
// policy in one place: the subscription manager's resubscription loop.
package rabbitmq
