// Package rabbitmq is the AMQP 0-9-1 transport driver registered as "RabbitMq".
//
// TransportInfo.Broker is an amqp:// or amqps:// URL; Login and Password, when
// set, replace the URL credentials; ConnectionMode becomes the client-provided
// connection name. Each processing group owns one AMQP channel. Messages are
// published through the default exchange with the destination as routing key,
// so a destination is a queue name.
package rabbitmq
