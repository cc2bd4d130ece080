// Package redis is the Redis pub/sub transport driver registered as "Redis".
//
// TransportInfo.Broker is a redis:// or rediss:// URL; Login and Password, when
// set, replace the URL credentials; ConnectionMode becomes the client name.
// Destinations are pub/sub channels carrying msgpack-encoded messages. Pub/sub
// keeps nothing: messages sent while no one listens are lost, acknowledgements
// are no-ops and the ttl passed to Send is ignored.
package redis
