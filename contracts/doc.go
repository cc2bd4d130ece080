// Package contracts provides the value types shared by every layer of the relay:
//   - TransportInfo: one broker connection (address, credentials, connection mode, driver)
//   - Endpoint: a logical address (transport id + destination) plus its serialization format
//   - BinaryMessage: an opaque payload with a type tag and string headers
//   - ProcessingGroupInfo: concurrency and queue bound of a processing group
//
// The types carry no behavior beyond copying and header access. They are consumed
// by the messaging engine, the transport drivers and the configuration loader.
package contracts
