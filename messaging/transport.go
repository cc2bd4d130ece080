package messaging

import (
	"errors"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// ErrGroupClosed is returned by processing group operations after Close
var ErrGroupClosed = errors.New("processing group is closed")

// DeliveryFunc receives messages from a transport. ack reports the outcome of
// processing back to the broker: true acknowledges, false rejects.
type DeliveryFunc func(msg *contracts.BinaryMessage, ack func(success bool))

// ProcessingGroup is one connection context (session) of a transport shared by
// the subscriptions and senders of a named group.
type ProcessingGroup interface {
	// Send publishes msg to destination. A broker publish failure is returned and
	// also reported through the failure callback. ttl <= 0 means no expiry.
	Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error

	// Subscribe registers a consumer for destination. An empty messageType matches
	// every message. An error means the broker rejected the subscription.
	Subscribe(destination string, callback DeliveryFunc, messageType string) (Disposable, error)

	// SendRequest sends msg with a temporary reply address and routes the reply to callback
	SendRequest(destination string, msg *contracts.BinaryMessage, callback func(*contracts.BinaryMessage)) (*RequestHandle, error)

	// RegisterHandler answers requests arriving at destination
	RegisterHandler(destination string, handler func(*contracts.BinaryMessage) *contracts.BinaryMessage, messageType string) (Disposable, error)

	// Close releases the group's session and subscriptions
	Close() error
}

// TemporaryDestinations creates reply destinations for request/reply
type TemporaryDestinations interface {
	CreateTemporary(name string) (Disposable, error)
}

// Transport is a live connection to a broker
type Transport interface {
	// CreateProcessingGroup opens a new session. onFailure is invoked when the
	// session is lost, never from within CreateProcessingGroup itself.
	CreateProcessingGroup(onFailure func()) (ProcessingGroup, error)

	// Close closes the connection
	Close() error
}

// TransportFactory builds transports for one driver
type TransportFactory interface {
	// Name is the driver name matched against TransportInfo.Driver
	Name() string

	// Create connects to the broker described by info. onFailure is invoked when
	// the connection is lost, never from within Create itself. Errors wrapping
	// *contracts.ConfigurationError are not retried.
	Create(info contracts.TransportInfo, onFailure func()) (Transport, error)
}

// TransportResolver maps transport ids to connection parameters
type TransportResolver interface {
	GetTransport(transportID string) (contracts.TransportInfo, bool)
}

// MapTransportResolver is a TransportResolver backed by a map
type MapTransportResolver map[string]contracts.TransportInfo

// GetTransport implements TransportResolver
func (m MapTransportResolver) GetTransport(transportID string) (contracts.TransportInfo, bool) {
	info, ok := m[transportID]
	return info, ok
}

// ProcessingGroupProvider resolves processing groups for the subscription manager.
// The returned Disposable unregisters onFailure and is never nil on success.
type ProcessingGroupProvider interface {
	GetProcessingGroup(transportID, groupName string, onFailure func()) (ProcessingGroup, Disposable, error)
}

// EndpointResolver maps logical endpoint names to endpoints
type EndpointResolver interface {
	ResolveEndpoint(name string) (contracts.Endpoint, error)
}

// MapEndpointResolver is an EndpointResolver backed by a map
type MapEndpointResolver map[string]contracts.Endpoint

// ResolveEndpoint implements EndpointResolver
func (m MapEndpointResolver) ResolveEndpoint(name string) (contracts.Endpoint, error) {
	endpoint, ok := m[name]
	if !ok {
		return contracts.Endpoint{}, contracts.NewConfigurationError(name, contracts.ErrUnknownEndpoint)
	}
	return endpoint, nil
}
