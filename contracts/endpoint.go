package contracts

import (
	"fmt"
	"strings"
)

// Serialization formats understood by the serialization package
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// TransportInfo identifies one broker connection.
//
// The struct is comparable and is used as a map key: two infos with equal fields
// share a single transport instance.
type TransportInfo struct {
	Broker         string `yaml:"broker"`
	Login          string `yaml:"login"`
	Password       string `yaml:"password"`
	ConnectionMode string `yaml:"connectionMode"`
	Driver         string `yaml:"driver"`
}

// NewTransportInfo creates a transport info
func NewTransportInfo(broker, login, password, connectionMode, driver string) TransportInfo {
	return TransportInfo{
		Broker:         broker,
		Login:          login,
		Password:       password,
		ConnectionMode: connectionMode,
		Driver:         driver,
	}
}

// String renders the info without the password
func (t TransportInfo) String() string {
	return fmt.Sprintf("%s@%s (%s)", t.Login, t.Broker, t.Driver)
}

// Endpoint is a logical address a message is sent to or consumed from
type Endpoint struct {
	TransportID         string `yaml:"transportId"`
	Destination         string `yaml:"destination"`
	SharedDestination   bool   `yaml:"sharedDestination"`
	SerializationFormat string `yaml:"serializationFormat"`
}

// NewEndpoint creates an exclusive endpoint using the json format
func NewEndpoint(transportID, destination string) Endpoint {
	return Endpoint{
		TransportID:         transportID,
		Destination:         destination,
		SerializationFormat: FormatJSON,
	}
}

// Format returns the serialization format, defaulting to json
func (e Endpoint) Format() string {
	if e.SerializationFormat == "" {
		return FormatJSON
	}
	return e.SerializationFormat
}

func (e Endpoint) String() string {
	return fmt.Sprintf("[%s]%s", e.TransportID, e.Destination)
}

// ProcessingGroupInfo configures the worker pool of a processing group
type ProcessingGroupInfo struct {
	// ConcurrencyLevel is the number of parallel worker lanes. Values below 1 mean 1.
	ConcurrencyLevel int `yaml:"concurrencyLevel"`
	// QueueLength bounds the ready queue. Zero means unbounded.
	QueueLength int `yaml:"queueLength"`
}

// DefaultProcessingGroupInfo is used for groups without explicit configuration
var DefaultProcessingGroupInfo = ProcessingGroupInfo{ConcurrencyLevel: 1}

// Normalize returns a copy with defaults applied
func (p ProcessingGroupInfo) Normalize() ProcessingGroupInfo {
	if p.ConcurrencyLevel < 1 {
		p.ConcurrencyLevel = 1
	}
	if p.QueueLength < 0 {
		p.QueueLength = 0
	}
	return p
}

// ParseEndpoint parses the "[transportId]destination" form produced by String
func ParseEndpoint(s string) (Endpoint, error) {
	end := strings.Index(s, "]")
	if !strings.HasPrefix(s, "[") || end < 2 || end == len(s)-1 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: expected [transportId]destination", s)
	}
	return NewEndpoint(s[1:end], s[end+1:]), nil
}
