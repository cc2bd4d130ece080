// Package serialization maps Go types to message type tags and encodes them
// in the serialization format configured for an endpoint (json or msgpack).
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownFormat is returned for a serialization format with no serializer
var ErrUnknownFormat = errors.New("unknown serialization format")

// Serializer turns message values into message bodies and back
type Serializer interface {
	// Format is the name endpoints refer to in SerializationFormat
	Format() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer encodes bodies with encoding/json
type JSONSerializer struct {
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithPrettyPrint enables indented output
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// NewJSONSerializer creates a JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Format implements Serializer
func (s *JSONSerializer) Format() string {
	return contracts.FormatJSON
}

// Marshal implements Serializer
func (s *JSONSerializer) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if s.prettyPrint {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

// Unmarshal implements Serializer
func (s *JSONSerializer) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("data cannot be empty")
	}
	return json.Unmarshal(data, v)
}

// MsgpackSerializer encodes bodies with MessagePack
type MsgpackSerializer struct{}

// NewMsgpackSerializer creates a MessagePack serializer
func NewMsgpackSerializer() *MsgpackSerializer {
	return &MsgpackSerializer{}
}

// Format implements Serializer
func (s *MsgpackSerializer) Format() string {
	return contracts.FormatMsgpack
}

// Marshal implements Serializer
func (s *MsgpackSerializer) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	return msgpack.Marshal(v)
}

// Unmarshal implements Serializer
func (s *MsgpackSerializer) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("data cannot be empty")
	}
	return msgpack.Unmarshal(data, v)
}

// Registry holds serializers by format
type Registry struct {
	serializers map[string]Serializer
	mu          sync.RWMutex
}

// NewRegistry creates a registry with the json and msgpack serializers
func NewRegistry(serializers ...Serializer) *Registry {
	r := &Registry{serializers: make(map[string]Serializer)}
	r.Register(NewJSONSerializer())
	r.Register(NewMsgpackSerializer())
	for _, s := range serializers {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any serializer of the same format
func (r *Registry) Register(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[s.Format()] = s
}

// Get returns the serializer for format. An empty format means json.
func (r *Registry) Get(format string) (Serializer, error) {
	if format == "" {
		format = contracts.FormatJSON
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.serializers[format]
	if !ok {
		return nil, contracts.NewConfigurationError(format, ErrUnknownFormat)
	}
	return s, nil
}

// Formats lists the registered formats
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	formats := make([]string, 0, len(r.serializers))
	for f := range r.serializers {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}
