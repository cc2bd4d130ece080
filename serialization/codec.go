package serialization

import (
	"fmt"

	"github.com/glimte/mmate-relay/contracts"
)

// Codec converts typed values to binary messages tagged with their registered type
type Codec struct {
	serializers *Registry
	types       *TypeRegistry
}

// NewCodec creates a codec
func NewCodec(serializers *Registry, types *TypeRegistry) *Codec {
	return &Codec{serializers: serializers, types: types}
}

// Types returns the type registry
func (c *Codec) Types() *TypeRegistry {
	return c.types
}

// Encode serializes v with format. The message type is the tag v is registered under.
func (c *Codec) Encode(format string, v any) (*contracts.BinaryMessage, error) {
	typeName, err := c.types.TypeName(v)
	if err != nil {
		return nil, err
	}

	s, err := c.serializers.Get(format)
	if err != nil {
		return nil, err
	}

	body, err := s.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", typeName, err)
	}

	return contracts.NewBinaryMessage(body, typeName), nil
}

// Decode builds a value of the type named by msg.Type. The result is a pointer.
func (c *Codec) Decode(format string, msg *contracts.BinaryMessage) (any, error) {
	instance, err := c.types.CreateInstance(msg.Type)
	if err != nil {
		return nil, err
	}

	if err := c.DecodeInto(format, msg, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// DecodeInto unmarshals the body of msg into v
func (c *Codec) DecodeInto(format string, msg *contracts.BinaryMessage, v any) error {
	s, err := c.serializers.Get(format)
	if err != nil {
		return err
	}

	if err := s.Unmarshal(msg.Bytes, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", msg.Type, err)
	}
	return nil
}
