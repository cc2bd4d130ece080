package redis

import (
	"fmt"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/vmihailenco/msgpack/v5"
)

// encodeMessage produces the wire form of msg
func encodeMessage(msg *contracts.BinaryMessage) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// decodeMessage parses the wire form produced by encodeMessage
func decodeMessage(data []byte) (*contracts.BinaryMessage, error) {
	var msg contracts.BinaryMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	return &msg, nil
}
