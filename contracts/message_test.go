package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryMessage(t *testing.T) {
	t.Run("NewBinaryMessage allocates headers", func(t *testing.T) {
		msg := NewBinaryMessage([]byte("payload"), "OrderPlaced")

		assert.Equal(t, "OrderPlaced", msg.Type)
		assert.Equal(t, []byte("payload"), msg.Bytes)
		assert.NotNil(t, msg.Headers)
	})

	t.Run("SetHeader works on zero value", func(t *testing.T) {
		msg := &BinaryMessage{}
		_, ok := msg.Header(HeaderReplyTo)
		assert.False(t, ok)

		msg.SetHeader(HeaderReplyTo, "reply-1")
		v, ok := msg.Header(HeaderReplyTo)
		assert.True(t, ok)
		assert.Equal(t, "reply-1", v)
	})

	t.Run("header keys are case sensitive", func(t *testing.T) {
		msg := NewBinaryMessage(nil, "")
		msg.SetHeader("ReplyTo", "a")

		_, ok := msg.Header("replyto")
		assert.False(t, ok)
	})

	t.Run("Clone copies bytes and headers", func(t *testing.T) {
		msg := NewBinaryMessage([]byte{1, 2, 3}, "T")
		msg.SetHeader("k", "v")

		clone := msg.Clone()
		clone.Bytes[0] = 9
		clone.Headers["k"] = "changed"

		assert.Equal(t, byte(1), msg.Bytes[0])
		assert.Equal(t, "v", msg.Headers["k"])
		assert.Equal(t, "T", clone.Type)
	})

	t.Run("Clone of nil is nil", func(t *testing.T) {
		var msg *BinaryMessage
		assert.Nil(t, msg.Clone())
	})

	t.Run("MatchesType", func(t *testing.T) {
		msg := NewBinaryMessage(nil, "A")

		assert.True(t, msg.MatchesType(""))
		assert.True(t, msg.MatchesType("A"))
		assert.False(t, msg.MatchesType("B"))
	})
}

func TestEndpoint(t *testing.T) {
	t.Run("NewEndpoint defaults to json", func(t *testing.T) {
		ep := NewEndpoint("transport-1", "queue")

		assert.Equal(t, FormatJSON, ep.Format())
		assert.False(t, ep.SharedDestination)
		assert.Equal(t, "[transport-1]queue", ep.String())
	})

	t.Run("Format falls back to json", func(t *testing.T) {
		ep := Endpoint{TransportID: "t", Destination: "d"}
		assert.Equal(t, FormatJSON, ep.Format())

		ep.SerializationFormat = FormatMsgpack
		assert.Equal(t, FormatMsgpack, ep.Format())
	})

	t.Run("ParseEndpoint reads the String form", func(t *testing.T) {
		ep, err := ParseEndpoint("[main-bus]orders.commands")
		require.NoError(t, err)
		assert.Equal(t, NewEndpoint("main-bus", "orders.commands"), ep)

		for _, bad := range []string{"orders", "[]orders", "[main-bus]", "main-bus]orders"} {
			_, err := ParseEndpoint(bad)
			assert.Error(t, err, bad)
		}
	})
}

func TestTransportInfo(t *testing.T) {
	t.Run("value equality makes it a usable key", func(t *testing.T) {
		a := NewTransportInfo("transport-1", "login1", "pwd1", "None", "InMemory")
		b := NewTransportInfo("transport-1", "login1", "pwd1", "None", "InMemory")
		c := NewTransportInfo("transport-1", "login2", "pwd1", "None", "InMemory")

		cache := map[TransportInfo]int{a: 1}
		assert.Equal(t, 1, cache[b])
		_, found := cache[c]
		assert.False(t, found)
	})

	t.Run("String hides password", func(t *testing.T) {
		info := NewTransportInfo("amqp://host", "guest", "secret", "", "RabbitMq")
		assert.NotContains(t, info.String(), "secret")
	})
}

func TestProcessingGroupInfo(t *testing.T) {
	assert.Equal(t, 1, ProcessingGroupInfo{}.Normalize().ConcurrencyLevel)
	assert.Equal(t, 0, ProcessingGroupInfo{QueueLength: -5}.Normalize().QueueLength)
	assert.Equal(t, 4, ProcessingGroupInfo{ConcurrencyLevel: 4}.Normalize().ConcurrencyLevel)
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("transport-x", ErrUnknownTransport)

	assert.True(t, IsConfigurationError(err))
	assert.True(t, errors.Is(err, ErrUnknownTransport))
	assert.Contains(t, err.Error(), "transport-x")

	wrapped := fmt.Errorf("subscribe: %w", err)
	require.True(t, IsConfigurationError(wrapped))
	assert.False(t, IsConfigurationError(errors.New("connection refused")))
}
