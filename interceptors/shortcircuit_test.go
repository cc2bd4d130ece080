package interceptors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func identified(id string) *contracts.BinaryMessage {
	msg := contracts.NewBinaryMessage([]byte("{}"), "PlaceOrder")
	msg.SetHeader(contracts.HeaderMessageID, id)
	return msg
}

func TestShortCircuitError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ShortCircuitError{Reason: "duplicate"})
	assert.True(t, IsShortCircuit(err))
	assert.False(t, IsShortCircuit(errors.New("plain")))
	assert.Equal(t, "short-circuited: duplicate", (&ShortCircuitError{Reason: "duplicate"}).Error())
}

func TestDuplicateDetectionInterceptor(t *testing.T) {
	ctx := context.Background()

	t.Run("second delivery is short-circuited", func(t *testing.T) {
		interceptor := NewDuplicateDetectionInterceptor(NewMemoryDuplicateDetector(time.Minute))
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(nil)

		require.NoError(t, interceptor.Intercept(ctx, identified("m-1"), handler))
		err := interceptor.Intercept(ctx, identified("m-1"), handler)

		assert.True(t, IsShortCircuit(err))
		handler.AssertNumberOfCalls(t, "Handle", 1)
	})

	t.Run("failed processing is not remembered", func(t *testing.T) {
		interceptor := NewDuplicateDetectionInterceptor(NewMemoryDuplicateDetector(time.Minute))
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(errors.New("boom")).Once()
		handler.On("Handle", mock.Anything, mock.Anything).Return(nil).Once()

		assert.Error(t, interceptor.Intercept(ctx, identified("m-2"), handler))
		assert.NoError(t, interceptor.Intercept(ctx, identified("m-2"), handler))
		handler.AssertNumberOfCalls(t, "Handle", 2)
	})

	t.Run("messages without id always pass", func(t *testing.T) {
		interceptor := NewDuplicateDetectionInterceptor(NewMemoryDuplicateDetector(time.Minute))
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(nil)

		msg := contracts.NewBinaryMessage(nil, "Ping")
		require.NoError(t, interceptor.Intercept(ctx, msg, handler))
		require.NoError(t, interceptor.Intercept(ctx, msg, handler))
		handler.AssertNumberOfCalls(t, "Handle", 2)
	})
}

func TestMemoryDuplicateDetector(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	detector := NewMemoryDuplicateDetector(time.Minute)
	detector.now = func() time.Time { return now }

	require.NoError(t, detector.MarkProcessed(ctx, "m-1"))
	duplicate, err := detector.IsDuplicate(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, duplicate)

	now = now.Add(2 * time.Minute)
	duplicate, err = detector.IsDuplicate(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, duplicate)
}

func TestRedisDuplicateDetector(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	ctx := context.Background()
	prefix := "relay-test:" + uuid.NewString() + ":"
	detector := NewRedisDuplicateDetector(client, prefix, time.Minute)

	duplicate, err := detector.IsDuplicate(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, duplicate)

	require.NoError(t, detector.MarkProcessed(ctx, "m-1"))
	duplicate, err = detector.IsDuplicate(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, duplicate)

	ttl, err := client.TTL(ctx, prefix+"m-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	client.Del(ctx, prefix+"m-1")
}
