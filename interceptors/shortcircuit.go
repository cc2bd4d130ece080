package interceptors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/redis/go-redis/v9"
)

// ShortCircuitError stops the chain without failing the message
type ShortCircuitError struct {
	Reason string
}

func (e *ShortCircuitError) Error() string {
	return fmt.Sprintf("short-circuited: %s", e.Reason)
}

// IsShortCircuit reports whether err stopped the chain on purpose
func IsShortCircuit(err error) bool {
	var sc *ShortCircuitError
	return errors.As(err, &sc)
}

// DuplicateDetector remembers processed message ids
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor short-circuits messages whose MessageId header
// was already processed successfully. Messages without the header always pass.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection interceptor
func NewDuplicateDetectionInterceptor(detector DuplicateDetector) *DuplicateDetectionInterceptor {
	return &DuplicateDetectionInterceptor{detector: detector}
}

// Intercept implements Interceptor
func (i *DuplicateDetectionInterceptor) Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error {
	messageID, ok := msg.Header(contracts.HeaderMessageID)
	if !ok || messageID == "" {
		return next.Handle(ctx, msg)
	}

	duplicate, err := i.detector.IsDuplicate(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to check duplicate %s: %w", messageID, err)
	}
	if duplicate {
		return &ShortCircuitError{Reason: "duplicate message " + messageID}
	}

	if err := next.Handle(ctx, msg); err != nil {
		return err
	}

	if err := i.detector.MarkProcessed(ctx, messageID); err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", messageID, err)
	}
	return nil
}

// Name implements Interceptor
func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

// MemoryDuplicateDetector keeps processed ids in process for ttl
type MemoryDuplicateDetector struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDuplicateDetector creates an in-process detector
func NewMemoryDuplicateDetector(ttl time.Duration) *MemoryDuplicateDetector {
	return &MemoryDuplicateDetector{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// IsDuplicate implements DuplicateDetector
func (d *MemoryDuplicateDetector) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	expires, ok := d.seen[messageID]
	if !ok {
		return false, nil
	}
	if d.now().After(expires) {
		delete(d.seen, messageID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements DuplicateDetector
func (d *MemoryDuplicateDetector) MarkProcessed(ctx context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, expires := range d.seen {
		if now.After(expires) {
			delete(d.seen, id)
		}
	}
	d.seen[messageID] = now.Add(d.ttl)
	return nil
}

// RedisDuplicateDetector shares processed ids between processes through Redis
// keys that expire after ttl
type RedisDuplicateDetector struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDuplicateDetector creates a detector storing keys as prefix+messageID
func NewRedisDuplicateDetector(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDuplicateDetector {
	return &RedisDuplicateDetector{client: client, prefix: prefix, ttl: ttl}
}

// IsDuplicate implements DuplicateDetector
func (d *RedisDuplicateDetector) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+messageID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed implements DuplicateDetector
func (d *RedisDuplicateDetector) MarkProcessed(ctx context.Context, messageID string) error {
	return d.client.Set(ctx, d.prefix+messageID, 1, d.ttl).Err()
}
