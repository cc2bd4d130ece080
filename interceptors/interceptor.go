package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
)

// MessageHandler represents a message handler in the interceptor chain
type MessageHandler interface {
	Handle(ctx context.Context, msg *contracts.BinaryMessage) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *contracts.BinaryMessage) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *contracts.BinaryMessage) error {
	return f(ctx, msg)
}

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs interceptors in the order they were added. A chain must not be
// modified once it is executing.
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final with every interceptor of the chain
func (c *Chain) Then(final MessageHandler) MessageHandler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = MessageHandlerFunc(func(ctx context.Context, msg *contracts.BinaryMessage) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler
}

// Execute runs msg through the chain and final
func (c *Chain) Execute(ctx context.Context, msg *contracts.BinaryMessage, final MessageHandler) error {
	if len(c.interceptors) == 0 {
		return final.Handle(ctx, msg)
	}
	return c.Then(final).Handle(ctx, msg)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error {
	start := time.Now()
	messageID, _ := msg.Header(contracts.HeaderMessageID)

	i.logger.Debug("processing message",
		"messageId", messageID,
		"messageType", msg.Type,
	)

	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	switch {
	case err == nil:
		i.logger.Debug("message processed",
			"messageId", messageID,
			"messageType", msg.Type,
			"duration", duration,
		)
	case IsShortCircuit(err):
		i.logger.Debug("message short-circuited",
			"messageId", messageID,
			"messageType", msg.Type,
			"reason", err,
		)
	default:
		i.logger.Error("message processing failed",
			"messageId", messageID,
			"messageType", msg.Type,
			"duration", duration,
			"error", err,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the handler by a deadline on its context. The
// handler is expected to honour ctx; the interceptor does not abandon it.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next.Handle(timeoutCtx, msg)
	if err != nil && timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("message processing timeout after %v: %w", i.timeout, err)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// MessageValidator defines the interface for message validation
type MessageValidator interface {
	Validate(ctx context.Context, msg *contracts.BinaryMessage) error
}

// ValidatorFunc is a function adapter for MessageValidator
type ValidatorFunc func(ctx context.Context, msg *contracts.BinaryMessage) error

// Validate implements MessageValidator
func (f ValidatorFunc) Validate(ctx context.Context, msg *contracts.BinaryMessage) error {
	return f(ctx, msg)
}

// ValidationInterceptor rejects invalid messages before processing. Validation
// errors are permanent so a RetryInterceptor later in the chain does not retry them.
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return reliability.PermanentError{Err: fmt.Errorf("message validation failed: %w", err)}
	}
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// ChainBuilder builds a common interceptor chain
type ChainBuilder struct {
	chain  *Chain
	logger *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainBuilder{chain: NewChain(logger), logger: logger}
}

// WithLogging adds a logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithValidation adds a validation interceptor
func (b *ChainBuilder) WithValidation(validator MessageValidator) *ChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithFilter adds a filtering interceptor
func (b *ChainBuilder) WithFilter(filter MessageFilter, skip SkipBehavior) *ChainBuilder {
	b.chain.Add(NewFilteringInterceptor(filter, skip).WithLogger(b.logger))
	return b
}

// WithDuplicateDetection adds a duplicate detection interceptor
func (b *ChainBuilder) WithDuplicateDetection(detector DuplicateDetector) *ChainBuilder {
	b.chain.Add(NewDuplicateDetectionInterceptor(detector))
	return b
}

// WithRetry adds a retry interceptor
func (b *ChainBuilder) WithRetry(policy reliability.RetryPolicy) *ChainBuilder {
	b.chain.Add(NewRetryInterceptor(policy).WithLogger(b.logger))
	return b
}

// WithTimeout adds a timeout interceptor
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCustom adds a custom interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built chain
func (b *ChainBuilder) Build() *Chain {
	return b.chain
}
