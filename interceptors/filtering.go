package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-relay/contracts"
)

// MessageFilter decides if a message should be processed
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg *contracts.BinaryMessage) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.BinaryMessage) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.BinaryMessage) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently short-circuits the message so it is acknowledged
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the message so it is negatively acknowledged
	SkipWithError
	// SkipWithLog is SkipSilently with an info log line
	SkipWithLog
)

// FilteringInterceptor only lets messages accepted by its filter through
type FilteringInterceptor struct {
	filter MessageFilter
	skip   SkipBehavior
	logger *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skip SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, skip: skip, logger: slog.Default()}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	i.logger = logger
	return i
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error {
	ok, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next.Handle(ctx, msg)
	}

	switch i.skip {
	case SkipWithError:
		return fmt.Errorf("message filtered: type=%s", msg.Type)
	case SkipWithLog:
		i.logger.Info("message filtered", "messageType", msg.Type)
	}
	return &ShortCircuitError{Reason: "message filtered"}
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter accepts a message when every filter accepts it
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates an AND filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.BinaryMessage) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter accepts a message when any filter accepts it
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates an OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.BinaryMessage) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// MessageTypeFilter accepts messages of the listed types
type MessageTypeFilter struct {
	allowed map[string]struct{}
}

// NewMessageTypeFilter creates a type filter
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = struct{}{}
	}
	return &MessageTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(ctx context.Context, msg *contracts.BinaryMessage) (bool, error) {
	_, ok := f.allowed[msg.Type]
	return ok, nil
}

// HeaderFilter accepts messages whose header key equals value. An empty value
// only requires the header to be present.
type HeaderFilter struct {
	key   string
	value string
}

// NewHeaderFilter creates a header filter
func NewHeaderFilter(key, value string) *HeaderFilter {
	return &HeaderFilter{key: key, value: value}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, msg *contracts.BinaryMessage) (bool, error) {
	v, ok := msg.Header(f.key)
	if !ok {
		return false, nil
	}
	return f.value == "" || v == f.value, nil
}

// ConditionalInterceptor applies an interceptor only to messages accepted by
// condition; other messages go straight to next
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{condition: condition, interceptor: interceptor}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error {
	ok, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("condition error: %w", err)
	}
	if !ok {
		return next.Handle(ctx, msg)
	}
	return i.interceptor.Intercept(ctx, msg, next)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("Conditional(%s)", i.interceptor.Name())
}
