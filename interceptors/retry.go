package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
)

// RetryInterceptor retries the rest of the chain in process before the message
// is acknowledged. Short-circuits and permanent errors are not retried.
type RetryInterceptor struct {
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(policy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{policy: policy, logger: slog.Default()}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, msg *contracts.BinaryMessage, next MessageHandler) error {
	attempt := 0
	return reliability.Retry(ctx, r.policy, func() error {
		attempt++
		err := next.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		if IsShortCircuit(err) {
			return reliability.PermanentError{Err: err}
		}
		r.logger.Debug("handler failed, retrying if allowed",
			"messageType", msg.Type,
			"attempt", attempt,
			"error", err,
		)
		return err
	})
}

// Name implements Interceptor
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
