package messaging

import "time"

// Processing outcomes reported to MetricsCollector.RecordMessage
const (
	OutcomeAcked          = "acked"
	OutcomeNacked         = "nacked"
	OutcomeUnacknowledged = "unacknowledged"
	OutcomePanicked       = "panicked"
	OutcomeRejected       = "rejected"
)

// MetricsCollector collects subscription manager metrics
type MetricsCollector interface {
	// RecordMessage records one callback invocation
	RecordMessage(group, messageType string, duration time.Duration, outcome string)

	// RecordSubscribeAttempt records a broker-level subscribe attempt
	RecordSubscribeAttempt(destination string, success bool)

	// RecordResubscription records a retry scheduled after a failure
	RecordResubscription(destination string)

	// RecordAck records a transport acknowledgement
	RecordAck(deferred bool, success bool)

	// RecordQueueDepth records the ready queue length of a group
	RecordQueueDepth(group string, depth int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordMessage does nothing
func (n *NoOpMetricsCollector) RecordMessage(group, messageType string, duration time.Duration, outcome string) {
}

// RecordSubscribeAttempt does nothing
func (n *NoOpMetricsCollector) RecordSubscribeAttempt(destination string, success bool) {}

// RecordResubscription does nothing
func (n *NoOpMetricsCollector) RecordResubscription(destination string) {}

// RecordAck does nothing
func (n *NoOpMetricsCollector) RecordAck(deferred bool, success bool) {}

// RecordQueueDepth does nothing
func (n *NoOpMetricsCollector) RecordQueueDepth(group string, depth int) {}
