package rabbitmq

import "github.com/subalert/notification-worker/internal/apperrors"

// Disposition is the terminal act for one delivery.
type Disposition int

const (
	// DispositionAck acknowledges the message: processing succeeded.
	DispositionAck Disposition = iota
	// DispositionDLQ dead-letters the payload and acknowledges the original.
	DispositionDLQ
	// DispositionRequeue nacks for broker redelivery.
	DispositionRequeue
)

// Decide maps a (possibly nil) processing error onto the delivery
// disposition. In-task retries already happened by the time an error reaches
// here, so classified failures dead-letter. Only unclassified errors earn one
// broker redelivery; a redelivered message that fails again dead-letters too,
// so a poison message cannot loop forever.
func Decide(err error, redelivered bool) Disposition {
	if err == nil {
		return DispositionAck
	}
	if apperrors.CodeOf(err) == apperrors.CodeInternal && !redelivered {
		return DispositionRequeue
	}
	return DispositionDLQ
}
