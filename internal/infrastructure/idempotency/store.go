// Package idempotency guards the pipeline against redelivered envelopes.
package idempotency

import "context"

// Store is the envelope-level idempotency contract.
// CheckAndMark atomically records a key and reports whether it already
// existed. Release drops a claim so a failed envelope can be reprocessed on
// redelivery.
type Store interface {
	CheckAndMark(ctx context.Context, key string) (duplicate bool, err error)
	Release(ctx context.Context, key string) error
}
