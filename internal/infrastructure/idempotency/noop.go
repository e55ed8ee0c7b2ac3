package idempotency

import "context"

// Noop is wired when Redis is disabled; every envelope looks new.
// The database dedupe window still suppresses duplicate notifications.
type Noop struct{}

func (Noop) CheckAndMark(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (Noop) Release(ctx context.Context, key string) error { return nil }
