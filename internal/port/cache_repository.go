package port

import (
	"context"
	"errors"
)

var ErrLockHeld = errors.New("lock held by another writer")

type ItemLocker interface {
	// Lock takes an exclusive lock on an item, returns ErrLockHeld if another
	// writer owns it. The returned release func must be called once.
	Lock(ctx context.Context, itemID string) (release func(ctx context.Context) error, err error)
}

type IdempotencyGuard interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency drops a key so the request it guarded may be retried.
	ReleaseIdempotency(ctx context.Context, key string) error
}
