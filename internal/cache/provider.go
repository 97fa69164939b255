package cache

import (
	"context"
	"time"
)

// Provider is the key/value surface the resolver needs for cross-replica leases.
type Provider interface {
	// SetNX stores value under key only if the key is absent.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	Close() error
}

// NoopProvider grants every lease; suitable for single-replica deployments.
type NoopProvider struct{}

// SetNX reports success without storing anything.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// CompareAndDelete reports success.
func (NoopProvider) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return true, nil
}

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
