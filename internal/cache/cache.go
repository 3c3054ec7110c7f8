package cache

import (
	"context"
	"time"
)

// Cache stores report payloads keyed by string. Implementations must treat
// every failure as a miss; reports are always recomputable.
type Cache interface {
	Get(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// Noop is used when no Redis address is configured.
type Noop struct{}

func (Noop) Get(context.Context, string, any) bool       { return false }
func (Noop) Set(context.Context, string, any, time.Duration) {}
