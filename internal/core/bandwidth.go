package core

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// BandwidthManager is an optional global speed ceiling applied inside the
// streaming copy loop, independent of the per-task rate estimator the
// progress bus maintains. Zero overhead when disabled.
type BandwidthManager struct {
	limiter atomic.Pointer[rate.Limiter]
	enabled atomic.Bool
}

func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{}
}

// SetLimit sets the global ceiling in bytes/sec; 0 disables it. A new
// ceiling starts with a full bucket of one second's worth of bytes.
func (b *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		b.enabled.Store(false)
		return
	}
	b.limiter.Store(rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec))
	b.enabled.Store(true)
}

// Wait blocks until n bytes may be consumed under the current ceiling.
func (b *BandwidthManager) Wait(ctx context.Context, n int) error {
	if !b.enabled.Load() {
		return nil
	}
	limiter := b.limiter.Load()
	if limiter == nil {
		return nil
	}
	return limiter.WaitN(ctx, n)
}
