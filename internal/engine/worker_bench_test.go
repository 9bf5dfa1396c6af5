package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func BenchmarkRunPool_Unbounded(b *testing.B) {
	pool := NewRunPool(0)
	defer pool.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.TrySubmit(ctx, func(ctx context.Context) error {
			return nil
		})
	}
	pool.Wait()
}

// BenchmarkRunPool_Saturated measures a tick-like producer that retries
// whenever every slot is taken.
func BenchmarkRunPool_Saturated(b *testing.B) {
	for _, size := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewRunPool(size)
			defer pool.Shutdown()
			ctx := context.Background()

			var completed int64
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				for {
					err := pool.TrySubmit(ctx, func(ctx context.Context) error {
						time.Sleep(time.Microsecond)
						atomic.AddInt64(&completed, 1)
						return nil
					})
					if !errors.Is(err, ErrPoolFull) {
						break
					}
					runtime.Gosched()
				}
			}
			pool.Wait()
		})
	}
}
