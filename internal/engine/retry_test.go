package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUnreachable_Nil(t *testing.T) {
	assert.False(t, IsUnreachable(nil))
}

func TestIsUnreachable_ContextCanceled(t *testing.T) {
	assert.False(t, IsUnreachable(context.Canceled))
	assert.False(t, IsUnreachable(fmt.Errorf("poll: %w", context.Canceled)))
}

func TestIsUnreachable_Syscall(t *testing.T) {
	err := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	assert.True(t, IsUnreachable(err))
	assert.True(t, IsUnreachable(fmt.Errorf("submit: %w", syscall.ECONNREFUSED)))
}

func TestIsUnreachable_DNS(t *testing.T) {
	err := &net.DNSError{Err: "no such host", Name: "render.invalid"}
	assert.True(t, IsUnreachable(fmt.Errorf("get: %w", err)))
}

func TestIsUnreachable_RealDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := http.Get(url)
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
}

func TestIsUnreachable_Patterns(t *testing.T) {
	for _, msg := range []string{
		"HTTPConnectionPool: Max retries exceeded with url",
		"[WinError 10061] No connection could be made because the target machine actively refused it",
		"dial tcp: lookup comfy: Name or service not known",
	} {
		assert.True(t, IsUnreachable(errors.New(msg)), msg)
	}
}

func TestIsUnreachable_ApplicationErrors(t *testing.T) {
	assert.False(t, IsUnreachable(errors.New("unexpected status 500")))
	assert.False(t, IsUnreachable(errors.New("node 3: invalid prompt")))
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(30))
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 5, Base: time.Millisecond}, IsUnreachable,
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return syscall.ECONNREFUSED
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	err := Retry(context.Background(), Backoff{Attempts: 5, Base: time.Millisecond}, IsUnreachable,
		func(ctx context.Context) error {
			calls++
			return boom
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 3, Base: time.Millisecond}, IsUnreachable,
		func(ctx context.Context) error {
			calls++
			return syscall.ECONNREFUSED
		})
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 3, calls)
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
