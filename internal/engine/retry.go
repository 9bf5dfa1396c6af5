package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// unreachablePatterns are substrings of transport errors that mean the remote
// side could not be reached at all, as opposed to answering with a failure.
var unreachablePatterns = []string{
	"connection refused",
	"actively refused",
	"failed to establish a new connection",
	"max retries exceeded",
	"name or service not known",
	"nodename nor servname provided",
	"no such host",
	"connection aborted",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"network is unreachable",
	"temporary failure in name resolution",
}

// IsUnreachable reports whether err indicates the remote service is offline:
// dial failures, DNS failures, resets and network timeouts.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	// Cancellation is ours, not the backend's.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range unreachablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Backoff is an exponential retry policy with a delay cap.
type Backoff struct {
	Attempts int           // total tries, including the first
	Base     time.Duration // delay before the second try
	Max      time.Duration // 0 means uncapped
}

// Delay returns the wait before try number attempt+1 (attempt is zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Retry runs fn until it succeeds, returns an error retryable rejects, or
// the attempts are exhausted. The last error is returned.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 || !retryable(err) {
			return err
		}
		if werr := WaitForBackoff(ctx, b.Delay(i)); werr != nil {
			return err
		}
	}
	return err
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
