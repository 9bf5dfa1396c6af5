package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Isolator prepares a command to run under limits. The returned cleanup
// must be called once the process has exited, and the caller must run the
// returned command instead of the original.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
}

var _ Isolator = (*ProcessIsolator)(nil)

// DefaultWaitDelay is how long output pipes may drain after a kill.
const DefaultWaitDelay = 5 * time.Second

// ProcessIsolator enforces the deadline only. The child is killed when the
// deadline passes or ctx ends.
type ProcessIsolator struct {
	WaitDelay time.Duration
}

// New returns a ProcessIsolator with the default wait delay.
func New() *ProcessIsolator {
	return &ProcessIsolator{WaitDelay: DefaultWaitDelay}
}

// Wrap clones cmd onto a context-bound command.
func (p *ProcessIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// Cancel and WaitDelay are only honored on commands built by CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process == nil {
			return nil
		}
		return wrapped.Process.Kill()
	}
	wrapped.WaitDelay = p.WaitDelay
	if wrapped.WaitDelay <= 0 {
		wrapped.WaitDelay = DefaultWaitDelay
	}
	return wrapped, cancel, nil
}

// ErrTimedOut marks a process killed because its deadline passed.
var ErrTimedOut = errors.New("process deadline exceeded")

// CombinedOutput wraps cmd with iso, runs it, and returns stdout and stderr
// interleaved. A run killed by limits.Timeout while ctx is still live
// returns an error wrapping ErrTimedOut.
func CombinedOutput(ctx context.Context, iso Isolator, cmd *exec.Cmd, limits Limits) ([]byte, error) {
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	// The deadline lives here so its expiry can be told apart from ctx ending.
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	defer cancel()
	inner := limits
	inner.Timeout = 0

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	}
	wrapped, cleanup, err := iso.Wrap(execCtx, cmd, inner)
	if err != nil {
		if timedOut() {
			return nil, fmt.Errorf("%s after %s: %w", cmd.Args[0], limits.Timeout, ErrTimedOut)
		}
		return nil, err
	}
	defer cleanup()

	err = wrapped.Run()
	if err != nil && timedOut() {
		return out.Bytes(), fmt.Errorf("%s after %s: %w", wrapped.Args[0], limits.Timeout, ErrTimedOut)
	}
	return out.Bytes(), err
}
