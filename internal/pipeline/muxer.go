package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/reelflow/internal/isolation"
	"github.com/rendis/reelflow/pkg/schema"
)

// Muxer joins clips, in order, into one file without re-encoding.
type Muxer interface {
	Concat(ctx context.Context, clips []string, out string) error
}

// DefaultMuxTimeout bounds one ffmpeg concat run.
const DefaultMuxTimeout = 10 * time.Minute

// FFmpegMuxer runs the ffmpeg concat demuxer with stream copy. Clips must
// sit in the same directory tree as out.
type FFmpegMuxer struct {
	Path     string // ffmpeg binary, default "ffmpeg"
	Timeout  time.Duration
	Isolator isolation.Isolator
	Logger   *slog.Logger
}

// Concat writes clips to a list file next to out and runs
// ffmpeg -f concat -safe 0 -i list -c copy out.
func (m *FFmpegMuxer) Concat(ctx context.Context, clips []string, out string) error {
	if len(clips) == 0 {
		return schema.NewError(schema.ErrCodeMux, "no clips to concatenate")
	}
	limits := m.limits(out)
	for _, c := range clips {
		if err := limits.ValidatePath(c, isolation.Read); err != nil {
			return schema.NewError(schema.ErrCodeMux, "clip outside the run workspace").WithCause(err)
		}
	}
	if err := limits.ValidatePath(out, isolation.Write); err != nil {
		return schema.NewError(schema.ErrCodeMux, "output outside the run workspace").WithCause(err)
	}

	list := filepath.Join(filepath.Dir(out), "concat_list.txt")
	if err := os.WriteFile(list, []byte(concatList(clips)), 0o644); err != nil {
		return schema.NewError(schema.ErrCodeMux, "write concat list").WithCause(err)
	}
	defer os.Remove(list)

	bin := m.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", list, "-c", "copy", out}
	iso := m.Isolator
	if iso == nil {
		iso = isolation.New()
	}
	output, err := isolation.CombinedOutput(ctx, iso, exec.Command(bin, args...), limits)
	if err != nil {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "concatenation interrupted").WithCause(ctx.Err())
		}
		if errors.Is(err, isolation.ErrTimedOut) {
			return schema.NewErrorf(schema.ErrCodeMux, "ffmpeg concat timed out after %s", limits.Timeout).WithCause(err)
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return schema.NewErrorf(schema.ErrCodeMux, "ffmpeg not runnable at %q", bin).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeMux, "ffmpeg concat failed: %v", err).
			WithCause(err).
			WithDetails(map[string]any{"output": tail(string(output), 2048)})
	}
	if m.Logger != nil {
		m.Logger.DebugContext(ctx, "clips concatenated", slog.Int("clips", len(clips)), slog.String("out", out))
	}
	return nil
}

// limits confines ffmpeg to the directory of out, which holds the clips.
func (m *FFmpegMuxer) limits(out string) isolation.Limits {
	l := isolation.Limits{Timeout: m.Timeout, WritablePaths: []string{filepath.Dir(out)}}
	if l.Timeout <= 0 {
		l.Timeout = DefaultMuxTimeout
	}
	return l
}

// concatList renders the concat demuxer's list format. Single quotes in
// paths are closed, escaped and reopened.
func concatList(clips []string) string {
	var b strings.Builder
	for _, c := range clips {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(c, "'", `'\''`))
	}
	return b.String()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
