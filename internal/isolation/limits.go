// Package isolation runs external tools such as ffmpeg under a deadline and
// checks the files they touch against an allow list.
package isolation

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/reelflow/pkg/schema"
)

// Limits bounds one child process.
type Limits struct {
	Timeout       time.Duration `json:"timeout,omitempty"`
	ReadOnlyPaths []string      `json:"read_only_paths,omitempty"`
	WritablePaths []string      `json:"writable_paths,omitempty"`
	DenyPaths     []string      `json:"deny_paths,omitempty"`
}

// Access is the kind of file access being checked.
type Access int

const (
	Read Access = iota
	Write
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// ValidatePath reports a PATH_DENIED error unless path may be accessed.
// With no allow lists every path not denied is permitted. Writable paths
// are also readable. A deny rule that cannot be resolved denies everything.
func (l Limits) ValidatePath(path string, access Access) error {
	clean, err := resolve(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}
	for _, d := range l.DenyPaths {
		base, err := resolve(d)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied, "%s %q: bad deny rule %q", access, path, d)
		}
		if within(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "%s %q: path is denied", access, path)
		}
	}
	if len(l.ReadOnlyPaths) == 0 && len(l.WritablePaths) == 0 {
		return nil
	}
	if anyWithin(clean, l.WritablePaths) {
		return nil
	}
	if access == Read && anyWithin(clean, l.ReadOnlyPaths) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePathDenied, "%s %q: not under an allowed path", access, path)
}

func anyWithin(clean string, bases []string) bool {
	for _, b := range bases {
		base, err := resolve(b)
		if err != nil {
			continue
		}
		if within(clean, base) {
			return true
		}
	}
	return false
}

// resolve makes path absolute and resolves symlinks on its longest
// existing prefix, so files that do not exist yet compare like their parents.
func resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			rel, err := filepath.Rel(dir, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(real, rel), nil
		}
		if filepath.Dir(dir) == dir {
			return abs, nil
		}
	}
}

// within reports whether path is base or below it. /tmpx is not within /tmp.
func within(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
