package pipeline

import (
	"path/filepath"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/reelflow/pkg/schema"
)

// DefaultOutputNameExpr names outputs after the workflow and the run's start time.
const DefaultOutputNameExpr = `(name != "" ? slug(name) : workflowId) + "_" + startedAt.Format("20060102_150405") + ext`

// NameEnv is what an output-name expression can see.
type NameEnv struct {
	WorkflowID  string    `expr:"workflowId"`
	OwnerID     string    `expr:"ownerId"`
	Name        string    `expr:"name"`
	Concept     string    `expr:"concept"`
	ExecutionID string    `expr:"executionId"`
	Run         int       `expr:"run"` // 1-based execution number
	Clips       int       `expr:"clips"`
	Ext         string    `expr:"ext"` // includes the dot
	StartedAt   time.Time `expr:"startedAt"`
}

// Namer evaluates a compiled output-name expression. Safe for concurrent use.
type Namer struct {
	source  string
	program *vm.Program
}

// NewNamer compiles source. An empty source uses DefaultOutputNameExpr.
func NewNamer(source string) (*Namer, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultOutputNameExpr
	}
	prg, err := expr.Compile(source,
		expr.Env(NameEnv{}),
		expr.AsKind(reflect.String),
		expr.Function("slug", func(params ...any) (any, error) {
			return Slug(params[0].(string)), nil
		}, new(func(string) string)),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "output name expression %q: %s", source, err.Error()).WithCause(err)
	}
	return &Namer{source: source, program: prg}, nil
}

// Name evaluates the expression and returns a bare file name. The
// extension is appended when the expression left it out.
func (n *Namer) Name(env NameEnv) (string, error) {
	out, err := expr.Run(n.program, env)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "output name expression failed: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": n.source})
	}
	name, _ := out.(string)
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "output name %q is not a plain file name", name).
			WithDetails(map[string]any{"expression": n.source})
	}
	if env.Ext != "" && !strings.EqualFold(filepath.Ext(name), env.Ext) {
		name += env.Ext
	}
	return name, nil
}

// Slug lowercases s and replaces every run of non-alphanumerics with "-".
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
