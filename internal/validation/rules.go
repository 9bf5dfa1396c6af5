package validation

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/rendis/reelflow/pkg/schema"
)

// rule is a cross-field check on a definition. expr is a CEL expression over
// the variable "def" (the definition's JSON form) that must evaluate to true.
type rule struct {
	path     string
	expr     string
	message  string
	severity schema.ValidationSeverity
}

var definitionRules = []rule{
	{
		path:     "/concept",
		expr:     `(has(def.concept) && def.concept.trim() != "") || (has(def.name) && def.name.trim() != "")`,
		message:  "either concept or name must be set",
		severity: schema.SeverityError,
	},
	{
		path:     "/advancedSettings",
		expr:     `has(def.advancedSettings.width) == has(def.advancedSettings.height)`,
		message:  "width and height must be set together",
		severity: schema.SeverityError,
	},
	{
		path:     "/advancedSettings/width",
		expr:     `!has(def.advancedSettings.width) || int(def.advancedSettings.width) % 8 == 0`,
		message:  "width is not a multiple of 8; most backends will round it",
		severity: schema.SeverityWarning,
	},
	{
		path:     "/advancedSettings/height",
		expr:     `!has(def.advancedSettings.height) || int(def.advancedSettings.height) % 8 == 0`,
		message:  "height is not a multiple of 8; most backends will round it",
		severity: schema.SeverityWarning,
	},
	{
		path:     "/outputFolder",
		expr:     `!has(def.outputFolder) || !def.outputFolder.contains("..")`,
		message:  "outputFolder must not contain '..'",
		severity: schema.SeverityError,
	},
	{
		path:     "/advancedSettings/length",
		expr:     `!has(def.advancedSettings.length) || !has(def.advancedSettings.fps) || double(def.advancedSettings.length) / double(def.advancedSettings.fps) <= 60.0`,
		message:  "clip longer than 60 seconds; render jobs will likely time out",
		severity: schema.SeverityWarning,
	},
}

// RuleValidator evaluates definitionRules with CEL. Programs are compiled
// once and are safe for concurrent use.
type RuleValidator struct {
	programs []cel.Program
}

// NewRuleValidator compiles every rule.
func NewRuleValidator() (*RuleValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("def", cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	rv := &RuleValidator{programs: make([]cel.Program, len(definitionRules))}
	for i, r := range definitionRules {
		ast, iss := env.Compile(r.expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("compile rule %s: %w", r.path, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program rule %s: %w", r.path, err)
		}
		rv.programs[i] = prg
	}
	return rv, nil
}

// Validate evaluates every rule against def.
func (rv *RuleValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toMap(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition is not serializable: "+err.Error())
		return result
	}
	activation := map[string]any{"def": doc}

	for i, prg := range rv.programs {
		r := definitionRules[i]
		out, _, err := prg.Eval(activation)
		if err != nil {
			result.AddError(r.path, schema.ErrCodeValidation, fmt.Sprintf("rule evaluation failed: %v", err))
			continue
		}
		if ok, isBool := out.Value().(bool); isBool && ok {
			continue
		}
		if r.severity == schema.SeverityWarning {
			result.AddWarning(r.path, schema.ErrCodeValidation, r.message)
		} else {
			result.AddError(r.path, schema.ErrCodeValidation, r.message)
		}
	}
	return result
}

func toMap(def *schema.WorkflowDefinition) (map[string]any, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
