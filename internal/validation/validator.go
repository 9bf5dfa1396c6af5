// Package validation checks workflow definitions before they are cached or run.
package validation

import (
	"fmt"

	"github.com/rendis/reelflow/internal/schedule"
	"github.com/rendis/reelflow/pkg/schema"
)

// DefinitionValidator runs the two validation stages:
// 1. Structural (JSON Schema)
// 2. Cross-field rules (CEL) and the cron expression
type DefinitionValidator struct {
	structure *JSONSchemaValidator
	rules     *RuleValidator
}

// NewDefinitionValidator compiles the schema and the rules.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	rv, err := NewRuleValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{structure: jsv, rules: rv}, nil
}

// Validate returns every problem found in def. Structural errors
// short-circuit the rule stage.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := v.structure.Validate(def)
	if !result.Valid() {
		return result
	}
	result.MergeAt("", v.rules.Validate(def))

	if def.ScheduleCron != "" {
		if _, err := schedule.ParseCron(def.ScheduleCron); err != nil {
			result.AddError("/scheduleCron", schema.ErrCodeValidation, err.Error())
		}
	}
	return result
}

// ValidateDefinition returns a VALIDATION_ERROR when def is invalid.
func (v *DefinitionValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	err := v.Validate(def).ToError()
	if err != nil && def != nil {
		return err.(*schema.ReelflowError).WithWorkflow(def.ID)
	}
	return err
}

// ValidateAll checks a batch, prefixing each issue with the definition's
// index, and rejects duplicate ids.
func (v *DefinitionValidator) ValidateAll(defs []*schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]int, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("/definitions/%d", i)
		result.MergeAt(prefix, v.Validate(def))
		if def == nil || def.ID == "" {
			continue
		}
		if first, dup := seen[def.ID]; dup {
			result.AddError(prefix+"/id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate id %q (first at index %d)", def.ID, first))
			continue
		}
		seen[def.ID] = i
	}
	return result
}
