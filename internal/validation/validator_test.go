package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/pkg/schema"
)

func newValidator(t *testing.T) *DefinitionValidator {
	t.Helper()
	v, err := NewDefinitionValidator()
	require.NoError(t, err)
	return v
}

func TestValidate_Nil(t *testing.T) {
	r := newValidator(t).Validate(nil)
	require.False(t, r.Valid())
	assert.Contains(t, r.Errors[0].Message, "nil")
}

func TestValidate_Valid(t *testing.T) {
	v := newValidator(t)
	r := v.Validate(validDefinition())
	assert.True(t, r.Valid(), "unexpected errors: %v", r.Errors)
	assert.Empty(t, r.Warnings)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestRules(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		mutate  func(d *schema.WorkflowDefinition)
		path    string
		warning bool
	}{
		{"no concept or name", func(d *schema.WorkflowDefinition) { d.Concept, d.Name = "  ", "" }, "/concept", false},
		{"width without height", func(d *schema.WorkflowDefinition) { d.AdvancedSettings.Height = nil }, "/advancedSettings", false},
		{"escaping output folder", func(d *schema.WorkflowDefinition) { d.OutputFolder = "../../etc" }, "/outputFolder", false},
		{"odd width", func(d *schema.WorkflowDefinition) { d.AdvancedSettings.Width = schema.Ptr(830) }, "/advancedSettings/width", true},
		{"long clip", func(d *schema.WorkflowDefinition) {
			d.AdvancedSettings.Length = schema.Ptr(2000)
			d.AdvancedSettings.FPS = schema.Ptr(16)
		}, "/advancedSettings/length", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(d)
			r := v.Validate(d)
			if tt.warning {
				assert.True(t, r.Valid(), "unexpected errors: %v", r.Errors)
				assert.Contains(t, issuePaths(r.Warnings), tt.path)
				return
			}
			require.False(t, r.Valid())
			assert.Contains(t, issuePaths(r.Errors), tt.path)
		})
	}
}

func TestRules_NameStandsInForConcept(t *testing.T) {
	d := validDefinition()
	d.Concept = ""
	assert.True(t, newValidator(t).Validate(d).Valid())
}

func TestValidate_Cron(t *testing.T) {
	v := newValidator(t)

	d := validDefinition()
	d.ScheduleCron = "0 */6 * * *"
	assert.True(t, v.Validate(d).Valid())

	d.ScheduleCron = "every tuesday"
	r := v.Validate(d)
	require.False(t, r.Valid())
	assert.Contains(t, issuePaths(r.Errors), "/scheduleCron")
}

func TestValidate_StructuralShortCircuits(t *testing.T) {
	d := validDefinition()
	d.ID = ""
	d.OutputFolder = "../x"
	r := newValidator(t).Validate(d)
	assert.Equal(t, []string{"/id"}, issuePaths(r.Errors))
}

func TestValidateDefinition_Error(t *testing.T) {
	d := validDefinition()
	d.NumberOfClips = -2
	err := newValidator(t).ValidateDefinition(d)
	require.Error(t, err)

	var re *schema.ReelflowError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, schema.ErrCodeValidation, re.Code)
	assert.Equal(t, "wf-1", re.WorkflowID)
	assert.Contains(t, re.Message, "/numberOfClips")
}

func TestValidateAll(t *testing.T) {
	a := validDefinition()
	b := validDefinition()
	b.ID = "wf-2"
	c := validDefinition()
	c.ID = "wf-3"
	c.NumberOfClips = -1
	dup := validDefinition()

	r := newValidator(t).ValidateAll([]*schema.WorkflowDefinition{a, b, c, dup})
	require.False(t, r.Valid())
	paths := issuePaths(r.Errors)
	assert.Contains(t, paths, "/definitions/2/numberOfClips")
	assert.Contains(t, paths, "/definitions/3/id")
	assert.Len(t, paths, 2)
	for _, issue := range r.Errors {
		if issue.Path == "/definitions/3/id" {
			assert.Contains(t, issue.Message, `duplicate id "wf-1" (first at index 0)`)
		}
	}
}
