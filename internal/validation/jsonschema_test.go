package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/pkg/schema"
)

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "wf-1",
		OwnerID: "user-1",
		Name:    "Foxes",
		Concept: "foxes playing in snow",
		VideoTemplate: schema.JobTemplate{
			FileName: "video.json",
			Graph: map[string]any{
				"6": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": ""}},
			},
		},
		ScheduleIntervalMinutes: 30,
		NumberOfClips:           3,
		AdvancedSettings: schema.AdvancedSettings{
			Width:  schema.Ptr(832),
			Height: schema.Ptr(480),
		},
	}
}

func issuePaths(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Path
	}
	return out
}

func TestJSONSchema_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	r := v.Validate(validDefinition())
	assert.True(t, r.Valid(), "unexpected errors: %v", r.Errors)
}

func TestJSONSchema_Violations(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(d *schema.WorkflowDefinition)
		path   string
	}{
		{"empty id", func(d *schema.WorkflowDefinition) { d.ID = "" }, "/id"},
		{"missing video graph", func(d *schema.WorkflowDefinition) { d.VideoTemplate.Graph = nil }, "/videoJobTemplate/graph"},
		{"empty video graph", func(d *schema.WorkflowDefinition) { d.VideoTemplate.Graph = map[string]any{} }, "/videoJobTemplate/graph"},
		{"empty image graph", func(d *schema.WorkflowDefinition) {
			d.ImageTemplate = &schema.JobTemplate{Graph: map[string]any{}}
		}, "/imageJobTemplate/graph"},
		{"negative schedule", func(d *schema.WorkflowDefinition) { d.ScheduleIntervalMinutes = -5 }, "/schedule"},
		{"negative clips", func(d *schema.WorkflowDefinition) { d.NumberOfClips = -1 }, "/numberOfClips"},
		{"tiny width", func(d *schema.WorkflowDefinition) { d.AdvancedSettings.Width = schema.Ptr(8) }, "/advancedSettings/width"},
		{"zero cfg", func(d *schema.WorkflowDefinition) { d.AdvancedSettings.CFGScale = schema.Ptr(0.0) }, "/advancedSettings/cfgScale"},
		{"negative seed", func(d *schema.WorkflowDefinition) { d.AdvancedSettings.Seed = schema.Ptr(int64(-1)) }, "/advancedSettings/seed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(d)
			r := v.Validate(d)
			require.False(t, r.Valid())
			assert.Contains(t, issuePaths(r.Errors), tt.path)
		})
	}
}

func TestJSONSchema_OmittedOptionalsAreValid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	d := validDefinition()
	d.ScheduleIntervalMinutes = 0
	d.NumberOfClips = 0
	d.AdvancedSettings = schema.AdvancedSettings{}
	r := v.Validate(d)
	assert.True(t, r.Valid(), "unexpected errors: %v", r.Errors)
}
