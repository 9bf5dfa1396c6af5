package schema

import (
	"strings"
	"time"
)

// Defaults applied when a stored definition omits a field.
const (
	DefaultScheduleIntervalMinutes = 60
	DefaultNumberOfClips           = 1
	PromptHistoryCap               = 10
	DefaultContextLimit            = 5
)

// WorkflowDefinition describes one recurring generation job owned by a user.
// It is treated as read-only for the duration of an execution.
type WorkflowDefinition struct {
	ID                      string           `json:"id"`
	OwnerID                 string           `json:"userId"`
	Name                    string           `json:"name"`
	Concept                 string           `json:"concept,omitempty"`
	VideoTemplate           JobTemplate      `json:"videoJobTemplate"`
	ImageTemplate           *JobTemplate     `json:"imageJobTemplate,omitempty"` // present => image-seeded mode
	ScheduleIntervalMinutes int              `json:"schedule,omitempty"`
	ScheduleCron            string           `json:"scheduleCron,omitempty"` // optional 5-field cron, aligned after the interval
	NumberOfClips           int              `json:"numberOfClips,omitempty"`
	AdvancedSettings        AdvancedSettings `json:"advancedSettings"`
	OutputFolder            string           `json:"outputFolder,omitempty"`
	UpdatedAt               time.Time        `json:"updatedAt,omitempty"`
}

// JobTemplate is an opaque render-backend job graph plus the file it came from.
// The graph is either the node map itself or the node map wrapped under
// "workflow" or "prompt".
type JobTemplate struct {
	FileName string         `json:"fileName"`
	Graph    map[string]any `json:"graph"`
}

// AdvancedSettings override individual render parameters. Nil leaves the
// template value untouched.
type AdvancedSettings struct {
	NegativePrompt string   `json:"negativePrompt,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	FPS            *int     `json:"fps,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	CFGScale       *float64 `json:"cfgScale,omitempty"`
	Length         *int     `json:"length,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
}

// Interval returns the minimum gap between two runs.
func (d *WorkflowDefinition) Interval() time.Duration {
	m := d.ScheduleIntervalMinutes
	if m <= 0 {
		m = DefaultScheduleIntervalMinutes
	}
	return time.Duration(m) * time.Minute
}

// Clips returns the number of clips one execution produces.
func (d *WorkflowDefinition) Clips() int {
	if d.NumberOfClips <= 0 {
		return DefaultNumberOfClips
	}
	return d.NumberOfClips
}

// EffectiveConcept returns the concept, falling back to the definition name.
func (d *WorkflowDefinition) EffectiveConcept() string {
	if c := strings.TrimSpace(d.Concept); c != "" {
		return c
	}
	return d.Name
}

// ImageSeeded reports whether each run first renders a seed image.
func (d *WorkflowDefinition) ImageSeeded() bool {
	return d.ImageTemplate != nil && len(d.ImageTemplate.Graph) > 0
}

// ExecutionPhase is the coarse step a running workflow is in.
type ExecutionPhase string

const (
	PhaseNone              ExecutionPhase = ""
	PhaseGeneratingPrompts ExecutionPhase = "generating_prompts"
	PhaseExecutingRender   ExecutionPhase = "executing_render"
)

// WorkflowState is the persisted scheduling record for one (owner, workflow) pair.
type WorkflowState struct {
	OwnerID           string         `json:"userId"`
	WorkflowID        string         `json:"workflowId"`
	IsActive          bool           `json:"isActive"`
	IsRunning         bool           `json:"isRunning"`
	Cancelled         bool           `json:"cancelled"`
	LastExecutionTime *time.Time     `json:"lastExecutionTime"`
	NextExecutionTime *time.Time     `json:"nextExecutionTime"` // nil => runs only on activation
	LastJobID         string         `json:"lastPromptId,omitempty"`
	ExecutionCount    int            `json:"executionCount"`
	ExecutionPhase    ExecutionPhase `json:"executionPhase,omitempty"`
	ExecutionProgress int            `json:"executionProgress"`
	LastError         string         `json:"lastError,omitempty"`
	LastOutputPath    string         `json:"lastOutputPath,omitempty"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Due reports whether the scheduler should start a run at now.
func (s *WorkflowState) Due(now time.Time) bool {
	if !s.IsActive || s.IsRunning || s.Cancelled {
		return false
	}
	return s.NextExecutionTime != nil && !now.Before(*s.NextExecutionTime)
}

// StatePatch is a merge-patch over WorkflowState. Nil fields are left unchanged.
type StatePatch struct {
	IsActive                *bool
	IsRunning               *bool
	Cancelled               *bool
	LastExecutionTime       *time.Time
	NextExecutionTime       *time.Time
	ClearNextExecutionTime  bool
	LastJobID               *string
	IncrementExecutionCount bool
	ExecutionPhase          *ExecutionPhase
	ExecutionProgress       *int
	LastError               *string
	LastOutputPath          *string
}

// StateFilter narrows ListStates.
type StateFilter struct {
	OwnerID string
	Active  *bool
	Running *bool
}

// PromptHistoryEntry is one past run remembered for prompt diversification.
type PromptHistoryEntry struct {
	ID         int64     `json:"id,omitempty"`
	WorkflowID string    `json:"workflowId"`
	Timestamp  time.Time `json:"timestamp"`
	Concept    string    `json:"concept"`
	Prompts    []string  `json:"prompts"`
	Summary    string    `json:"summary,omitempty"`
	Embedding  []float64 `json:"embedding,omitempty"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
