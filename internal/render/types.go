package render

import (
	"path"
	"strings"

	"github.com/rendis/reelflow/pkg/schema"
)

// State is the lifecycle position of a job on the render backend.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateNotFound  State = "not_found"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// ArtifactRef locates an output file on the render backend.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Ext returns the artifact's file extension including the dot, or "".
func (a ArtifactRef) Ext() string {
	return strings.ToLower(path.Ext(a.Filename))
}

// JobStatus is one observation of a submitted job.
type JobStatus struct {
	State    State        `json:"state"`
	Artifact *ArtifactRef `json:"artifact,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// SubmitRequest is a template plus the values to fill into it.
// Zero-valued fields leave the template as-is.
type SubmitRequest struct {
	Template  map[string]any
	Prompt    string
	ImageName string // seed image already uploaded to the backend
	Settings  schema.AdvancedSettings
}

// wire formats

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

type historyRecord struct {
	Outputs map[string]map[string]any `json:"outputs"`
	Status  struct {
		StatusStr string  `json:"status_str"`
		Completed bool    `json:"completed"`
		Messages  [][]any `json:"messages"`
	} `json:"status"`
}

type queueResponse struct {
	Running [][]any `json:"queue_running"`
	Pending [][]any `json:"queue_pending"`
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}
