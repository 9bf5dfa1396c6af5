package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/reelflow/pkg/schema"
)

const definitionSchemaURL = "https://reelflow.dev/schemas/workflow-definition.json"

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://reelflow.dev/schemas/workflow-definition.json",
  "type": "object",
  "required": ["id", "videoJobTemplate"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "userId": { "type": "string" },
    "name": { "type": "string" },
    "concept": { "type": "string" },
    "videoJobTemplate": { "$ref": "#/$defs/jobTemplate" },
    "imageJobTemplate": { "$ref": "#/$defs/jobTemplate" },
    "schedule": { "type": "integer", "minimum": 1 },
    "scheduleCron": { "type": "string", "minLength": 1 },
    "numberOfClips": { "type": "integer", "minimum": 1, "maximum": 100 },
    "advancedSettings": { "$ref": "#/$defs/advancedSettings" },
    "outputFolder": { "type": "string" },
    "updatedAt": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "jobTemplate": {
      "type": "object",
      "required": ["graph"],
      "properties": {
        "fileName": { "type": "string" },
        "graph": { "type": "object", "minProperties": 1 }
      },
      "additionalProperties": false
    },
    "advancedSettings": {
      "type": "object",
      "properties": {
        "negativePrompt": { "type": "string" },
        "width": { "type": "integer", "minimum": 64, "maximum": 8192 },
        "height": { "type": "integer", "minimum": 64, "maximum": 8192 },
        "fps": { "type": "integer", "minimum": 1, "maximum": 240 },
        "steps": { "type": "integer", "minimum": 1, "maximum": 1000 },
        "cfgScale": { "type": "number", "exclusiveMinimum": 0, "maximum": 100 },
        "length": { "type": "integer", "minimum": 1 },
        "seed": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the shape of a definition against
// definitionSchemaJSON. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{definitionSchema: compiled}, nil
}

// Validate records one error per schema violation, keyed by instance location.
func (v *JSONSchemaValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition is not serializable: "+err.Error())
		return result
	}

	err = v.definitionSchema.Validate(doc)
	if err == nil {
		return result
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, vi := range collectViolations(verr) {
		result.AddError(vi.path, schema.ErrCodeValidation, vi.msg)
	}
	return result
}

type violation struct {
	path string
	msg  string
}

// collectViolations walks a ValidationError tree and returns its leaves.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		path := "/"
		if len(verr.InstanceLocation) > 0 {
			path = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: path, msg: verr.Error()}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
