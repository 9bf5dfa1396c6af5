package render

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/reelflow/pkg/schema"
)

// fillProgram rewrites a node map (node id -> {class_type, inputs}) in place of
// a fixed schema: text encoders are located by class, numeric settings are
// written only where a node already exposes the input.
const fillProgram = `
def frame_keys: ["frames", "max_frames", "num_frames", "length", "frame_count", "total_frames"];

([ to_entries[]
   | select((.value | type) == "object")
   | select(.value.class_type | IN("CLIPTextEncode", "CLIPTextEncodeSDXL"))
   | .key ]
 | sort_by(tonumber? // infinite)) as $text
| if $prompt != null and ($text | length) > 0 then .[$text[0]].inputs.text = $prompt else . end
| if $negative != null and ($text | length) > 1 then .[$text[1]].inputs.text = $negative else . end
| map_values(
    if type != "object" then .
    elif (.inputs | type) != "object" then .
    else
      (.class_type | IN("KSampler", "KSamplerAdvanced")) as $sampler
      | (.class_type | IN("LoadImage", "LoadImageFromUrl")) as $loader
      | .inputs |= (
          reduce ("width", "height", "fps") as $k (.;
            if has($k) and $settings[$k] != null then .[$k] = $settings[$k] else . end)
          | if $sampler then
              reduce ("steps", "cfg", "seed") as $k (.;
                if $settings[$k] != null then .[$k] = $settings[$k] else . end)
            elif has("seed") and $settings.seed != null then .seed = $settings.seed
            else . end
          | if $settings.length != null then
              (first(frame_keys[] as $k | select(has($k)) | $k) // null) as $fk
              | if $fk != null then .[$fk] = $settings.length else . end
            else . end
          | if $loader and $image != null then .image = $image else . end
        )
    end
  )
`

var fillVariables = []string{"$prompt", "$negative", "$image", "$settings"}

var (
	fillOnce sync.Once
	fillCode *gojq.Code
	fillErr  error
)

func compiledFill() (*gojq.Code, error) {
	fillOnce.Do(func() {
		query, err := gojq.Parse(fillProgram)
		if err != nil {
			fillErr = err
			return
		}
		fillCode, fillErr = gojq.Compile(query,
			gojq.WithVariables(fillVariables),
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
	})
	return fillCode, fillErr
}

// UnwrapGraph returns the node map of a job template. Templates exported from
// some tools wrap it under "workflow" or "prompt".
func UnwrapGraph(graph map[string]any) map[string]any {
	for _, key := range []string{"workflow", "prompt"} {
		if inner, ok := graph[key].(map[string]any); ok {
			return inner
		}
	}
	return graph
}

// FillTemplate returns a copy of the template's node map with the request's
// prompt, negative prompt, settings and seed image applied. The input graph
// is left untouched.
func FillTemplate(ctx context.Context, req SubmitRequest) (map[string]any, error) {
	if len(req.Template) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "job template is empty")
	}
	code, err := compiledFill()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template fill program failed to compile").WithCause(err)
	}

	iter := code.RunWithContext(ctx, UnwrapGraph(req.Template),
		optString(req.Prompt), optString(req.Settings.NegativePrompt), optString(req.ImageName),
		settingsVars(req.Settings))

	v, ok := iter.Next()
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "template fill produced no graph")
	}
	if err, isErr := v.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template fill failed: %s", err.Error()).WithCause(err)
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "job template is not a node map")
	}
	return out, nil
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// settingsVars converts overrides to jq values. Unset fields stay null so the
// program leaves the template's value alone.
func settingsVars(s schema.AdvancedSettings) map[string]any {
	out := map[string]any{
		"width": nil, "height": nil, "fps": nil, "steps": nil,
		"cfg": nil, "length": nil, "seed": nil,
	}
	if s.Width != nil {
		out["width"] = *s.Width
	}
	if s.Height != nil {
		out["height"] = *s.Height
	}
	if s.FPS != nil {
		out["fps"] = *s.FPS
	}
	if s.Steps != nil {
		out["steps"] = *s.Steps
	}
	if s.CFGScale != nil {
		out["cfg"] = *s.CFGScale
	}
	if s.Length != nil {
		out["length"] = *s.Length
	}
	if s.Seed != nil {
		out["seed"] = int(*s.Seed)
	}
	return out
}
