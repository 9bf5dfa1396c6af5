package render

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/pkg/schema"
)

const videoTemplate = `{
  "3":  {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 20, "cfg": 7, "model": ["4", 0]}},
  "6":  {"class_type": "CLIPTextEncode", "inputs": {"text": "positive here"}},
  "7":  {"class_type": "CLIPTextEncode", "inputs": {"text": "negative here"}},
  "10": {"class_type": "EmptyLatentVideo", "inputs": {"width": 640, "height": 480, "num_frames": 24, "length": 99}},
  "12": {"class_type": "VHS_VideoCombine", "inputs": {"frame_rate": 8, "fps": 8}},
  "14": {"class_type": "LoadImage", "inputs": {"image": "placeholder.png"}},
  "20": {"class_type": "RandomNoise", "inputs": {"seed": 5}}
}`

func graphFrom(t *testing.T, raw string) map[string]any {
	t.Helper()
	var g map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	return g
}

func inputs(t *testing.T, g map[string]any, id string) map[string]any {
	t.Helper()
	node, ok := g[id].(map[string]any)
	require.True(t, ok, "node %s missing", id)
	in, ok := node["inputs"].(map[string]any)
	require.True(t, ok, "node %s has no inputs", id)
	return in
}

func TestFillTemplate_PromptsAndSettings(t *testing.T) {
	tpl := graphFrom(t, videoTemplate)
	out, err := FillTemplate(context.Background(), SubmitRequest{
		Template:  tpl,
		Prompt:    "a red fox in snow",
		ImageName: "seed_abc.png",
		Settings: schema.AdvancedSettings{
			NegativePrompt: "blurry",
			Width:          schema.Ptr(1024),
			Height:         schema.Ptr(576),
			FPS:            schema.Ptr(24),
			Steps:          schema.Ptr(30),
			CFGScale:       schema.Ptr(4.5),
			Length:         schema.Ptr(49),
			Seed:           schema.Ptr(int64(1234)),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "a red fox in snow", inputs(t, out, "6")["text"])
	assert.Equal(t, "blurry", inputs(t, out, "7")["text"])

	sampler := inputs(t, out, "3")
	assert.EqualValues(t, 30, sampler["steps"])
	assert.EqualValues(t, 4.5, sampler["cfg"])
	assert.EqualValues(t, 1234, sampler["seed"])
	assert.Equal(t, []any{"4", float64(0)}, sampler["model"])

	latent := inputs(t, out, "10")
	assert.EqualValues(t, 1024, latent["width"])
	assert.EqualValues(t, 576, latent["height"])
	assert.EqualValues(t, 49, latent["num_frames"], "first present frame key wins")
	assert.EqualValues(t, 99, latent["length"], "later frame keys are untouched")

	assert.EqualValues(t, 24, inputs(t, out, "12")["fps"])
	assert.EqualValues(t, 8, inputs(t, out, "12")["frame_rate"])
	assert.Equal(t, "seed_abc.png", inputs(t, out, "14")["image"])
	assert.EqualValues(t, 1234, inputs(t, out, "20")["seed"], "non-sampler nodes with a seed input get the seed")

	// The input template is not modified.
	assert.Equal(t, "positive here", inputs(t, tpl, "6")["text"])
}

func TestFillTemplate_UnsetSettingsLeaveTemplate(t *testing.T) {
	out, err := FillTemplate(context.Background(), SubmitRequest{
		Template: graphFrom(t, videoTemplate),
		Prompt:   "only the prompt",
	})
	require.NoError(t, err)

	assert.Equal(t, "only the prompt", inputs(t, out, "6")["text"])
	assert.Equal(t, "negative here", inputs(t, out, "7")["text"])
	assert.EqualValues(t, 20, inputs(t, out, "3")["steps"])
	assert.EqualValues(t, 640, inputs(t, out, "10")["width"])
	assert.Equal(t, "placeholder.png", inputs(t, out, "14")["image"])
}

func TestFillTemplate_NoDimensionsWhenKeyMissing(t *testing.T) {
	out, err := FillTemplate(context.Background(), SubmitRequest{
		Template: graphFrom(t, `{"1": {"class_type": "CLIPTextEncodeSDXL", "inputs": {"text": ""}}}`),
		Prompt:   "p",
		Settings: schema.AdvancedSettings{Width: schema.Ptr(512)},
	})
	require.NoError(t, err)
	in := inputs(t, out, "1")
	assert.Equal(t, "p", in["text"])
	assert.NotContains(t, in, "width")
}

func TestFillTemplate_NumericNodeOrder(t *testing.T) {
	// "10" sorts before "9" as a string but after it as a number.
	tpl := graphFrom(t, `{
	  "10": {"class_type": "CLIPTextEncode", "inputs": {"text": "b"}},
	  "9":  {"class_type": "CLIPTextEncode", "inputs": {"text": "a"}}
	}`)
	out, err := FillTemplate(context.Background(), SubmitRequest{
		Template: tpl, Prompt: "pos", Settings: schema.AdvancedSettings{NegativePrompt: "neg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pos", inputs(t, out, "9")["text"])
	assert.Equal(t, "neg", inputs(t, out, "10")["text"])
}

func TestFillTemplate_Wrapped(t *testing.T) {
	for _, key := range []string{"workflow", "prompt"} {
		tpl := map[string]any{key: graphFrom(t, `{"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "x"}}}`)}
		out, err := FillTemplate(context.Background(), SubmitRequest{Template: tpl, Prompt: "y"})
		require.NoError(t, err, key)
		assert.Equal(t, "y", inputs(t, out, "6")["text"], key)
	}
}

func TestFillTemplate_ToleratesOddNodes(t *testing.T) {
	tpl := graphFrom(t, `{
	  "note": "free text",
	  "1": {"class_type": "Reroute"},
	  "2": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}}
	}`)
	out, err := FillTemplate(context.Background(), SubmitRequest{Template: tpl, Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "free text", out["note"])
	assert.Equal(t, "p", inputs(t, out, "2")["text"])
}

func TestFillTemplate_Empty(t *testing.T) {
	_, err := FillTemplate(context.Background(), SubmitRequest{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
