package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/pkg/schema"
)

func nameEnv() NameEnv {
	return NameEnv{
		WorkflowID:  "wf-1",
		OwnerID:     "user-1",
		Name:        "Foxes in Snow!",
		ExecutionID: "exec-1",
		Run:         7,
		Clips:       3,
		Ext:         ".mp4",
		StartedAt:   time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC),
	}
}

func TestNamer_Default(t *testing.T) {
	n, err := NewNamer("")
	require.NoError(t, err)
	name, err := n.Name(nameEnv())
	require.NoError(t, err)
	assert.Equal(t, "foxes-in-snow_20260301_090507.mp4", name)

	env := nameEnv()
	env.Name = ""
	name, err = n.Name(env)
	require.NoError(t, err)
	assert.Equal(t, "wf-1_20260301_090507.mp4", name)
}

func TestNamer_Custom(t *testing.T) {
	n, err := NewNamer(`ownerId + "-" + string(run) + "-" + string(clips) + "clips"`)
	require.NoError(t, err)
	name, err := n.Name(nameEnv())
	require.NoError(t, err)
	assert.Equal(t, "user-1-7-3clips.mp4", name)
}

func TestNamer_KeepsExplicitExtension(t *testing.T) {
	n, err := NewNamer(`executionId + ext`)
	require.NoError(t, err)
	name, err := n.Name(nameEnv())
	require.NoError(t, err)
	assert.Equal(t, "exec-1.mp4", name)
}

func TestNamer_RejectsPaths(t *testing.T) {
	for _, src := range []string{`"../escape"`, `"a/b"`, `"  "`} {
		n, err := NewNamer(src)
		require.NoError(t, err, src)
		_, err = n.Name(nameEnv())
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err), src)
	}
}

func TestNamer_CompileErrors(t *testing.T) {
	_, err := NewNamer(`unknownVar + "x"`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = NewNamer(`run + 1`)
	assert.Error(t, err, "non-string result is rejected at compile time")
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "foxes-in-snow", Slug("  Foxes in Snow! "))
	assert.Equal(t, "a-b", Slug("a--b"))
	assert.Equal(t, "", Slug("!!!"))
	assert.Equal(t, "ñandú-2", Slug("Ñandú 2"))
}
