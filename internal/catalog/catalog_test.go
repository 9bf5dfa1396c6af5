package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/internal/validation"
	"github.com/rendis/reelflow/pkg/schema"
)

type memDefStore struct {
	mu    sync.Mutex
	defs  map[string]*schema.WorkflowDefinition
	gets  int
	lists int
}

func newMemDefStore() *memDefStore {
	return &memDefStore{defs: map[string]*schema.WorkflowDefinition{}}
}

func (m *memDefStore) SaveDefinition(_ context.Context, d *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.defs[d.OwnerID+"/"+d.ID] = &cp
	return nil
}

func (m *memDefStore) ReplaceDefinitions(_ context.Context, owner string, defs []*schema.WorkflowDefinition) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]bool, len(defs))
	for _, d := range defs {
		cp := *d
		m.defs[owner+"/"+d.ID] = &cp
		keep[owner+"/"+d.ID] = true
	}
	removed := 0
	for k, d := range m.defs {
		if d.OwnerID == owner && !keep[k] {
			delete(m.defs, k)
			removed++
		}
	}
	return removed, nil
}

func (m *memDefStore) GetDefinition(_ context.Context, owner, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	d, ok := m.defs[owner+"/"+id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memDefStore) ListDefinitions(_ context.Context, owner string) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	var out []*schema.WorkflowDefinition
	for _, d := range m.defs {
		if d.OwnerID == owner {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func def(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      id,
		Name:    "wf " + id,
		Concept: "rain over a city",
		VideoTemplate: schema.JobTemplate{Graph: map[string]any{
			"1": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": ""}},
		}},
	}
}

func newCatalog(t *testing.T, st DefinitionStore) *Catalog {
	t.Helper()
	v, err := validation.NewDefinitionValidator()
	require.NoError(t, err)
	return New(st, v, nil)
}

func TestSync_CachesAndPersists(t *testing.T) {
	st := newMemDefStore()
	c := newCatalog(t, st)
	ctx := context.Background()

	res, err := c.Sync(ctx, "user-1", []*schema.WorkflowDefinition{def("b"), def("a")})
	require.NoError(t, err)
	assert.True(t, res.Valid())

	got, err := c.Get(ctx, "user-1", "a")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Equal(t, 0, st.gets, "cache hit must not reach the store")

	list, err := c.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, 0, st.lists)

	_, err = st.GetDefinition(ctx, "user-1", "b")
	assert.NoError(t, err)
}

func TestSync_LastWriteWins(t *testing.T) {
	c := newCatalog(t, newMemDefStore())
	ctx := context.Background()

	_, err := c.Sync(ctx, "user-1", []*schema.WorkflowDefinition{def("a"), def("b")})
	require.NoError(t, err)
	_, err = c.Sync(ctx, "user-1", []*schema.WorkflowDefinition{def("b")})
	require.NoError(t, err)

	list, err := c.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)

	_, err = c.Get(ctx, "user-1", "a")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestSync_DroppedDefinitionsStayGoneAfterRestart(t *testing.T) {
	st := newMemDefStore()
	ctx := context.Background()

	c := newCatalog(t, st)
	_, err := c.Sync(ctx, "user-1", []*schema.WorkflowDefinition{def("a"), def("b")})
	require.NoError(t, err)
	_, err = c.Sync(ctx, "user-1", []*schema.WorkflowDefinition{def("b")})
	require.NoError(t, err)

	restarted := newCatalog(t, st)
	_, err = restarted.Get(ctx, "user-1", "a")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	list, err := restarted.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)
}

func TestSync_EmptySetClearsOwner(t *testing.T) {
	st := newMemDefStore()
	ctx := context.Background()
	c := newCatalog(t, st)
	_, err := c.Sync(ctx, "user-1", []*schema.WorkflowDefinition{def("a")})
	require.NoError(t, err)
	_, err = c.Sync(ctx, "user-1", nil)
	require.NoError(t, err)

	list, err := newCatalog(t, st).List(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSync_RejectsInvalidBatch(t *testing.T) {
	st := newMemDefStore()
	c := newCatalog(t, st)

	bad := def("bad")
	bad.NumberOfClips = -1
	res, err := c.Sync(context.Background(), "user-1", []*schema.WorkflowDefinition{def("ok"), bad})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.False(t, res.Valid())
	assert.Empty(t, st.defs, "nothing is written when the batch is invalid")
}

func TestSync_RejectsForeignOwner(t *testing.T) {
	c := newCatalog(t, newMemDefStore())
	d := def("a")
	d.OwnerID = "user-2"
	res, err := c.Sync(context.Background(), "user-1", []*schema.WorkflowDefinition{d})
	require.Error(t, err)
	assert.Equal(t, "/definitions/0/userId", res.Errors[0].Path)
}

func TestSync_RequiresOwner(t *testing.T) {
	_, err := newCatalog(t, newMemDefStore()).Sync(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGet_FallsBackToStoreAndCaches(t *testing.T) {
	st := newMemDefStore()
	d := def("a")
	d.OwnerID = "user-1"
	require.NoError(t, st.SaveDefinition(context.Background(), d))

	c := newCatalog(t, st)
	for i := 0; i < 3; i++ {
		got, err := c.Get(context.Background(), "user-1", "a")
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
	}
	assert.Equal(t, 1, st.gets)

	_, err := c.Get(context.Background(), "user-1", "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestList_CompletesPartialOwner(t *testing.T) {
	st := newMemDefStore()
	for _, id := range []string{"a", "b", "c"} {
		d := def(id)
		d.OwnerID = "user-1"
		require.NoError(t, st.SaveDefinition(context.Background(), d))
	}
	c := newCatalog(t, st)

	_, err := c.Get(context.Background(), "user-1", "b")
	require.NoError(t, err)

	list, err := c.List(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = c.List(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.lists)
	assert.Equal(t, []string{"user-1"}, c.Owners())
}
