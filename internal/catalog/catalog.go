// Package catalog holds the per-owner cache of workflow definitions.
//
// The cache is reconciled by Sync, which replaces an owner's whole set
// (last write wins). Lookups that miss the cache fall back to the durable
// copy and write the hit back.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rendis/reelflow/pkg/schema"
)

// DefinitionStore is the durable copy of the definitions.
type DefinitionStore interface {
	ReplaceDefinitions(ctx context.Context, ownerID string, defs []*schema.WorkflowDefinition) (int, error)
	GetDefinition(ctx context.Context, ownerID, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, ownerID string) ([]*schema.WorkflowDefinition, error)
}

// BatchValidator checks a set of definitions before they are accepted.
type BatchValidator interface {
	ValidateAll(defs []*schema.WorkflowDefinition) *schema.ValidationResult
}

// Catalog is safe for concurrent use.
type Catalog struct {
	store     DefinitionStore
	validator BatchValidator
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	owners map[string]*ownerSet
}

// ownerSet is one owner's cached definitions. complete is false while only
// individual fallback hits are cached.
type ownerSet struct {
	defs     map[string]*schema.WorkflowDefinition
	complete bool
}

// New creates a Catalog. validator may be nil to accept definitions as given.
func New(store DefinitionStore, validator BatchValidator, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:     store,
		validator: validator,
		logger:    logger.With(slog.String("component", "catalog")),
		now:       time.Now,
		owners:    make(map[string]*ownerSet),
	}
}

// Sync replaces the owner's cached and durable definitions with defs, so
// dropped definitions stay gone after a restart. Definitions carrying a
// different owner are rejected. The whole batch is validated before anything
// is written.
func (c *Catalog) Sync(ctx context.Context, ownerID string, defs []*schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	if ownerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "owner id is required")
	}

	result := &schema.ValidationResult{}
	if c.validator != nil {
		result = c.validator.ValidateAll(defs)
	}
	for i, d := range defs {
		path := "/definitions/" + strconv.Itoa(i)
		switch {
		case d == nil:
			if c.validator == nil {
				result.AddError(path, schema.ErrCodeValidation, "workflow definition is nil")
			}
		case d.OwnerID != "" && d.OwnerID != ownerID:
			result.AddError(path+"/userId", schema.ErrCodeValidation, "definition belongs to owner "+d.OwnerID)
		}
	}
	if err := result.ToError(); err != nil {
		return result, err
	}

	now := c.now().UTC()
	set := make(map[string]*schema.WorkflowDefinition, len(defs))
	owned := make([]*schema.WorkflowDefinition, 0, len(defs))
	for _, d := range defs {
		cp := *d
		cp.OwnerID = ownerID
		cp.UpdatedAt = now
		set[cp.ID] = &cp
		owned = append(owned, &cp)
	}
	removed, err := c.store.ReplaceDefinitions(ctx, ownerID, owned)
	if err != nil {
		return result, err
	}

	c.mu.Lock()
	c.owners[ownerID] = &ownerSet{defs: set, complete: true}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "definitions synced",
		slog.String("owner_id", ownerID),
		slog.Int("count", len(set)),
		slog.Int("removed", removed),
		slog.Int("warnings", len(result.Warnings)))
	return result, nil
}

// Get returns one definition, from the cache or the durable copy.
// Definitions dropped by the owner's last Sync are not found.
func (c *Catalog) Get(ctx context.Context, ownerID, id string) (*schema.WorkflowDefinition, error) {
	c.mu.RLock()
	var def *schema.WorkflowDefinition
	complete := false
	if oset := c.owners[ownerID]; oset != nil {
		def, complete = oset.defs[id], oset.complete
	}
	c.mu.RUnlock()
	if def != nil {
		return def, nil
	}
	// A synced owner's set is authoritative.
	if complete {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id).WithWorkflow(id)
	}

	def, err := c.store.GetDefinition(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	oset := c.ownerLocked(ownerID)
	// A Sync that ran meanwhile wins.
	if cached, ok := oset.defs[id]; ok {
		return cached, nil
	}
	oset.defs[id] = def
	return def, nil
}

// List returns the owner's definitions ordered by id. Owners not synced
// in this process are completed from the durable copy.
func (c *Catalog) List(ctx context.Context, ownerID string) ([]*schema.WorkflowDefinition, error) {
	c.mu.RLock()
	oset := c.owners[ownerID]
	complete := oset != nil && oset.complete
	c.mu.RUnlock()

	if !complete {
		defs, err := c.store.ListDefinitions(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		oset = c.ownerLocked(ownerID)
		if !oset.complete {
			for _, d := range defs {
				if _, ok := oset.defs[d.ID]; !ok {
					oset.defs[d.ID] = d
				}
			}
			oset.complete = true
		}
		c.mu.Unlock()
	}

	c.mu.RLock()
	out := make([]*schema.WorkflowDefinition, 0, len(oset.defs))
	for _, d := range oset.defs {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) ownerLocked(ownerID string) *ownerSet {
	oset := c.owners[ownerID]
	if oset == nil {
		oset = &ownerSet{defs: make(map[string]*schema.WorkflowDefinition)}
		c.owners[ownerID] = oset
	}
	return oset
}

// Owners returns the owners currently cached.
func (c *Catalog) Owners() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.owners))
	for o := range c.owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
