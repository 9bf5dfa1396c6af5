package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		HalfOpenMax:      1,
	})
	r.now = clk.now
	return r, clk
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	r := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, r.AllowRequest("render"))
	assert.Equal(t, CircuitClosed, r.GetState("render"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)

	r.RecordFailure("render")
	r.RecordFailure("render")
	assert.Equal(t, CircuitClosed, r.GetState("render"))

	assert.Equal(t, CircuitOpen, r.RecordFailure("render"))

	err := r.AllowRequest("render")
	require.Error(t, err)
	var re *schema.ReelflowError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, schema.ErrCodeCircuitOpen, re.Code)
	assert.Equal(t, "render", re.Details["backend"])
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)

	r.RecordFailure("render")
	r.RecordFailure("render")
	r.RecordSuccess("render")
	r.RecordFailure("render")
	r.RecordFailure("render")
	assert.Equal(t, CircuitClosed, r.GetState("render"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	r, clk := newTestRegistry(1, time.Minute)

	r.RecordFailure("render")
	require.Error(t, r.AllowRequest("render"))

	clk.advance(time.Minute)
	require.NoError(t, r.AllowRequest("render"), "first probe after cooldown is allowed")
	require.Error(t, r.AllowRequest("render"), "only one probe while half-open")

	r.RecordSuccess("render")
	assert.Equal(t, CircuitClosed, r.GetState("render"))
	assert.NoError(t, r.AllowRequest("render"))
}

func TestCircuitBreaker_ReleaseProbe(t *testing.T) {
	r, clk := newTestRegistry(1, time.Minute)

	r.RecordFailure("render")
	clk.advance(time.Minute)
	require.NoError(t, r.AllowRequest("render"))
	require.Error(t, r.AllowRequest("render"))

	r.ReleaseProbe("render")
	assert.NoError(t, r.AllowRequest("render"), "released slot can be taken again")

	r.RecordSuccess("render")
	r.ReleaseProbe("render")
	assert.Equal(t, CircuitClosed, r.GetState("render"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	r, clk := newTestRegistry(2, time.Minute)

	r.RecordFailure("render")
	r.RecordFailure("render")
	clk.advance(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, r.GetState("render"))

	require.NoError(t, r.AllowRequest("render"))
	assert.Equal(t, CircuitOpen, r.RecordFailure("render"))
	assert.Error(t, r.AllowRequest("render"))
}

func TestCircuitBreaker_PerBackendIsolation(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	r.RecordFailure("render")
	assert.Equal(t, CircuitOpen, r.GetState("render"))
	assert.Equal(t, CircuitClosed, r.GetState("prompts"))
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	r.RecordFailure("render")
	stats := r.GetStats("render")
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["consecutive_failures"])
	assert.Equal(t, 3, stats["failure_threshold"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
