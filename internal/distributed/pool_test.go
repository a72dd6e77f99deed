package distributed

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_GrowsAndShrinksWithHysteresis(t *testing.T) {
	// Arrange: min=1, max=4, eight files waiting, nobody running yet.
	const waitCount = 8
	p := NewPool(1, 4, waitCount, 10*time.Minute)
	now := time.Unix(0, 0)
	tick := func() { now = now.Add(15 * time.Second) }

	// Act: first check with a backlog of eight.
	plan := p.Check(8, now)

	// Assert: grows straight to max, not beyond.
	assert.Equal(t, 4, plan.Launch)
	for i := 0; i < plan.Launch; i++ {
		p.Add(&Worker{ID: fmt.Sprintf("w%d", i), State: Starting, Since: now})
	}
	tick()
	assert.Zero(t, p.Check(8, now).Launch, "workers already starting cover the backlog up to max")

	// Workers register and take files.
	for _, w := range p.Workers() {
		w.State = Busy
	}
	tick()
	plan = p.Check(4, now)
	assert.Zero(t, plan.Launch)
	assert.Empty(t, plan.Retire)
	assert.Equal(t, 4, p.Size())

	// Backlog drains; everyone goes idle.
	for _, w := range p.Workers() {
		w.State = Idle
		w.Since = now
	}
	for i := 1; i < waitCount; i++ {
		tick()
		plan = p.Check(0, now)
		require.Empty(t, plan.Retire, "retired after only %d idle checks", i)
		require.Equal(t, 4, p.Size())
	}

	tick()
	plan = p.Check(0, now)
	assert.Len(t, plan.Retire, 3)
	assert.Equal(t, 1, p.Size(), "never below min")
	for _, w := range plan.Retire {
		assert.Equal(t, Draining, w.State)
	}

	for i := 0; i < 2*waitCount; i++ {
		tick()
		assert.Empty(t, p.Check(0, now).Retire)
	}
	assert.Equal(t, 1, p.Size())
}

func TestPool_BusyWorkerResetsIdleCount(t *testing.T) {
	p := NewPool(0, 2, 3, time.Minute)
	now := time.Unix(0, 0)
	w := &Worker{ID: "w", State: Idle, Since: now}
	p.Add(w)

	p.Check(0, now)
	p.Check(0, now)
	w.State = Busy
	p.Check(0, now)
	w.State = Idle
	p.Check(0, now)
	p.Check(0, now)

	assert.Equal(t, 2, w.IdleChecks)
	assert.Equal(t, Idle, w.State)
}

func TestPool_KeepsMinimumWithoutBacklog(t *testing.T) {
	p := NewPool(2, 4, 8, time.Minute)

	plan := p.Check(0, time.Unix(0, 0))

	assert.Equal(t, 2, plan.Launch)
}

func TestPool_NoLaunchWhileAWorkerIsIdle(t *testing.T) {
	p := NewPool(0, 4, 8, time.Minute)
	now := time.Unix(0, 0)
	p.Add(&Worker{ID: "idle", State: Idle, Since: now})

	plan := p.Check(5, now)

	assert.Zero(t, plan.Launch)
}

func TestPool_StartupTimeout(t *testing.T) {
	// Arrange
	p := NewPool(0, 2, 8, time.Minute)
	start := time.Unix(0, 0)
	p.Add(&Worker{ID: "slow", State: Starting, Since: start})

	// Act
	early := p.Check(1, start.Add(30*time.Second))
	late := p.Check(1, start.Add(2*time.Minute))

	// Assert
	assert.Empty(t, early.Expired)
	assert.Zero(t, early.Launch, "one worker is already starting for one file")
	require.Len(t, late.Expired, 1)
	assert.Equal(t, "slow", late.Expired[0].ID)
	assert.Nil(t, p.Get("slow"), "expired workers are not counted")
	assert.Equal(t, 1, late.Launch, "the next check asks again")
}
