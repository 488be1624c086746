package inflight_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/RNA4219/dispatchcore/internal/inflight"
	"github.com/RNA4219/dispatchcore/log"
)

func TestDoneBeforeAddPoisonsGroup(t *testing.T) {
	g := inflight.New(log.Default("test"))
	g.Done()
	assert.True(t, g.Poisoned())
}

func TestWaitReturnsImmediatelyOncePoisoned(t *testing.T) {
	g := inflight.New(log.Default("test"))
	g.Done() // unbalanced, poisons the group
	g.Wait() // must not block
}

func TestAddDoneBalancesWithoutPanicking(t *testing.T) {
	g := inflight.New(log.Default("test"))
	g.Add(1)
	g.Done()
	g.Wait()
	assert.False(t, g.Poisoned())
}

func TestOperationsAfterPoisonAreNoOps(t *testing.T) {
	g := inflight.New(log.Default("test"))
	g.Done()
	require := assert.New(t)
	require.True(g.Poisoned())
	g.Add(5)
	g.Done()
	g.Wait()
	require.True(g.Poisoned())
}
