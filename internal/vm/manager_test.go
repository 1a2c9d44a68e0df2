package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []State{StateNotStarted, StateBooting, StateReady, StateShuttingDown, StateStopped}
	allowed := map[[2]State]bool{
		{StateNotStarted, StateBooting}:   true,
		{StateBooting, StateReady}:        true,
		{StateBooting, StateShuttingDown}: true,
		{StateReady, StateShuttingDown}:   true,
		{StateShuttingDown, StateStopped}: true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestLifecycleNotifiesObserver(t *testing.T) {
	var moves [][2]State
	l := newLifecycle(func(from, to State) { moves = append(moves, [2]State{from, to}) })

	require.NoError(t, l.transition(StateBooting))
	require.NoError(t, l.transition(StateReady))
	err := l.transition(StateBooting)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, l.transition(StateShuttingDown))
	require.NoError(t, l.transition(StateStopped))
	assert.ErrorIs(t, l.transition(StateBooting), ErrInvalidTransition)

	assert.Equal(t, [][2]State{
		{StateNotStarted, StateBooting},
		{StateBooting, StateReady},
		{StateReady, StateShuttingDown},
		{StateShuttingDown, StateStopped},
	}, moves)
	assert.Equal(t, StateStopped, l.current())
}
