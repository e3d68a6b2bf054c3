package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryPushLegalChain(t *testing.T) {
	h := NewHistory(time.Now().UTC())
	var err error
	for _, tag := range []StateTag{Active, EvaluatingCondition, Building, Starting, TriedToStart, StartedRunning, RanSuccessfully, VerifiedSuccess, Finished} {
		h, err = h.Push(HistoryEntry{Tag: tag, Time: time.Now().UTC()})
		require.NoError(t, err, "pushing %s", tag)
	}
	assert.Equal(t, Finished, h.Latest().Tag)
	assert.Equal(t, StatusSuccessful, Simplify(h))
}

func TestHistoryPushIllegalTransition(t *testing.T) {
	h := NewHistory(time.Now().UTC())
	_, err := h.Push(HistoryEntry{Tag: StartedRunning, Time: time.Now().UTC()})
	require.Error(t, err)
	var progErr *ErrProgramming
	assert.ErrorAs(t, err, &progErr)
}

func TestSimplifyFailurePath(t *testing.T) {
	h := NewHistory(time.Now().UTC())
	h, err := h.Push(HistoryEntry{Tag: Active, Time: time.Now().UTC()})
	require.NoError(t, err)
	h, err = h.Push(HistoryEntry{Tag: EvaluatingCondition, Time: time.Now().UTC()})
	require.NoError(t, err)
	h, err = h.Push(HistoryEntry{Tag: Building, Time: time.Now().UTC()})
	require.NoError(t, err)
	h, err = h.Push(HistoryEntry{Tag: DependenciesFailed, Time: time.Now().UTC(), DepFailed: []string{"B"}})
	require.NoError(t, err)
	h, err = h.Push(HistoryEntry{Tag: Finished, Time: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, Simplify(h))
}

func TestKillableStatesMatchKillingPredecessors(t *testing.T) {
	for tag := range killableStates {
		assert.True(t, IsLegalTransition(tag, Killing), "expected %s -> killing to be legal", tag)
	}
}

func TestFlattenPreservesOrder(t *testing.T) {
	h := NewHistory(time.Now().UTC())
	h, err := h.Push(HistoryEntry{Tag: Active, Time: time.Now().UTC(), Log: "go"})
	require.NoError(t, err)
	flat := Flatten(h)
	require.Len(t, flat, 2)
	assert.Equal(t, Passive, flat[0].State)
	assert.Equal(t, Active, flat[1].State)
	assert.Equal(t, "go", flat[1].Message)
}
