package research

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransition_AllowedEdges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from State
		ev   Event
		want State
	}{
		{StatePending, EventDispatch, StateRunning},
		{StateRetrying, EventDispatch, StateRunning},
		{StateRunning, EventSucceed, StateSucceeded},
		{StateRunning, EventRetry, StateRetrying},
		{StateRunning, EventFail, StateFailed},
		{StateRetrying, EventFail, StateFailed},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.ev)
		require.NoError(t, err, "%s on %s", tc.ev, tc.from)
		require.Equal(t, tc.want, got)
	}
}

func TestTransition_RejectsIllegalEdges(t *testing.T) {
	t.Parallel()

	states := []State{StatePending, StateRunning, StateSucceeded, StateFailed, StateRetrying}
	events := []Event{EventDispatch, EventSucceed, EventRetry, EventFail}
	legal := map[State]map[Event]bool{
		StatePending:  {EventDispatch: true},
		StateRunning:  {EventSucceed: true, EventRetry: true, EventFail: true},
		StateRetrying: {EventDispatch: true, EventFail: true},
	}
	for _, from := range states {
		for _, ev := range events {
			if legal[from][ev] {
				continue
			}
			got, err := Transition(from, ev)
			require.Error(t, err, "%s on %s", ev, from)
			require.True(t, errors.Is(err, ErrIllegalTransition))
			require.Equal(t, from, got)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	require.True(t, StateSucceeded.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StatePending.Terminal())
	require.False(t, StateRunning.Terminal())
	require.False(t, StateRetrying.Terminal())
	require.False(t, State("BOGUS").Valid())
}

func TestNewStateChange(t *testing.T) {
	t.Parallel()

	prev := Task{ID: "t1", State: StateRunning, Attempts: 2}
	next := prev
	next.State = StateRetrying
	next.Error = &Failure{Code: CodeFetchFailed, Message: "upstream status 503"}

	change := NewStateChange(prev, next)
	require.Equal(t, "t1", change.TaskID)
	require.Equal(t, StateRunning, change.From)
	require.Equal(t, StateRetrying, change.To)
	require.Equal(t, 2, change.Attempt)
	require.Equal(t, "FETCH_FAILED: upstream status 503", change.Reason)

	created := NewStateChange(Task{}, Task{ID: "t2", State: StatePending})
	require.Equal(t, State(""), created.From)
	require.Empty(t, created.Reason)
}
