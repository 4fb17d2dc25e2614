package engine

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

const (
	evGreet     = "greet"
	evStart     = "start"
	evHeard     = "heard"
	evRespond   = "respond"
	evDone      = "done"
	evInterrupt = "interrupt"
	evFail      = "fail"
	evEnd       = "end"
)

// newMachine builds the turn-taking machine:
//
//	IDLE -> (SPEAKING greeting) -> LISTENING -> THINKING -> SPEAKING -> LISTENING
//
// Any live state may end.
func newMachine() *fsm.FSM {
	idle := string(StatusIdle)
	listening := string(StatusListening)
	thinking := string(StatusThinking)
	speaking := string(StatusSpeaking)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: evGreet, Src: []string{idle}, Dst: speaking},
			{Name: evStart, Src: []string{idle}, Dst: listening},
			{Name: evHeard, Src: []string{listening}, Dst: thinking},
			{Name: evRespond, Src: []string{thinking}, Dst: speaking},
			{Name: evDone, Src: []string{speaking}, Dst: listening},
			{Name: evInterrupt, Src: []string{speaking}, Dst: listening},
			{Name: evFail, Src: []string{thinking}, Dst: listening},
			{Name: evEnd, Src: []string{idle, listening, thinking, speaking}, Dst: string(StatusEnded)},
		},
		fsm.Callbacks{},
	)
}

// transition fires event and returns the resulting status.
func transition(m *fsm.FSM, event string) (Status, error) {
	err := m.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return Status(m.Current()), err
	}
	return Status(m.Current()), nil
}
