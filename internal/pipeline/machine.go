package pipeline

import "fmt"

// machine tracks the current state of one run and emits one event per
// transition.
type machine struct {
	state State
	emit  func(Event)
}

func newMachine(emit func(Event)) *machine {
	return &machine{state: StateParsing, emit: emit}
}

// start emits the initial parsing event.
func (m *machine) start(msg string) {
	m.emit(Event{Step: string(StateParsing), Message: msg})
}

// transition moves to next and emits ev with its step set to next.
func (m *machine) transition(next State, ev Event) error {
	if !isValidTransition(m.state, next) {
		return fmt.Errorf("invalid transition: %s -> %s", m.state, next)
	}
	m.state = next
	ev.Step = string(next)
	m.emit(ev)
	return nil
}

// heartbeat emits a progress event without changing state. It is only
// valid while transcribing.
func (m *machine) heartbeat(msg string) {
	if m.state != StateTranscribing {
		return
	}
	m.emit(Event{Step: StepProgress, Message: msg})
}

// fail moves to the error state and emits the terminal error event. It is
// a no-op once the run is terminal, so a run never emits two terminal events.
func (m *machine) fail(msg string) {
	if m.terminal() {
		return
	}
	m.state = StateError
	m.emit(Event{Step: string(StateError), Message: msg})
}

func (m *machine) terminal() bool {
	return m.state == StateDone || m.state == StateError
}

// isValidTransition enforces the forward-only edges of a run. error is
// reachable from every non-terminal state.
func isValidTransition(from, to State) bool {
	if to == StateError {
		return from != StateDone && from != StateError
	}
	switch from {
	case StateParsing:
		return to == StateInfoFetched
	case StateInfoFetched:
		return to == StateSubtitleChecked
	case StateSubtitleChecked:
		return to == StateAudioLocated || to == StateSummarized
	case StateAudioLocated:
		return to == StateTranscribing
	case StateTranscribing:
		return to == StateTranscribed
	case StateTranscribed:
		return to == StateSummarized
	case StateSummarized:
		return to == StateDone
	default:
		return false
	}
}
