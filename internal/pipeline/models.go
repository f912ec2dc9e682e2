package pipeline

import (
	"fmt"

	"video-digest/internal/bilibili"
)

// State is one stage of a run. States are also the step names on the wire.
type State string

const (
	StateParsing         State = "parsing"
	StateInfoFetched     State = "info_fetched"
	StateSubtitleChecked State = "subtitle_checked"
	StateAudioLocated    State = "audio_located"
	StateTranscribing    State = "transcribing"
	StateTranscribed     State = "transcribed"
	StateSummarized      State = "summarized"
	StateDone            State = "done"
	StateError           State = "error"
)

// StepProgress is the heartbeat step sent while recognition is pending. It
// is not a state and does not change the current one.
const StepProgress = "transcribe_progress"

// Source tags where a transcript came from.
type Source string

const (
	SourceSubtitle Source = "subtitle"
	SourceASR      Source = "asr"
)

// Event is one element of the ordered progress sequence of a run.
type Event struct {
	Step    string                  `json:"step"`
	Message string                  `json:"message"`
	Info    *bilibili.VideoMetadata `json:"info,omitempty"`
	Data    *Result                 `json:"data,omitempty"`
}

// Terminal reports whether e ends the run.
func (e Event) Terminal() bool {
	return e.Step == string(StateDone) || e.Step == string(StateError)
}

// Result is the payload of the done event.
type Result struct {
	Info             bilibili.VideoMetadata `json:"info"`
	Summary          string                 `json:"summary"`
	Source           Source                 `json:"source"`
	TranscriptLength int                    `json:"transcriptLength"`
}

// Request starts one run.
type Request struct {
	RunID string
	Input string
}

// StageError is a failure at a given state with a message fit for the caller.
type StageError struct {
	Stage   State
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
