package transcribe

import (
	"errors"
	"fmt"
	"time"
)

// Task statuses reported by the recognition service.
const (
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
)

var (
	// ErrMissingAPIKey is returned on first use when no credential is configured.
	ErrMissingAPIKey = errors.New("DASHSCOPE_API_KEY is not set; configure the recognition service credential")

	// ErrAudioTooLarge is returned before submission when the audio exceeds the size ceiling.
	ErrAudioTooLarge = errors.New("audio file exceeds the 200 MB limit; try a shorter video")

	// ErrRecognitionTimeout is returned when the job is still pending after the
	// last status check. It is distinct from an explicit job failure.
	ErrRecognitionTimeout = errors.New("speech recognition timed out; try a shorter video")

	// ErrEmptyTranscript is returned when a succeeded job produced no text.
	ErrEmptyTranscript = errors.New("speech recognition returned an empty transcript; the audio may contain no speech")

	// ErrMissingResultURL is returned when a succeeded job does not reference its result.
	ErrMissingResultURL = errors.New("speech recognition succeeded but returned no result address")
)

// JobFailedError reports a job the recognition service marked as failed.
type JobFailedError struct {
	Reason string
}

func (e *JobFailedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("speech recognition failed: %s (the audio may be unreachable or in an unsupported format)", reason)
}

// Progress is a heartbeat emitted while a job is pending.
type Progress struct {
	Attempt int
	Elapsed time.Duration
}

// submitResponse is the reply to a job submission. A missing task id is an
// error regardless of HTTP status.
type submitResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Output  struct {
		TaskID  string `json:"task_id"`
		Message string `json:"message"`
	} `json:"output"`
}

func (r submitResponse) errorMessage() string {
	switch {
	case r.Message != "":
		return r.Message
	case r.Output.Message != "":
		return r.Output.Message
	case r.Code != "":
		return r.Code
	}
	return "no task id in response"
}

type statusResponse struct {
	Output struct {
		TaskStatus string `json:"task_status"`
		Message    string `json:"message"`
		Results    []struct {
			TranscriptionURL string `json:"transcription_url"`
		} `json:"results"`
	} `json:"output"`
}

func (r statusResponse) resultURL() string {
	if len(r.Output.Results) == 0 {
		return ""
	}
	return r.Output.Results[0].TranscriptionURL
}

// resultDocument is the transcription result referenced by a succeeded job.
type resultDocument struct {
	Transcripts []struct {
		Text      string `json:"text"`
		Sentences []struct {
			Text string `json:"text"`
		} `json:"sentences"`
	} `json:"transcripts"`
}
