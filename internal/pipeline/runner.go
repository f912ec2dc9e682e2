package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"video-digest/internal/bilibili"
	"video-digest/internal/cache"
	"video-digest/internal/platform/metrics"
	"video-digest/internal/transcribe"
)

const (
	// MinDurationSeconds and MaxDurationSeconds bound the supported video length.
	MinDurationSeconds = 30
	MaxDurationSeconds = 30 * 60

	// MinCaptionChars is the caption length a transcript must exceed to be used.
	MinCaptionChars = 50

	progressBuffer = 8
)

// Resolver extracts a video identifier from user input.
type Resolver interface {
	Resolve(ctx context.Context, input string) (string, bool)
}

// VideoSource provides metadata and captions. Captions returns "" when none
// are available.
type VideoSource interface {
	Metadata(ctx context.Context, bvid string) (bilibili.VideoMetadata, error)
	Captions(ctx context.Context, ref bilibili.VideoRef) string
}

// AudioLocator finds the audio stream of a video.
type AudioLocator interface {
	Locate(ctx context.Context, ref bilibili.VideoRef) (string, error)
}

// Transcriber runs speech recognition jobs.
type Transcriber interface {
	Submit(ctx context.Context, audioURL string) (string, error)
	Poll(ctx context.Context, jobID string, progress chan<- transcribe.Progress) (string, error)
}

// Summarizer turns a transcript into notes.
type Summarizer interface {
	Summarize(ctx context.Context, transcript, title string, durationSeconds int) (string, error)
}

// TranscriptCache stores transcripts across runs.
type TranscriptCache interface {
	Get(ctx context.Context, key string) (cache.Entry, bool)
	Set(ctx context.Context, key string, e cache.Entry)
}

// Deps are the collaborators of a Runner. Cache is optional.
type Deps struct {
	Resolver    Resolver
	Source      VideoSource
	Locator     AudioLocator
	Transcriber Transcriber
	Summarizer  Summarizer
	Cache       TranscriptCache
}

// Runner executes pipeline runs. It is safe for concurrent use; each Run
// owns its own state.
type Runner struct {
	deps    Deps
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRunner returns a Runner. Metrics may be nil.
func NewRunner(deps Deps, log *slog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{deps: deps, log: log, metrics: m}
}

// Run executes one pipeline run, emitting events in order through emit.
// Exactly one terminal event (done or error) is emitted, and emit is never
// called after Run returns. The returned error is the failure reported in
// the error event, or nil after done.
func (r *Runner) Run(ctx context.Context, req Request, emit func(Event)) error {
	log := r.log.With(slog.String("run_id", req.RunID))
	m := newMachine(emit)

	if r.metrics != nil {
		r.metrics.PipelineStarted()
		defer r.metrics.PipelineFinished()
	}

	start := time.Now()
	res, err := r.run(ctx, log, m, req.Input)
	if err != nil {
		msg := userMessage(ctx, err)
		log.Error("pipeline failed",
			slog.String("stage", string(m.state)),
			slog.String("error", err.Error()),
			slog.Duration("took", time.Since(start)))
		m.fail(msg)
		r.observe("error", "")
		return err
	}

	if err := m.transition(StateDone, Event{Message: "Summary ready", Data: &res}); err != nil {
		m.fail(err.Error())
		return err
	}
	log.Info("pipeline finished",
		slog.String("bvid", res.Info.BVID),
		slog.String("source", string(res.Source)),
		slog.Int("transcript_chars", res.TranscriptLength),
		slog.Duration("took", time.Since(start)))
	r.observe("done", res.Source)
	return nil
}

func (r *Runner) run(ctx context.Context, log *slog.Logger, m *machine, input string) (Result, error) {
	m.start("Parsing video link...")

	bvid, ok := r.deps.Resolver.Resolve(ctx, input)
	if !ok {
		return Result{}, &StageError{
			Stage:   StateParsing,
			Message: "invalid video link; expected a link like https://www.bilibili.com/video/BVxxxxxxxxxx",
		}
	}
	log = log.With(slog.String("bvid", bvid))

	info, err := r.deps.Source.Metadata(ctx, bvid)
	if err != nil {
		return Result{}, &StageError{Stage: StateParsing, Message: "failed to fetch video info: " + err.Error(), Err: err}
	}
	minutes := roundMinutes(info.Duration)
	if err := m.transition(StateInfoFetched, Event{
		Message: fmt.Sprintf("📺 %s (%d min · by %s)", info.Title, minutes, info.Owner),
		Info:    &info,
	}); err != nil {
		return Result{}, err
	}

	if info.Duration > MaxDurationSeconds {
		return Result{}, &StageError{
			Stage:   StateInfoFetched,
			Message: fmt.Sprintf("video is %d minutes long, over the %d minute limit; choose a shorter video", minutes, MaxDurationSeconds/60),
		}
	}
	if info.Duration < MinDurationSeconds {
		return Result{}, &StageError{
			Stage:   StateInfoFetched,
			Message: fmt.Sprintf("video is shorter than %d seconds; nothing to summarize", MinDurationSeconds),
		}
	}

	ref := info.Ref()
	transcript, source, err := r.transcript(ctx, log, m, ref)
	if err != nil {
		return Result{}, err
	}

	summary, err := r.deps.Summarizer.Summarize(ctx, transcript, info.Title, info.Duration)
	if err != nil {
		return Result{}, &StageError{Stage: m.state, Message: err.Error(), Err: err}
	}
	if err := m.transition(StateSummarized, Event{Message: "✅ Summary generated"}); err != nil {
		return Result{}, err
	}

	return Result{
		Info:             info,
		Summary:          summary,
		Source:           source,
		TranscriptLength: utf8.RuneCountInString(transcript),
	}, nil
}

// transcript obtains the transcript from the cache, the captions, or speech
// recognition, in that order.
func (r *Runner) transcript(ctx context.Context, log *slog.Logger, m *machine, ref bilibili.VideoRef) (string, Source, error) {
	key := cache.Key(ref.BVID, ref.CID)
	if r.deps.Cache != nil {
		if e, ok := r.deps.Cache.Get(ctx, key); ok && e.Text != "" {
			log.Info("transcript cache hit", slog.String("source", e.Source))
			msg := fmt.Sprintf("✅ Using cached transcript (%d chars), generating summary...", utf8.RuneCountInString(e.Text))
			if err := m.transition(StateSubtitleChecked, Event{Message: msg}); err != nil {
				return "", "", err
			}
			return e.Text, Source(e.Source), nil
		}
	}

	captions := r.deps.Source.Captions(ctx, ref)
	if n := utf8.RuneCountInString(captions); n > MinCaptionChars {
		msg := fmt.Sprintf("✅ Captions found (%d chars), generating summary...", n)
		if err := m.transition(StateSubtitleChecked, Event{Message: msg}); err != nil {
			return "", "", err
		}
		r.store(ctx, key, SourceSubtitle, captions)
		return captions, SourceSubtitle, nil
	}
	if err := m.transition(StateSubtitleChecked, Event{Message: "No usable captions, locating audio stream..."}); err != nil {
		return "", "", err
	}

	audioURL, err := r.deps.Locator.Locate(ctx, ref)
	if err != nil {
		return "", "", &StageError{Stage: StateSubtitleChecked, Message: err.Error(), Err: err}
	}
	if err := m.transition(StateAudioLocated, Event{Message: "Audio stream located, submitting speech recognition job..."}); err != nil {
		return "", "", err
	}

	jobID, err := r.deps.Transcriber.Submit(ctx, audioURL)
	if err != nil {
		return "", "", &StageError{Stage: StateAudioLocated, Message: err.Error(), Err: err}
	}
	log.Info("recognition job submitted", slog.String("job_id", jobID))
	if err := m.transition(StateTranscribing, Event{Message: "Speech recognition in progress, please wait..."}); err != nil {
		return "", "", err
	}

	text, err := r.poll(ctx, m, jobID)
	if err != nil {
		return "", "", &StageError{Stage: StateTranscribing, Message: err.Error(), Err: err}
	}
	msg := fmt.Sprintf("✅ Speech recognition complete (%d chars), generating summary...", utf8.RuneCountInString(text))
	if err := m.transition(StateTranscribed, Event{Message: msg}); err != nil {
		return "", "", err
	}
	r.store(ctx, key, SourceASR, text)
	return text, SourceASR, nil
}

// poll waits for jobID, forwarding heartbeats as progress events. The
// forwarder is drained before poll returns, so no heartbeat can follow the
// next transition.
func (r *Runner) poll(ctx context.Context, m *machine, jobID string) (string, error) {
	progress := make(chan transcribe.Progress, progressBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			m.heartbeat(fmt.Sprintf("Speech recognition in progress... waited %d s", int(p.Elapsed.Seconds())))
		}
	}()

	text, err := r.deps.Transcriber.Poll(ctx, jobID, progress)
	close(progress)
	<-forwarded
	return text, err
}

func (r *Runner) store(ctx context.Context, key string, source Source, text string) {
	if r.deps.Cache == nil {
		return
	}
	r.deps.Cache.Set(ctx, key, cache.Entry{Source: string(source), Text: text})
}

func (r *Runner) observe(outcome string, source Source) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObservePipelineRun(outcome)
	if source != "" {
		r.metrics.ObserveTranscriptSource(string(source))
	}
}

// userMessage renders err for the terminal error event. A context
// cancelled with a cause other than plain cancellation reports that cause.
func userMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
			return cause.Error()
		}
		return "request cancelled"
	}
	var se *StageError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

func roundMinutes(seconds int) int {
	return int(math.Round(float64(seconds) / 60))
}
