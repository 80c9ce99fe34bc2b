package app

import (
	"context"
	"strings"
	"time"

	"minutesai/internal/metrics"
	"minutesai/pkg/ai"
	"minutesai/pkg/domain"
	"minutesai/pkg/minutes"
)

const (
	stageTranscribe = "transcribe"
	stageSummarize  = "summarize"
	stagePersist    = "persist"
)

// TranscriptSlot caches the outcome of the transcription stage for one
// session. A stored failure is returned until a forced retry clears it.
type TranscriptSlot struct {
	Text string
	Err  *PipelineError
	Done bool
}

// MinutesSlot caches the outcome of the summary stage, keyed by the
// transcript and title it was produced from.
type MinutesSlot struct {
	Minutes    domain.Minutes
	Transcript string
	Title      string
	Err        *PipelineError
	Done       bool
}

type modelNamer interface {
	Model() string
}

// Stages runs the remote steps of the pipeline.
type Stages struct {
	transcriber ai.Transcriber
	generator   ai.TextGenerator
	now         func() time.Time
	metrics     *metrics.Pipeline
}

func NewStages(t ai.Transcriber, g ai.TextGenerator, now func() time.Time) *Stages {
	if now == nil {
		now = time.Now
	}
	return &Stages{transcriber: t, generator: g, now: now}
}

// Transcribe returns the cached transcript unless force is set. Empty audio
// fails without a network call.
func (s *Stages) Transcribe(ctx context.Context, audio *domain.Audio, slot *TranscriptSlot, force bool) (string, error) {
	if slot.Done && !force {
		s.metrics.ObserveStage(stageTranscribe, metrics.OutcomeCached, 0)
		if slot.Err != nil {
			return "", slot.Err
		}
		return slot.Text, nil
	}
	*slot = TranscriptSlot{}
	if audio == nil || audio.Size() == 0 {
		return "", newError(KindTranscription, ai.ErrEmptyAudio)
	}
	started := time.Now()
	text, err := s.transcriber.Transcribe(ctx, *audio)
	if err != nil {
		s.metrics.ObserveStage(stageTranscribe, metrics.OutcomeError, time.Since(started))
		pe := newError(KindTranscription, err)
		*slot = TranscriptSlot{Err: pe, Done: true}
		return "", pe
	}
	s.metrics.ObserveStage(stageTranscribe, metrics.OutcomeOK, time.Since(started))
	text = strings.TrimSpace(text)
	*slot = TranscriptSlot{Text: text, Done: true}
	return text, nil
}

// Summarize turns a transcript into minutes. Unparseable model output is
// not an error: it yields degraded minutes that keep the raw response.
func (s *Stages) Summarize(ctx context.Context, transcript, title string, slot *MinutesSlot, force bool) (domain.Minutes, error) {
	if strings.TrimSpace(transcript) == "" {
		return domain.Minutes{}, newError(KindValidation, ErrEmptyTranscript)
	}
	if slot.Done && !force && slot.Transcript == transcript && slot.Title == title {
		s.metrics.ObserveStage(stageSummarize, metrics.OutcomeCached, 0)
		if slot.Err != nil {
			return domain.Minutes{}, slot.Err
		}
		return slot.Minutes, nil
	}
	*slot = MinutesSlot{}

	started := time.Now()
	raw, err := s.generator.GenerateText(ctx, minutes.SystemPrompt, minutes.UserPrompt(title, transcript))
	if err != nil {
		s.metrics.ObserveStage(stageSummarize, metrics.OutcomeError, time.Since(started))
		pe := newError(KindSummarization, err)
		*slot = MinutesSlot{Transcript: transcript, Title: title, Err: pe, Done: true}
		return domain.Minutes{}, pe
	}
	outcome := metrics.OutcomeOK
	m, parseErr := minutes.Parse(raw)
	if parseErr != nil {
		m = minutes.Degraded(raw, parseErr)
		outcome = metrics.OutcomeDegraded
	}
	s.metrics.ObserveStage(stageSummarize, outcome, time.Since(started))
	if strings.TrimSpace(m.Title) == "" {
		m.Title = strings.TrimSpace(title)
	}
	m.Transcript = transcript
	m.GeneratedAt = s.now().UTC()
	if n, ok := s.generator.(modelNamer); ok {
		m.Model = n.Model()
	}
	*slot = MinutesSlot{Minutes: m, Transcript: transcript, Title: title, Done: true}
	return m, nil
}
