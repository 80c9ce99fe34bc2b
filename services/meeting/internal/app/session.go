package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"minutesai/internal/metrics"
	"minutesai/internal/util"
	"minutesai/pkg/ai"
	"minutesai/pkg/domain"
	"minutesai/pkg/scratch"
)

// SessionState is the recording status of a session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateAcquiring SessionState = "acquiring"
	StateRecording SessionState = "recording"
	StateStopped   SessionState = "stopped"
	StateError     SessionState = "error"
)

var sessionTransitions = map[SessionState][]SessionState{
	StateIdle:      {StateAcquiring, StateStopped, StateError},
	StateAcquiring: {StateRecording, StateError},
	StateRecording: {StateStopped, StateError},
	StateStopped:   {StateStopped},
	StateError:     {StateStopped},
}

var (
	ErrInvalidState  = errors.New("invalid session state")
	ErrSessionClosed = errors.New("session closed")
	ErrAlreadySaved  = errors.New("recording already saved")
)

// Capture failure kinds reported by the client.
const (
	CapturePermissionDenied = "permission_denied"
	CaptureDeviceNotFound   = "device_not_found"
)

// ProcessOptions controls one transcribe, summarize and persist run.
type ProcessOptions struct {
	Title              string
	RetryTranscription bool
	RetrySummary       bool
}

// AudioInfo describes the assembled audio without its bytes.
type AudioInfo struct {
	MimeType   string `json:"mimeType"`
	Filename   string `json:"filename,omitempty"`
	SizeBytes  int64  `json:"sizeBytes"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// ErrorInfo is the last failure as shown to the user.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Snapshot is a read-only copy of session state.
type Snapshot struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	State           SessionState    `json:"state"`
	SliceDurationMs int64           `json:"sliceDurationMs"`
	Chunks          int             `json:"chunks"`
	Audio           *AudioInfo      `json:"audio,omitempty"`
	Transcript      string          `json:"transcript,omitempty"`
	Minutes         *domain.Minutes `json:"minutes,omitempty"`
	MeetingID       string          `json:"meetingId,omitempty"`
	JobID           string          `json:"jobId,omitempty"`
	Busy            bool            `json:"busy"`
	Error           *ErrorInfo      `json:"error,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type eventResult struct {
	value any
	err   error
}

type event struct {
	name  string
	apply func(ctx context.Context) (any, error)
	reply chan eventResult
}

// Session is one user's recording and its pipeline. Every operation is an
// event on a queue drained by a single goroutine, so capture, assembly and
// the remote stages never overlap. Reads go through Snapshot and do not
// wait behind a running stage.
type Session struct {
	id      string
	userID  string
	sliceMs int64
	stages  *Stages
	saver   *Meetings
	chunks  *scratch.ChunkBuffer
	metrics *metrics.Pipeline
	logger  *slog.Logger
	now     func() time.Time

	events    chan event
	cancel    context.CancelFunc
	exited    chan struct{}
	closeOnce sync.Once

	// Owned by the run loop.
	state      SessionState
	audio      *domain.Audio
	transcript TranscriptSlot
	minutes    MinutesSlot
	meeting    *domain.Meeting
	lastErr    *PipelineError
	jobID      string
	busy       bool

	snapshot atomic.Pointer[Snapshot]
}

type sessionDeps struct {
	stages  *Stages
	saver   *Meetings
	scratch scratch.Scratch
	slice   time.Duration
	now     func() time.Time
	metrics *metrics.Pipeline
}

func newSession(parent context.Context, id, userID string, deps sessionDeps) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:      id,
		userID:  userID,
		sliceMs: deps.slice.Milliseconds(),
		stages:  deps.stages,
		saver:   deps.saver,
		chunks:  scratch.NewChunkBuffer(deps.scratch, userID),
		metrics: deps.metrics,
		logger:  slog.Default().With("session_id", id, "user_id", userID),
		now:     deps.now,
		events:  make(chan event),
		cancel:  cancel,
		exited:  make(chan struct{}),
		state:   StateIdle,
	}
	s.publish()
	go s.run(ctx)
	return s
}

func (s *Session) run(ctx context.Context) {
	defer close(s.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			value, err := ev.apply(ctx)
			s.publish()
			ev.reply <- eventResult{value: value, err: err}
		}
	}
}

// Close stops the run loop. A stage in flight sees its context canceled.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.exited
	})
}

// send queues an event and waits for its result. If the caller gives up the
// event still runs to completion.
func (s *Session) send(ctx context.Context, name string, apply func(ctx context.Context) (any, error)) (any, error) {
	ev := event{name: name, apply: apply, reply: make(chan eventResult, 1)}
	select {
	case s.events <- ev:
	case <-s.exited:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-ev.reply:
		return res.value, res.err
	case <-s.exited:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

func (s *Session) transition(to SessionState, action string) error {
	if !slices.Contains(sessionTransitions[s.state], to) {
		return fmt.Errorf("%w: session is %s, cannot %s", ErrInvalidState, s.state, action)
	}
	if s.state != to {
		s.logger.Info("session state changed", "from", s.state, "to", to)
	}
	s.state = to
	return nil
}

func (s *Session) requireState(action string, allowed ...SessionState) error {
	if !slices.Contains(allowed, s.state) {
		return fmt.Errorf("%w: session is %s, cannot %s", ErrInvalidState, s.state, action)
	}
	return nil
}

// abort moves to the error state and drops buffered chunks.
func (s *Session) abort(ctx context.Context, pe *PipelineError) error {
	if err := s.chunks.Clear(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("clear scratch after capture error failed", "err", err)
	}
	s.lastErr = pe
	if err := s.transition(StateError, "abort"); err != nil {
		s.logger.Error("unexpected abort", "err", err)
		s.state = StateError
	}
	s.logger.Warn("recording aborted", "err", pe)
	return pe
}

// setAudio installs a new recording and resets everything derived from the
// previous one.
func (s *Session) setAudio(audio domain.Audio) {
	s.audio = &audio
	s.transcript = TranscriptSlot{}
	s.minutes = MinutesSlot{}
	s.meeting = nil
	s.lastErr = nil
	s.jobID = ""
}

// Start begins acquisition. Scratch left by an earlier recording is dropped.
// Starting while acquiring or recording changes nothing.
func (s *Session) Start(ctx context.Context) (Snapshot, error) {
	_, err := s.send(ctx, "start", func(ctx context.Context) (any, error) {
		if s.state == StateAcquiring || s.state == StateRecording {
			return nil, nil
		}
		if err := s.transition(StateAcquiring, "start recording"); err != nil {
			return nil, err
		}
		if err := s.chunks.Clear(ctx); err != nil {
			return nil, s.abort(ctx, captureError("clear scratch: %v", err))
		}
		return nil, nil
	})
	return s.Snapshot(), err
}

// Acquired records that the client obtained the microphone.
func (s *Session) Acquired(ctx context.Context) (Snapshot, error) {
	_, err := s.send(ctx, "acquired", func(context.Context) (any, error) {
		return nil, s.transition(StateRecording, "begin recording")
	})
	return s.Snapshot(), err
}

// CaptureFailed records a client-side capture failure. Nothing captured so
// far is kept.
func (s *Session) CaptureFailed(ctx context.Context, kind, detail string) (Snapshot, error) {
	_, err := s.send(ctx, "capture_failed", func(ctx context.Context) (any, error) {
		if err := s.requireState("report a capture error", StateAcquiring, StateRecording); err != nil {
			return nil, err
		}
		var cause error
		switch kind {
		case CapturePermissionDenied:
			cause = ErrPermissionDenied
		case CaptureDeviceNotFound:
			cause = ErrDeviceNotFound
		default:
			cause = errors.New("audio capture failed")
		}
		if detail != "" {
			cause = fmt.Errorf("%w: %s", cause, detail)
		}
		s.audio = nil
		_ = s.abort(ctx, newError(KindCapture, cause))
		return nil, nil
	})
	return s.Snapshot(), err
}

// AppendChunk buffers one recorded slice in scratch and returns its index.
// A scratch write failure aborts the recording.
func (s *Session) AppendChunk(ctx context.Context, chunk domain.Chunk) (int, error) {
	v, err := s.send(ctx, "chunk", func(ctx context.Context) (any, error) {
		if err := s.requireState("accept audio", StateRecording); err != nil {
			return 0, err
		}
		if len(chunk.Data) == 0 {
			return 0, newError(KindValidation, errors.New("chunk is empty"))
		}
		index, err := s.chunks.Append(ctx, chunk)
		if err != nil {
			return 0, s.abort(ctx, scratchFailure(err))
		}
		s.metrics.ChunkStored(len(chunk.Data))
		return index, nil
	})
	index, _ := v.(int)
	return index, err
}

func scratchFailure(err error) *PipelineError {
	if errors.Is(err, scratch.ErrQuotaExceeded) {
		return captureError("local storage is full, recording aborted: %w", err)
	}
	return captureError("could not buffer recording: %w", err)
}

// Stop flushes an optional final slice, assembles every buffered slice and
// clears scratch.
func (s *Session) Stop(ctx context.Context, final *domain.Chunk) (Snapshot, error) {
	_, err := s.send(ctx, "stop", func(ctx context.Context) (any, error) {
		if err := s.requireState("stop", StateRecording); err != nil {
			return nil, err
		}
		if final != nil && len(final.Data) > 0 {
			if _, err := s.chunks.Append(ctx, *final); err != nil {
				return nil, s.abort(ctx, scratchFailure(err))
			}
		}
		audio, err := s.assembleScratch(ctx)
		if err != nil {
			return nil, s.abort(ctx, newError(KindCapture, err))
		}
		audio.Filename = "recording." + ai.AudioExtension(audio.MimeType)
		if err := s.transition(StateStopped, "stop"); err != nil {
			return nil, err
		}
		s.setAudio(audio)
		s.logger.Info("recording stopped", "size_bytes", audio.Size(), "duration_ms", audio.DurationMs)
		return nil, nil
	})
	return s.Snapshot(), err
}

// Recover assembles slices left in scratch by an interrupted recording.
func (s *Session) Recover(ctx context.Context) (Snapshot, error) {
	_, err := s.send(ctx, "recover", func(ctx context.Context) (any, error) {
		if err := s.requireState("recover a recording", StateIdle); err != nil {
			return nil, err
		}
		audio, err := s.assembleScratch(ctx)
		if errors.Is(err, ErrNoChunks) {
			return nil, newError(KindValidation, err)
		}
		if err != nil {
			return nil, s.abort(ctx, newError(KindCapture, err))
		}
		audio.Filename = "recovered." + ai.AudioExtension(audio.MimeType)
		if err := s.transition(StateStopped, "recover a recording"); err != nil {
			return nil, err
		}
		s.setAudio(audio)
		s.logger.Info("recording recovered", "size_bytes", audio.Size())
		return nil, nil
	})
	return s.Snapshot(), err
}

func (s *Session) assembleScratch(ctx context.Context) (domain.Audio, error) {
	chunks, err := s.chunks.Load(ctx)
	if errors.Is(err, scratch.ErrMissingChunk) {
		return domain.Audio{}, fmt.Errorf("%w: %v", ErrReconstruction, err)
	}
	if err != nil {
		return domain.Audio{}, fmt.Errorf("read buffered recording: %w", err)
	}
	audio, err := Assemble(chunks)
	if err != nil {
		return domain.Audio{}, err
	}
	if err := s.chunks.Clear(ctx); err != nil {
		s.logger.Warn("clear scratch after assemble failed", "err", err)
	}
	return audio, nil
}

// Upload accepts a whole file as the session's audio. The caller validates
// type and size first. A live recording must be stopped before.
func (s *Session) Upload(ctx context.Context, audio domain.Audio) (Snapshot, error) {
	_, err := s.send(ctx, "upload", func(context.Context) (any, error) {
		if err := s.requireState("accept an upload", StateIdle, StateStopped, StateError); err != nil {
			return nil, err
		}
		if err := s.transition(StateStopped, "accept an upload"); err != nil {
			return nil, err
		}
		s.setAudio(audio)
		s.logger.Info("audio uploaded", "size_bytes", audio.Size(), "mime_type", audio.MimeType)
		return nil, nil
	})
	return s.Snapshot(), err
}

// MarkQueued records the job that will process this session.
func (s *Session) MarkQueued(ctx context.Context, jobID string) error {
	_, err := s.send(ctx, "queued", func(context.Context) (any, error) {
		s.jobID = jobID
		return nil, nil
	})
	return err
}

// Process runs transcribe, summarize and persist in order. Cached stage
// results are reused unless the matching retry option is set. A record
// already saved for this audio is returned as is, and retrying a stage
// after that is refused so the archive holds one record per recording.
func (s *Session) Process(ctx context.Context, opts ProcessOptions) (domain.Meeting, error) {
	v, err := s.send(ctx, "process", func(ctx context.Context) (any, error) {
		if err := s.requireState("process", StateStopped); err != nil {
			return domain.Meeting{}, err
		}
		if s.audio == nil {
			return domain.Meeting{}, newError(KindValidation, ErrNoAudio)
		}
		if s.meeting != nil && s.meeting.Status != domain.StatusFailed {
			if opts.RetryTranscription || opts.RetrySummary {
				return domain.Meeting{}, fmt.Errorf("%w: meeting %s", ErrAlreadySaved, s.meeting.ID)
			}
			return *s.meeting, nil
		}
		s.busy = true
		s.lastErr = nil
		s.publish()
		defer func() { s.busy = false }()

		meeting, err := s.process(ctx, opts)
		var pe *PipelineError
		if errors.As(err, &pe) {
			s.lastErr = pe
		}
		return meeting, err
	})
	meeting, _ := v.(domain.Meeting)
	return meeting, err
}

func (s *Session) process(ctx context.Context, opts ProcessOptions) (domain.Meeting, error) {
	logger := s.logger.With("stage", stageTranscribe)
	start := s.now()
	transcript, err := s.stages.Transcribe(ctx, s.audio, &s.transcript, opts.RetryTranscription)
	if err != nil {
		logger.Warn("transcription failed", "err", err)
		return domain.Meeting{}, err
	}
	logger.Info("transcription ready", "chars", len(transcript), "duration_ms", s.now().Sub(start).Milliseconds())
	s.publish()

	logger = s.logger.With("stage", stageSummarize)
	start = s.now()
	mins, err := s.stages.Summarize(ctx, transcript, opts.Title, &s.minutes, opts.RetrySummary)
	if err != nil {
		logger.Warn("summary failed", "err", err)
		return domain.Meeting{}, err
	}
	logger.Info("summary ready", "degraded", mins.Degraded(), "duration_ms", s.now().Sub(start).Milliseconds())
	s.publish()

	meeting, err := s.saver.Save(util.ContextWithLogger(ctx, s.logger), s.userID, opts.Title, *s.audio, mins)
	if meeting.ID != "" {
		s.meeting = &meeting
	}
	return meeting, err
}

func (s *Session) publish() {
	snap := &Snapshot{
		ID:              s.id,
		UserID:          s.userID,
		State:           s.state,
		SliceDurationMs: s.sliceMs,
		Chunks:          s.chunks.Next(),
		Transcript:      s.transcript.Text,
		JobID:           s.jobID,
		Busy:            s.busy,
		UpdatedAt:       s.now().UTC(),
	}
	if s.audio != nil {
		snap.Audio = &AudioInfo{
			MimeType:   s.audio.MimeType,
			Filename:   s.audio.Filename,
			SizeBytes:  s.audio.Size(),
			DurationMs: s.audio.DurationMs,
		}
	}
	if s.minutes.Done && s.minutes.Err == nil {
		m := s.minutes.Minutes
		snap.Minutes = &m
	}
	if s.meeting != nil {
		snap.MeetingID = s.meeting.ID
	}
	if s.lastErr != nil {
		snap.Error = &ErrorInfo{Kind: s.lastErr.Kind, Message: s.lastErr.Error(), Retryable: s.lastErr.Retryable()}
	}
	s.snapshot.Store(snap)
}
