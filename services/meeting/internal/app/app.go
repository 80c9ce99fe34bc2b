package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"minutesai/internal/metrics"
	"minutesai/internal/util"
	"minutesai/pkg/ai"
	"minutesai/pkg/domain"
	"minutesai/pkg/queue"
	"minutesai/pkg/scratch"
	"minutesai/pkg/storage"
	"minutesai/pkg/store"
)

// DefaultSliceDuration is the length of one recorded slice.
const DefaultSliceDuration = 5 * time.Minute

// JobQueue dispatches processing to background workers.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.ProcessJob) (queue.ProcessJob, error)
	GetJob(ctx context.Context, jobID string) (queue.ProcessJob, bool, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store         store.Store
	Objects       storage.ObjectStore
	Scratch       scratch.Scratch
	Transcriber   ai.Transcriber
	Generator     ai.TextGenerator
	Queue         JobQueue
	SliceDuration time.Duration
	PresignExpiry time.Duration
	Metrics       *metrics.Pipeline
	Now           func() time.Time
}

// App keeps one session per user and the meeting archive.
type App struct {
	meetings *Meetings
	queue    JobQueue
	deps     sessionDeps
	metrics  *metrics.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	// startMu serializes StartSession so a session is never replaced
	// between its creation and its first transition.
	startMu  sync.Mutex
	mu       sync.Mutex
	sessions map[string]*Session
}

// ProcessResult is either a finished meeting (inline run) or a queued job.
type ProcessResult struct {
	Meeting *MeetingView      `json:"meeting,omitempty"`
	Job     *queue.ProcessJob `json:"job,omitempty"`
}

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("meeting store required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Scratch == nil:
		return nil, errors.New("scratch store required")
	case cfg.Transcriber == nil:
		return nil, errors.New("transcriber required")
	case cfg.Generator == nil:
		return nil, errors.New("text generator required")
	}
	slice := cfg.SliceDuration
	if slice <= 0 {
		slice = DefaultSliceDuration
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	meetings := NewMeetings(cfg.Store, cfg.Objects, cfg.PresignExpiry)
	meetings.metrics = cfg.Metrics
	stages := NewStages(cfg.Transcriber, cfg.Generator, now)
	stages.metrics = cfg.Metrics
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		meetings: meetings,
		deps: sessionDeps{
			stages:  stages,
			saver:   meetings,
			scratch: cfg.Scratch,
			slice:   slice,
			now:     now,
			metrics: cfg.Metrics,
		},
		metrics:  cfg.Metrics,
		queue:    cfg.Queue,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	return a, nil
}

// Close ends every session.
func (a *App) Close() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()
	a.metrics.SetSessions(0)
	a.cancel()
	for _, s := range sessions {
		s.Close()
	}
}

func (a *App) session(userID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

func (a *App) newSessionLocked(userID string) *Session {
	s := newSession(a.ctx, util.NewID(), userID, a.deps)
	a.sessions[userID] = s
	a.metrics.SetSessions(len(a.sessions))
	return s
}

// StartSession begins a recording. While the current session is acquiring
// or recording this is a no-op; any other session is replaced.
func (a *App) StartSession(ctx context.Context, userID string) (Snapshot, error) {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	a.mu.Lock()
	current, ok := a.sessions[userID]
	if ok {
		state := current.Snapshot().State
		if state == StateAcquiring || state == StateRecording {
			a.mu.Unlock()
			return current.Snapshot(), nil
		}
		delete(a.sessions, userID)
	}
	s := a.newSessionLocked(userID)
	a.mu.Unlock()
	if ok {
		go current.Close()
	}
	return s.Start(ctx)
}

func (a *App) CurrentSession(userID string) (Snapshot, error) {
	s, err := a.session(userID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// DiscardSession drops the user's session. Scratch is kept so an
// interrupted recording can still be recovered.
func (a *App) DiscardSession(userID string) error {
	a.mu.Lock()
	s, ok := a.sessions[userID]
	delete(a.sessions, userID)
	a.metrics.SetSessions(len(a.sessions))
	a.mu.Unlock()
	if ok {
		s.Close()
	}
	return nil
}

func (a *App) MarkAcquired(ctx context.Context, userID string) (Snapshot, error) {
	s, err := a.session(userID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Acquired(ctx)
}

func (a *App) ReportCaptureError(ctx context.Context, userID, kind, detail string) (Snapshot, error) {
	s, err := a.session(userID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.CaptureFailed(ctx, kind, detail)
}

func (a *App) AppendChunk(ctx context.Context, userID string, chunk domain.Chunk) (int, error) {
	s, err := a.session(userID)
	if err != nil {
		return 0, err
	}
	return s.AppendChunk(ctx, chunk)
}

func (a *App) StopRecording(ctx context.Context, userID string, final *domain.Chunk) (Snapshot, error) {
	s, err := a.session(userID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Stop(ctx, final)
}

// RecoverRecording rebuilds audio from slices an interrupted recording left
// in scratch. It opens a session when the user has none.
func (a *App) RecoverRecording(ctx context.Context, userID string) (Snapshot, error) {
	a.mu.Lock()
	s, ok := a.sessions[userID]
	if !ok {
		s = a.newSessionLocked(userID)
	}
	a.mu.Unlock()
	return s.Recover(ctx)
}

// UploadAudio validates and accepts a file as the session audio, opening a
// session when needed. size is the declared length; the body is never read
// past MaxUploadBytes.
func (a *App) UploadAudio(ctx context.Context, userID, filename, contentType string, r io.Reader, size int64) (Snapshot, error) {
	mimeType, err := ValidateUpload(filename, contentType, size)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return Snapshot{}, newError(KindValidation, fmt.Errorf("read upload: %w", err))
	}
	if _, err := ValidateUpload(filename, mimeType, int64(len(data))); err != nil {
		return Snapshot{}, err
	}

	a.mu.Lock()
	s, ok := a.sessions[userID]
	if !ok {
		s = a.newSessionLocked(userID)
	}
	a.mu.Unlock()
	return s.Upload(ctx, domain.Audio{
		Data:     data,
		MimeType: mimeType,
		Filename: filename,
	})
}

// Process transcribes, summarizes and saves the session audio. With a queue
// configured the work is enqueued and the job is returned.
func (a *App) Process(ctx context.Context, userID string, opts ProcessOptions) (ProcessResult, error) {
	s, err := a.session(userID)
	if err != nil {
		return ProcessResult{}, err
	}
	snap := s.Snapshot()
	if snap.State != StateStopped || snap.Audio == nil {
		return ProcessResult{}, fmt.Errorf("%w: session is %s, cannot process", ErrInvalidState, snap.State)
	}
	if a.queue == nil {
		meeting, err := s.Process(ctx, opts)
		if err != nil {
			return ProcessResult{}, err
		}
		view := a.meetings.view(ctx, meeting)
		return ProcessResult{Meeting: &view}, nil
	}
	job, err := a.queue.Enqueue(ctx, queue.ProcessJob{
		UserID:             userID,
		Title:              opts.Title,
		RetryTranscription: opts.RetryTranscription,
		RetrySummary:       opts.RetrySummary,
	})
	if err != nil {
		return ProcessResult{}, fmt.Errorf("enqueue processing: %w", err)
	}
	if err := s.MarkQueued(ctx, job.ID); err != nil {
		util.LoggerFromContext(ctx).Warn("record queued job on session", "job_id", job.ID, "err", err)
	}
	return ProcessResult{Job: &job}, nil
}

// HandleJob is the queue worker entry point. Pipeline failures are final;
// the user retries explicitly.
func (a *App) HandleJob(ctx context.Context, job queue.ProcessJob) (string, error) {
	s, err := a.session(job.UserID)
	if err != nil {
		return "", queue.Permanent(err)
	}
	meeting, err := s.Process(ctx, ProcessOptions{
		Title:              job.Title,
		RetryTranscription: job.RetryTranscription,
		RetrySummary:       job.RetrySummary,
	})
	if err != nil {
		if KindOf(err) != "" || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrAlreadySaved) {
			return meeting.ID, queue.Permanent(err)
		}
		return meeting.ID, err
	}
	return meeting.ID, nil
}

// GetJob returns a job owned by userID.
func (a *App) GetJob(ctx context.Context, userID, jobID string) (queue.ProcessJob, error) {
	if a.queue == nil {
		return queue.ProcessJob{}, ErrJobNotFound
	}
	job, ok, err := a.queue.GetJob(ctx, jobID)
	if err != nil {
		return queue.ProcessJob{}, err
	}
	if !ok || job.UserID != userID {
		return queue.ProcessJob{}, ErrJobNotFound
	}
	return job, nil
}

func (a *App) ListMeetings(ctx context.Context, userID string) ([]MeetingView, error) {
	return a.meetings.List(ctx, userID)
}

func (a *App) GetMeeting(ctx context.Context, userID, id string) (MeetingView, error) {
	return a.meetings.Get(ctx, userID, id)
}

func (a *App) GetMinutes(ctx context.Context, userID, id string) (domain.Minutes, error) {
	return a.meetings.Minutes(ctx, userID, id)
}

func (a *App) MinutesHTML(ctx context.Context, userID, id string) ([]byte, error) {
	return a.meetings.MinutesHTML(ctx, userID, id)
}

func (a *App) EditMeeting(ctx context.Context, userID, id string, title *string, edit MinutesEdit) (MeetingView, error) {
	return a.meetings.Edit(ctx, userID, id, title, edit)
}

func (a *App) DeleteMeeting(ctx context.Context, userID, id string) error {
	return a.meetings.Delete(ctx, userID, id)
}
