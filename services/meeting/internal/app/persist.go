package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"minutesai/internal/metrics"
	"minutesai/internal/util"
	"minutesai/pkg/ai"
	"minutesai/pkg/domain"
	"minutesai/pkg/minutes"
	"minutesai/pkg/storage"
	"minutesai/pkg/store"
)

const (
	defaultTitle      = "Untitled meeting"
	minutesObjectName = "minutes.json"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrNoMinutes     = errors.New("meeting has no minutes")
	ErrTitleRequired = errors.New("title must not be empty")
)

// AudioKey is the blob path of a meeting's recording.
func AudioKey(userID, meetingID, mimeType string) string {
	return path.Join("recordings", userID, meetingID, "audio."+ai.AudioExtension(mimeType))
}

// MinutesKey is the blob path of a meeting's minutes document.
func MinutesKey(userID, meetingID string) string {
	return path.Join("minutes", userID, meetingID, minutesObjectName)
}

// MeetingView is a record with its blob keys resolved to signed URLs.
type MeetingView struct {
	domain.Meeting
	AudioURL   string `json:"audioUrl,omitempty"`
	MinutesURL string `json:"minutesUrl,omitempty"`
}

// MinutesEdit replaces the structured fields of stored minutes. Nil fields
// are kept.
type MinutesEdit struct {
	Title        *string              `json:"title"`
	Date         *string              `json:"date"`
	Participants *[]string            `json:"participants"`
	Agenda       *[]string            `json:"agenda"`
	KeyPoints    *[]string            `json:"keyPoints"`
	Decisions    *[]string            `json:"decisions"`
	ActionItems  *[]domain.ActionItem `json:"actionItems"`
	NextSteps    *[]string            `json:"nextSteps"`
}

func (e MinutesEdit) empty() bool {
	return e.Title == nil && e.Date == nil && e.Participants == nil && e.Agenda == nil &&
		e.KeyPoints == nil && e.Decisions == nil && e.ActionItems == nil && e.NextSteps == nil
}

func (e MinutesEdit) apply(m *domain.Minutes) {
	if e.Title != nil {
		m.Title = strings.TrimSpace(*e.Title)
	}
	if e.Date != nil {
		m.Date = strings.TrimSpace(*e.Date)
	}
	if e.Participants != nil {
		m.Participants = domain.StringList(*e.Participants)
	}
	if e.Agenda != nil {
		m.Agenda = domain.StringList(*e.Agenda)
	}
	if e.KeyPoints != nil {
		m.KeyPoints = domain.StringList(*e.KeyPoints)
	}
	if e.Decisions != nil {
		m.Decisions = domain.StringList(*e.Decisions)
	}
	if e.ActionItems != nil {
		m.ActionItems = domain.ActionItemList(*e.ActionItems)
	}
	if e.NextSteps != nil {
		m.NextSteps = domain.StringList(*e.NextSteps)
	}
}

// Meetings owns the durable side of the pipeline: the metadata record and
// the two blobs that belong to it.
type Meetings struct {
	store         store.Store
	objects       storage.ObjectStore
	presignExpiry time.Duration
	metrics       *metrics.Pipeline
}

func NewMeetings(s store.Store, objects storage.ObjectStore, presignExpiry time.Duration) *Meetings {
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	return &Meetings{store: s, objects: objects, presignExpiry: presignExpiry}
}

// Save creates a draft record, uploads the audio and the minutes, then
// completes the record. Any failure after the draft exists resolves the
// record to failed; the returned meeting then carries that state.
func (m *Meetings) Save(ctx context.Context, userID, title string, audio domain.Audio, mins domain.Minutes) (domain.Meeting, error) {
	started := time.Now()
	rec, err := m.save(ctx, userID, title, audio, mins)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	m.metrics.ObserveStage(stagePersist, outcome, time.Since(started))
	if rec.Status != "" {
		m.metrics.MeetingSaved(string(rec.Status))
	}
	return rec, err
}

func (m *Meetings) save(ctx context.Context, userID, title string, audio domain.Audio, mins domain.Minutes) (domain.Meeting, error) {
	logger := util.LoggerFromContext(ctx)
	title = strings.TrimSpace(title)
	if title == "" {
		title = strings.TrimSpace(mins.Title)
	}
	if title == "" {
		title = defaultTitle
	}

	rec, err := m.store.CreateMeeting(domain.Meeting{
		ID:           uuid.NewString(),
		OwnerID:      userID,
		Title:        title,
		Status:       domain.StatusDraft,
		Participants: mins.Participants,
		DurationMs:   audio.DurationMs,
		SizeBytes:    audio.Size(),
	})
	if err != nil {
		return domain.Meeting{}, newError(KindPersistence, fmt.Errorf("create record: %w", err))
	}
	logger = logger.With("meeting_id", rec.ID, "stage", stagePersist)
	logger.Info("meeting draft created")

	audioKey := AudioKey(userID, rec.ID, audio.MimeType)
	if err := m.objects.Put(ctx, audioKey, bytes.NewReader(audio.Data), audio.Size(), audio.MimeType); err != nil {
		return m.fail(ctx, logger, rec, fmt.Errorf("upload audio: %w", err))
	}

	mins.AudioURL = audioKey
	doc, err := json.MarshalIndent(mins, "", "  ")
	if err != nil {
		return m.fail(ctx, logger, rec, fmt.Errorf("encode minutes: %w", err), audioKey)
	}
	minutesKey := MinutesKey(userID, rec.ID)
	if err := m.objects.Put(ctx, minutesKey, bytes.NewReader(doc), int64(len(doc)), "application/json"); err != nil {
		return m.fail(ctx, logger, rec, fmt.Errorf("upload minutes: %w", err), audioKey)
	}

	status := domain.StatusCompleted
	errMsg := ""
	if mins.Degraded() {
		status = domain.StatusCompletedPartial
		errMsg = mins.Error
	}
	updated, err := m.store.UpdateMeeting(rec.ID, domain.MeetingPatch{
		Status:       &status,
		AudioKey:     &audioKey,
		MinutesKey:   &minutesKey,
		ErrorMessage: &errMsg,
	})
	if err != nil {
		return m.fail(ctx, logger, rec, fmt.Errorf("complete record: %w", err), audioKey, minutesKey)
	}
	logger.Info("meeting saved", "status", updated.Status, "size_bytes", updated.SizeBytes)
	return updated, nil
}

// fail resolves a draft to failed and removes blobs written for it. It runs
// even when ctx is already canceled so no draft is left behind.
func (m *Meetings) fail(ctx context.Context, logger *slog.Logger, rec domain.Meeting, cause error, uploaded ...string) (domain.Meeting, error) {
	pe := newError(KindPersistence, cause)
	ctx = context.WithoutCancel(ctx)
	for _, key := range uploaded {
		if err := m.objects.Delete(ctx, key); err != nil {
			logger.Warn("remove orphaned blob failed", "key", key, "err", err)
		}
	}
	msg := pe.Error()
	status := domain.StatusFailed
	empty := ""
	failed, err := m.store.UpdateMeeting(rec.ID, domain.MeetingPatch{
		Status:       &status,
		AudioKey:     &empty,
		MinutesKey:   &empty,
		ErrorMessage: &msg,
	})
	if err != nil {
		logger.Error("mark meeting failed", "err", err, "cause", cause)
		rec.Status = domain.StatusFailed
		rec.ErrorMessage = msg
		return rec, pe
	}
	logger.Warn("meeting save failed", "err", cause)
	return failed, pe
}

// List returns the owner's meetings, newest first.
func (m *Meetings) List(ctx context.Context, ownerID string) ([]MeetingView, error) {
	items, err := m.store.ListMeetingsByOwner(ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]MeetingView, 0, len(items))
	for _, item := range items {
		out = append(out, m.view(ctx, item))
	}
	return out, nil
}

func (m *Meetings) Get(ctx context.Context, ownerID, id string) (MeetingView, error) {
	rec, err := m.owned(ownerID, id)
	if err != nil {
		return MeetingView{}, err
	}
	return m.view(ctx, rec), nil
}

// Minutes loads the stored minutes document with its audio key replaced by
// a signed URL.
func (m *Meetings) Minutes(ctx context.Context, ownerID, id string) (domain.Minutes, error) {
	rec, err := m.owned(ownerID, id)
	if err != nil {
		return domain.Minutes{}, err
	}
	doc, err := m.loadMinutes(ctx, rec)
	if err != nil {
		return domain.Minutes{}, err
	}
	if rec.AudioKey != "" {
		if url, err := m.objects.PresignGet(ctx, rec.AudioKey, m.presignExpiry); err == nil {
			doc.AudioURL = url
		}
	}
	return doc, nil
}

// MinutesHTML renders the stored minutes as a printable page.
func (m *Meetings) MinutesHTML(ctx context.Context, ownerID, id string) ([]byte, error) {
	doc, err := m.Minutes(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return minutes.RenderHTML(doc)
}

// Edit renames a meeting and/or rewrites fields of its minutes. A failed
// minutes write moves the record to failed.
func (m *Meetings) Edit(ctx context.Context, ownerID, id string, title *string, edit MinutesEdit) (MeetingView, error) {
	rec, err := m.owned(ownerID, id)
	if err != nil {
		return MeetingView{}, err
	}
	patch := domain.MeetingPatch{}
	if title != nil {
		t := strings.TrimSpace(*title)
		if t == "" {
			return MeetingView{}, newError(KindValidation, ErrTitleRequired)
		}
		patch.Title = &t
	}
	if !edit.empty() {
		doc, err := m.loadMinutes(ctx, rec)
		if err != nil {
			return MeetingView{}, err
		}
		edit.apply(&doc)
		if patch.Title != nil && edit.Title == nil {
			doc.Title = *patch.Title
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err == nil {
			err = m.objects.Put(ctx, rec.MinutesKey, bytes.NewReader(data), int64(len(data)), "application/json")
		}
		if err != nil {
			pe := newError(KindPersistence, fmt.Errorf("rewrite minutes: %w", err))
			if setErr := m.store.SetStatus(rec.ID, domain.StatusFailed, pe.Error()); setErr != nil {
				util.LoggerFromContext(ctx).Error("mark meeting failed", "meeting_id", rec.ID, "err", setErr)
			}
			return MeetingView{}, pe
		}
		patch.Participants = []string(doc.Participants)
		if patch.Participants == nil {
			patch.Participants = []string{}
		}
	}
	updated, err := m.store.UpdateMeeting(rec.ID, patch)
	if err != nil {
		return MeetingView{}, err
	}
	return m.view(ctx, updated), nil
}

// Delete removes both blobs, concurrently, then the record. Blobs that are
// already gone count as deleted, and so does a record that no longer exists.
func (m *Meetings) Delete(ctx context.Context, ownerID, id string) error {
	rec, ok, err := m.store.GetMeeting(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rec.OwnerID != ownerID {
		return ErrForbidden
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range []string{rec.AudioKey, rec.MinutesKey} {
		if key == "" {
			continue
		}
		g.Go(func() error {
			if err := m.objects.Delete(gctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.store.DeleteMeeting(id)
}

func (m *Meetings) owned(ownerID, id string) (domain.Meeting, error) {
	rec, ok, err := m.store.GetMeeting(id)
	if err != nil {
		return domain.Meeting{}, err
	}
	if !ok {
		return domain.Meeting{}, domain.ErrMeetingNotFound
	}
	if rec.OwnerID != ownerID {
		return domain.Meeting{}, ErrForbidden
	}
	return rec, nil
}

func (m *Meetings) loadMinutes(ctx context.Context, rec domain.Meeting) (domain.Minutes, error) {
	if rec.MinutesKey == "" {
		return domain.Minutes{}, ErrNoMinutes
	}
	data, err := m.objects.Get(ctx, rec.MinutesKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Minutes{}, ErrNoMinutes
		}
		return domain.Minutes{}, fmt.Errorf("load minutes: %w", err)
	}
	var doc domain.Minutes
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.Minutes{}, fmt.Errorf("decode minutes: %w", err)
	}
	return doc, nil
}

func (m *Meetings) view(ctx context.Context, rec domain.Meeting) MeetingView {
	v := MeetingView{Meeting: rec}
	if !rec.HasPointers() {
		return v
	}
	logger := util.LoggerFromContext(ctx)
	if url, err := m.objects.PresignGet(ctx, rec.AudioKey, m.presignExpiry); err == nil {
		v.AudioURL = url
	} else {
		logger.Warn("presign audio failed", "meeting_id", rec.ID, "err", err)
	}
	if url, err := m.objects.PresignGet(ctx, rec.MinutesKey, m.presignExpiry); err == nil {
		v.MinutesURL = url
	} else {
		logger.Warn("presign minutes failed", "meeting_id", rec.ID, "err", err)
	}
	return v
}
