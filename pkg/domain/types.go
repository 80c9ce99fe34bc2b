package domain

import (
	"errors"
	"time"
)

type MeetingStatus string

const (
	StatusDraft            MeetingStatus = "draft"
	StatusCompleted        MeetingStatus = "completed"
	StatusCompletedPartial MeetingStatus = "completed_partial"
	StatusFailed           MeetingStatus = "failed"
)

var (
	ErrMeetingNotFound   = errors.New("meeting not found")
	ErrInvalidTransition = errors.New("invalid meeting status transition")
	ErrMissingPointers   = errors.New("meeting cannot complete without audio and minutes")
)

// Meeting is the durable metadata record of one processed recording.
type Meeting struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"ownerId"`
	Title        string        `json:"title"`
	Status       MeetingStatus `json:"status"`
	AudioKey     string        `json:"audioKey,omitempty"`
	MinutesKey   string        `json:"minutesKey,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Participants []string      `json:"participants,omitempty"`
	DurationMs   int64         `json:"durationMs,omitempty"`
	SizeBytes    int64         `json:"sizeBytes"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// HasPointers reports whether both blobs are attached.
func (m Meeting) HasPointers() bool {
	return m.AudioKey != "" && m.MinutesKey != ""
}

// MeetingPatch describes a partial update. Nil fields are left unchanged.
type MeetingPatch struct {
	Title        *string
	Status       *MeetingStatus
	AudioKey     *string
	MinutesKey   *string
	ErrorMessage *string
	Participants []string
}

// CanTransition reports whether a record may move from one status to another.
// Records never return to draft.
func CanTransition(from, to MeetingStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusDraft:
		return to == StatusCompleted || to == StatusCompletedPartial || to == StatusFailed
	case StatusCompleted, StatusCompletedPartial:
		return to == StatusFailed
	default:
		return false
	}
}

// ApplyPatch validates a patch against the current record and returns the
// updated copy.
func ApplyPatch(m Meeting, p MeetingPatch, now time.Time) (Meeting, error) {
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.AudioKey != nil {
		m.AudioKey = *p.AudioKey
	}
	if p.MinutesKey != nil {
		m.MinutesKey = *p.MinutesKey
	}
	if p.ErrorMessage != nil {
		m.ErrorMessage = *p.ErrorMessage
	}
	if p.Participants != nil {
		m.Participants = append([]string(nil), p.Participants...)
	}
	if p.Status != nil {
		if !CanTransition(m.Status, *p.Status) {
			return Meeting{}, ErrInvalidTransition
		}
		m.Status = *p.Status
	}
	if m.Status != StatusFailed && (m.AudioKey == "") != (m.MinutesKey == "") {
		return Meeting{}, ErrMissingPointers
	}
	if (m.Status == StatusCompleted || m.Status == StatusCompletedPartial) && !m.HasPointers() {
		return Meeting{}, ErrMissingPointers
	}
	m.UpdatedAt = now
	return m, nil
}

// Minutes is the structured summary stored as a JSON blob next to the audio.
type Minutes struct {
	Title        string         `json:"title"`
	Date         string         `json:"date"`
	Participants StringList     `json:"participants"`
	Agenda       StringList     `json:"agenda"`
	KeyPoints    StringList     `json:"keyPoints"`
	Decisions    StringList     `json:"decisions"`
	ActionItems  ActionItemList `json:"actionItems"`
	NextSteps    StringList     `json:"nextSteps"`

	Transcript  string    `json:"transcript"`
	AudioURL    string    `json:"audioUrl,omitempty"`
	Model       string    `json:"model,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`

	Error       string `json:"error,omitempty"`
	RawResponse string `json:"rawResponse,omitempty"`
}

// Degraded reports whether the model output could not be parsed.
func (m Minutes) Degraded() bool {
	return m.Error != ""
}

// Audio is an assembled recording or an accepted upload.
type Audio struct {
	Data       []byte `json:"-"`
	MimeType   string `json:"mimeType"`
	Filename   string `json:"filename,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Size returns the audio length in bytes.
func (a Audio) Size() int64 {
	return int64(len(a.Data))
}

// Chunk is one time slice of a live recording.
type Chunk struct {
	Index      int    `json:"index"`
	MimeType   string `json:"mimeType"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Data       []byte `json:"data"`
}
