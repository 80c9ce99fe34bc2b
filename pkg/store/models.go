package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"minutesai/pkg/domain"
)

// MeetingModel is the GORM model for meeting records.
type MeetingModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"not null;index:idx_meeting_owner_created,priority:1"`
	Title        string `gorm:"not null"`
	Status       string `gorm:"not null;index"`
	AudioKey     string
	MinutesKey   string
	ErrorMessage string
	Participants datatypes.JSON `gorm:"type:jsonb"`
	DurationMs   int64
	SizeBytes    int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index:idx_meeting_owner_created,priority:2"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func meetingToModel(m domain.Meeting) MeetingModel {
	return MeetingModel{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Title:        m.Title,
		Status:       string(m.Status),
		AudioKey:     m.AudioKey,
		MinutesKey:   m.MinutesKey,
		ErrorMessage: m.ErrorMessage,
		Participants: encodeParticipants(m.Participants),
		DurationMs:   m.DurationMs,
		SizeBytes:    m.SizeBytes,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func meetingFromModel(m MeetingModel) domain.Meeting {
	return domain.Meeting{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Title:        m.Title,
		Status:       domain.MeetingStatus(m.Status),
		AudioKey:     m.AudioKey,
		MinutesKey:   m.MinutesKey,
		ErrorMessage: m.ErrorMessage,
		Participants: decodeParticipants(m.Participants),
		DurationMs:   m.DurationMs,
		SizeBytes:    m.SizeBytes,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func encodeParticipants(list []string) datatypes.JSON {
	if len(list) == 0 {
		return datatypes.JSON("[]")
	}
	data, err := json.Marshal(list)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}

func decodeParticipants(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
