package store

import (
	"minutesai/pkg/domain"
)

// Store defines persistence operations for meeting records.
type Store interface {
	// CreateMeeting inserts a new record. CreatedAt/UpdatedAt are assigned by
	// the store and returned.
	CreateMeeting(domain.Meeting) (domain.Meeting, error)
	GetMeeting(id string) (domain.Meeting, bool, error)
	ListMeetingsByOwner(ownerID string) ([]domain.Meeting, error)
	// UpdateMeeting applies a patch atomically, enforcing the status machine
	// and the pointer invariant.
	UpdateMeeting(id string, patch domain.MeetingPatch) (domain.Meeting, error)
	SetStatus(id string, status domain.MeetingStatus, errMsg string) error
	DeleteMeeting(id string) error
}
