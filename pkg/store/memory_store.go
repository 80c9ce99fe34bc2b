package store

import (
	"sort"
	"sync"
	"time"

	"minutesai/pkg/domain"
)

// MemoryStore keeps meeting records in-process. It backs tests and local
// runs without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	meetings map[string]domain.Meeting
	now      func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]domain.Meeting),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateMeeting(meeting domain.Meeting) (domain.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	meeting.CreatedAt = now
	meeting.UpdatedAt = now
	if meeting.Status == "" {
		meeting.Status = domain.StatusDraft
	}
	meeting.Participants = append([]string(nil), meeting.Participants...)
	m.meetings[meeting.ID] = meeting
	return meeting, nil
}

func (m *MemoryStore) GetMeeting(id string) (domain.Meeting, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meeting, ok := m.meetings[id]
	return meeting, ok, nil
}

// ListMeetingsByOwner returns meetings of one user, newest first.
func (m *MemoryStore) ListMeetingsByOwner(ownerID string) ([]domain.Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Meeting, 0)
	for _, meeting := range m.meetings {
		if meeting.OwnerID == ownerID {
			res = append(res, meeting)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) UpdateMeeting(id string, patch domain.MeetingPatch) (domain.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meeting, ok := m.meetings[id]
	if !ok {
		return domain.Meeting{}, domain.ErrMeetingNotFound
	}
	next, err := domain.ApplyPatch(meeting, patch, m.now())
	if err != nil {
		return domain.Meeting{}, err
	}
	m.meetings[id] = next
	return next, nil
}

func (m *MemoryStore) SetStatus(id string, status domain.MeetingStatus, errMsg string) error {
	_, err := m.UpdateMeeting(id, domain.MeetingPatch{Status: &status, ErrorMessage: &errMsg})
	return err
}

func (m *MemoryStore) DeleteMeeting(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meetings, id)
	return nil
}
