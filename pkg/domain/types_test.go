package domain

import (
	"errors"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func statusPtr(s MeetingStatus) *MeetingStatus { return &s }

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to MeetingStatus
		want     bool
	}{
		{StatusDraft, StatusCompleted, true},
		{StatusDraft, StatusCompletedPartial, true},
		{StatusDraft, StatusFailed, true},
		{StatusCompleted, StatusFailed, true},
		{StatusCompletedPartial, StatusFailed, true},
		{StatusCompleted, StatusDraft, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusDraft, false},
		{StatusCompleted, StatusCompletedPartial, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestApplyPatchCompletesWithBothKeys(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := Meeting{ID: "m1", Status: StatusDraft}
	got, err := ApplyPatch(m, MeetingPatch{
		Status:     statusPtr(StatusCompleted),
		AudioKey:   strPtr("recordings/u/m1/audio.webm"),
		MinutesKey: strPtr("minutes/u/m1/minutes.json"),
	}, now)
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if got.Status != StatusCompleted || !got.HasPointers() {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Fatalf("updatedAt not set: %v", got.UpdatedAt)
	}
}

func TestApplyPatchRejectsCompletionWithoutPointers(t *testing.T) {
	m := Meeting{ID: "m1", Status: StatusDraft}
	_, err := ApplyPatch(m, MeetingPatch{Status: statusPtr(StatusCompleted)}, time.Now())
	if !errors.Is(err, ErrMissingPointers) {
		t.Fatalf("expected ErrMissingPointers, got %v", err)
	}
	_, err = ApplyPatch(m, MeetingPatch{
		Status:   statusPtr(StatusCompletedPartial),
		AudioKey: strPtr("recordings/u/m1/audio.webm"),
	}, time.Now())
	if !errors.Is(err, ErrMissingPointers) {
		t.Fatalf("expected ErrMissingPointers for single key, got %v", err)
	}
}

func TestApplyPatchRejectsReturnToDraft(t *testing.T) {
	m := Meeting{ID: "m1", Status: StatusFailed}
	_, err := ApplyPatch(m, MeetingPatch{Status: statusPtr(StatusDraft)}, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyPatchFailedMayHoldPartialKeys(t *testing.T) {
	m := Meeting{ID: "m1", Status: StatusDraft}
	got, err := ApplyPatch(m, MeetingPatch{
		Status:       statusPtr(StatusFailed),
		AudioKey:     strPtr("recordings/u/m1/audio.webm"),
		ErrorMessage: strPtr("save error: boom"),
	}, time.Now())
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if got.ErrorMessage != "save error: boom" {
		t.Fatalf("unexpected error message: %q", got.ErrorMessage)
	}
}
