package initiatives

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	testCases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{from: StatusPending, to: StatusInProgress, allowed: true},
		{from: StatusPending, to: StatusCompleted, allowed: true},
		{from: StatusPending, to: StatusCancelled, allowed: true},
		{from: StatusInProgress, to: StatusCompleted, allowed: true},
		{from: StatusInProgress, to: StatusCancelled, allowed: true},
		{from: StatusInProgress, to: StatusPending, allowed: false},
		{from: StatusCompleted, to: StatusPending, allowed: false},
		{from: StatusCompleted, to: StatusInProgress, allowed: false},
		{from: StatusCancelled, to: StatusCompleted, allowed: false},
	}

	for _, testCase := range testCases {
		got := testCase.from.CanTransitionTo(testCase.to)
		if got != testCase.allowed {
			t.Fatalf("%s -> %s: expected allowed=%v", testCase.from, testCase.to, testCase.allowed)
		}
	}
}

func TestTransitionStampsCompletion(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	initiative := Initiative{Status: StatusPending}

	if err := initiative.Transition(StatusInProgress, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if initiative.CompletedAt != nil {
		t.Fatalf("completion must not be stamped before completion")
	}

	if err := initiative.Transition(StatusCompleted, now.Add(time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if initiative.CompletedAt == nil || !initiative.CompletedAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected completion stamp %v", initiative.CompletedAt)
	}
}

func TestTransitionRejectsRegression(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	initiative := Initiative{Status: StatusCompleted}

	err := initiative.Transition(StatusPending, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if initiative.Status != StatusCompleted {
		t.Fatalf("status must be unchanged after rejected transition")
	}
}

func TestTerminalStatuses(t *testing.T) {
	if StatusPending.Terminal() || StatusInProgress.Terminal() {
		t.Fatalf("open statuses must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Fatalf("completed and cancelled must be terminal")
	}
}
