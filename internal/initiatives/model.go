package initiatives

import (
	"errors"
	"fmt"
	"time"
)

// Type is the suggested leader action.
type Type string

const (
	TypeMessage Type = "message"
	TypeCall    Type = "call"
	TypeVisit   Type = "visit"
)

// Status tracks an initiative through its lifecycle. Transitions only move
// forward: pending -> in_progress -> {completed, cancelled}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ErrInvalidTransition indicates an attempt to move a status backwards or
// out of a terminal state.
var ErrInvalidTransition = errors.New("initiatives: invalid status transition")

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo enforces the monotonic lifecycle.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusCompleted || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusCancelled
	default:
		return false
	}
}

// Initiative is an actionable suggestion surfaced to a leader.
type Initiative struct {
	InitiativeID     string     `gorm:"column:initiative_id;primaryKey;size:190;not null"`
	OrganizationID   string     `gorm:"column:organization_id;size:190;not null;index"`
	LeaderID         string     `gorm:"column:leader_id;size:190;not null;default:''"`
	PersonID         string     `gorm:"column:person_id;size:190;not null;index:idx_initiatives_person_status,priority:1"`
	ChangeID         string     `gorm:"column:change_id;size:190;not null;default:'';index"`
	Type             Type       `gorm:"column:type;size:16;not null"`
	Title            string     `gorm:"column:title;size:255;not null"`
	Description      string     `gorm:"column:description;type:text;not null;default:''"`
	SuggestedMessage string     `gorm:"column:suggested_message;type:text;not null;default:''"`
	EditedMessage    string     `gorm:"column:edited_message;type:text;not null;default:''"`
	Status           Status     `gorm:"column:status;size:16;not null;default:'pending';index:idx_initiatives_person_status,priority:2"`
	Priority         int        `gorm:"column:priority;not null"`
	DueDate          *time.Time `gorm:"column:due_date"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Initiative) TableName() string {
	return "initiatives"
}

// Transition moves the initiative to the next status, stamping completion
// time on terminal success.
func (i *Initiative) Transition(next Status, now time.Time) error {
	if !i.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now.UTC()
	if next == StatusCompleted {
		completedAt := now.UTC()
		i.CompletedAt = &completedAt
	}
	return nil
}
