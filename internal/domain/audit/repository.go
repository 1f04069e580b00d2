package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores donation history with pagination support
type Repository interface {
	CreateEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, eventID uuid.UUID) (*Event, error)
	ListEvents(ctx context.Context, donationID uuid.UUID, limit, offset int) ([]*Event, error)
	CountEvents(ctx context.Context, donationID uuid.UUID) (int64, error)

	RecordNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, donationID uuid.UUID, limit int) ([]*Notification, error)
}

// ErrEventNotFound indicates missing history event
type ErrEventNotFound struct {
	EventID uuid.UUID
}

func (e ErrEventNotFound) Error() string {
	return "donation event not found: " + e.EventID.String()
}

// Is implements the errors.Is interface for ErrEventNotFound
func (e ErrEventNotFound) Is(target error) bool {
	t, ok := target.(ErrEventNotFound)
	if !ok {
		return false
	}
	// If the target EventID is empty, consider it a match for any ErrEventNotFound
	if t.EventID == uuid.Nil {
		return true
	}
	// Otherwise, match on EventID
	return e.EventID == t.EventID
}

// ErrDuplicateEvent indicates the event was already recorded
type ErrDuplicateEvent struct {
	EventID uuid.UUID
}

func (e ErrDuplicateEvent) Error() string {
	return "duplicate donation event: " + e.EventID.String()
}

// Is implements the errors.Is interface for ErrDuplicateEvent
func (e ErrDuplicateEvent) Is(target error) bool {
	t, ok := target.(ErrDuplicateEvent)
	if !ok {
		return false
	}
	// If the target EventID is empty, consider it a match for any ErrDuplicateEvent
	if t.EventID == uuid.Nil {
		return true
	}
	// Otherwise, match on EventID
	return e.EventID == t.EventID
}
