package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the inbound directory events.
type EventType string

const (
	EventTypeMemberCreated EventType = "member.created"
	EventTypeMemberUpdated EventType = "member.updated"
	EventTypeMemberDeleted EventType = "member.deleted"
	EventTypeGroupUpdated  EventType = "group.updated"
)

var (
	// ErrMalformedEvent indicates the body could not be parsed into a known
	// event shape.
	ErrMalformedEvent = errors.New("ingest: malformed event")
)

// MemberPayload is the member snapshot carried by member.* events.
type MemberPayload struct {
	ID            string          `json:"id"`
	LeaderID      string          `json:"leaderId"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	Phone         string          `json:"phone"`
	BirthDate     string          `json:"birthDate"`
	MaritalStatus string          `json:"maritalStatus"`
	Address       string          `json:"address"`
	Profile       json.RawMessage `json:"profile"`
}

// GroupPayload is carried by group.updated events. The member reference is
// optional; group events without one are accepted as no-ops.
type GroupPayload struct {
	GroupID  string `json:"groupId"`
	Name     string `json:"name"`
	MemberID string `json:"memberId"`
}

// Event is a validated inbound event ready for ingestion.
type Event struct {
	ID             string
	Type           EventType
	Timestamp      time.Time
	OrganizationID string
	Member         MemberPayload
	Group          GroupPayload
}

type rawEvent struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Timestamp      string          `json:"timestamp"`
	OrganizationID string          `json:"organizationId"`
	Data           json.RawMessage `json:"data"`
}

// ParseEvent decodes and validates a webhook body into an Event.
func ParseEvent(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if strings.TrimSpace(raw.ID) == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if strings.TrimSpace(raw.OrganizationID) == "" {
		return Event{}, fmt.Errorf("%w: missing organization id", ErrMalformedEvent)
	}

	eventType := EventType(strings.TrimSpace(raw.Type))
	switch eventType {
	case EventTypeMemberCreated, EventTypeMemberUpdated, EventTypeMemberDeleted, EventTypeGroupUpdated:
	default:
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, raw.Type)
	}

	timestamp := time.Time{}
	if strings.TrimSpace(raw.Timestamp) != "" {
		parsed, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			return Event{}, fmt.Errorf("%w: timestamp must be RFC3339", ErrMalformedEvent)
		}
		timestamp = parsed.UTC()
	}

	event := Event{
		ID:             strings.TrimSpace(raw.ID),
		Type:           eventType,
		Timestamp:      timestamp,
		OrganizationID: strings.TrimSpace(raw.OrganizationID),
	}

	if eventType == EventTypeGroupUpdated {
		if len(raw.Data) > 0 {
			if err := json.Unmarshal(raw.Data, &event.Group); err != nil {
				return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
		}
		return event, nil
	}

	if len(raw.Data) == 0 {
		return Event{}, fmt.Errorf("%w: missing member payload", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw.Data, &event.Member); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(event.Member.ID) == "" {
		return Event{}, fmt.Errorf("%w: missing member id", ErrMalformedEvent)
	}

	return event, nil
}

// ParseBirthDate interprets the wire birth-date format (YYYY-MM-DD).
func ParseBirthDate(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: birthDate must be YYYY-MM-DD", ErrMalformedEvent)
	}
	utc := parsed.UTC()
	return &utc, nil
}
