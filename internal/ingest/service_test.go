package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/amparo-app/backend/internal/changes"
	"github.com/amparo-app/backend/internal/people"
	"github.com/amparo-app/backend/internal/synclog"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func TestIngestMaritalStatusChange(t *testing.T) {
	service, db, _ := newTestIngest(t, []string{"person-1", "change-1", "change-2"})

	created := memberEvent("evt-1", EventTypeMemberCreated, `{"id":"member-1","name":"Maria Silva","maritalStatus":"single"}`)
	if _, err := service.Ingest(context.Background(), created, synclog.SyncTypeWebhook); err != nil {
		t.Fatalf("seed ingest failed: %v", err)
	}

	updated := memberEvent("evt-2", EventTypeMemberUpdated, `{"id":"member-1","name":"Maria Silva","maritalStatus":"married"}`)
	result, err := service.Ingest(context.Background(), updated, synclog.SyncTypeWebhook)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accepted || result.Duplicate {
		t.Fatalf("expected accepted result, got %+v", result)
	}
	if !result.Critical {
		t.Fatalf("marital status change must be flagged critical")
	}

	var change changes.PersonChange
	if err := db.Where("change_id = ?", result.ChangeID).Take(&change).Error; err != nil {
		t.Fatalf("failed to load change: %v", err)
	}
	if change.UrgencyScore != 7 {
		t.Fatalf("expected urgency 7, got %d", change.UrgencyScore)
	}
	if change.ChangeType != changes.ChangeTypeRelationship {
		t.Fatalf("expected relationship classification, got %s", change.ChangeType)
	}
	if change.ChangedFields != changes.FieldMaritalStatus {
		t.Fatalf("unexpected changed fields %q", change.ChangedFields)
	}
}

func TestIngestRedeliveryIsDuplicate(t *testing.T) {
	service, db, _ := newTestIngest(t, []string{"person-1", "change-1", "change-2"})

	event := memberEvent("evt-1", EventTypeMemberCreated, `{"id":"member-1","name":"Maria Silva"}`)
	first, err := service.Ingest(context.Background(), event, synclog.SyncTypeWebhook)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if !first.Accepted {
		t.Fatalf("expected first delivery accepted")
	}

	second, err := service.Ingest(context.Background(), event, synclog.SyncTypeWebhook)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if !second.Duplicate || second.Accepted {
		t.Fatalf("expected duplicate suppression, got %+v", second)
	}

	var changeCount int64
	if err := db.Model(&changes.PersonChange{}).Count(&changeCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if changeCount != 1 {
		t.Fatalf("expected exactly one change record, got %d", changeCount)
	}
}

func TestIngestMemberDeleted(t *testing.T) {
	service, db, _ := newTestIngest(t, []string{"person-1", "change-1", "change-2"})

	created := memberEvent("evt-1", EventTypeMemberCreated, `{"id":"member-1","name":"Maria Silva"}`)
	if _, err := service.Ingest(context.Background(), created, synclog.SyncTypeWebhook); err != nil {
		t.Fatalf("seed ingest failed: %v", err)
	}

	deleted := memberEvent("evt-2", EventTypeMemberDeleted, `{"id":"member-1"}`)
	result, err := service.Ingest(context.Background(), deleted, synclog.SyncTypeWebhook)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accepted || !result.Critical {
		t.Fatalf("deletion must be accepted and critical, got %+v", result)
	}

	var change changes.PersonChange
	if err := db.Where("change_id = ?", result.ChangeID).Take(&change).Error; err != nil {
		t.Fatalf("failed to load change: %v", err)
	}
	if change.UrgencyScore != 9 {
		t.Fatalf("expected urgency 9 for deletion, got %d", change.UrgencyScore)
	}
	if change.ChangeType != changes.ChangeTypeLifeEvent {
		t.Fatalf("expected life_event classification, got %s", change.ChangeType)
	}

	var personCount int64
	if err := db.Model(&people.Person{}).Count(&personCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if personCount != 0 {
		t.Fatalf("expected person row removed, found %d", personCount)
	}
}

func TestIngestDeleteForUnknownMember(t *testing.T) {
	service, _, _ := newTestIngest(t, []string{"change-1"})

	deleted := memberEvent("evt-1", EventTypeMemberDeleted, `{"id":"member-404"}`)
	result, err := service.Ingest(context.Background(), deleted, synclog.SyncTypeWebhook)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatalf("delete of unknown member must not be accepted")
	}
}

func TestIngestGroupEventWithoutMemberIsNoOp(t *testing.T) {
	service, db, _ := newTestIngest(t, []string{"change-1"})

	event := Event{
		ID:             "evt-1",
		Type:           EventTypeGroupUpdated,
		OrganizationID: "org-1",
		Group:          GroupPayload{GroupID: "grp-1", Name: "Youth"},
	}
	result, err := service.Ingest(context.Background(), event, synclog.SyncTypeWebhook)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected group event accepted as no-op")
	}

	var changeCount int64
	if err := db.Model(&changes.PersonChange{}).Count(&changeCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if changeCount != 0 {
		t.Fatalf("expected no change records, got %d", changeCount)
	}
}

func TestIngestFailedDeliveryLeavesNoPartialState(t *testing.T) {
	// Only one id available: the person insert succeeds inside the
	// transaction, then the change record cannot get an id and the whole
	// delivery rolls back.
	service, db, generator := newTestIngest(t, []string{"person-1"})

	event := memberEvent("evt-1", EventTypeMemberCreated, `{"id":"member-1","name":"Maria Silva"}`)
	_, err := service.Ingest(context.Background(), event, synclog.SyncTypeWebhook)
	if err == nil {
		t.Fatalf("expected delivery to fail")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected a coded service error, got %v", err)
	}
	if serviceErr.Code() != "ingest.event.apply_failed" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}

	var personCount, changeCount, markCount int64
	if err := db.Model(&people.Person{}).Count(&personCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if err := db.Model(&changes.PersonChange{}).Count(&changeCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if err := db.Model(&synclog.ProcessedEvent{}).Count(&markCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if personCount != 0 || changeCount != 0 || markCount != 0 {
		t.Fatalf("failed delivery must leave no rows, got people=%d changes=%d marks=%d",
			personCount, changeCount, markCount)
	}

	// Redelivery starts clean and lands exactly one change record.
	generator.ids = append(generator.ids, "person-2", "change-1")
	result, err := service.Ingest(context.Background(), event, synclog.SyncTypeWebhook)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if !result.Accepted || result.Duplicate {
		t.Fatalf("expected redelivery accepted, got %+v", result)
	}
	if err := db.Model(&changes.PersonChange{}).Count(&changeCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if changeCount != 1 {
		t.Fatalf("expected exactly one change record, got %d", changeCount)
	}

	third, err := service.Ingest(context.Background(), event, synclog.SyncTypeWebhook)
	if err != nil {
		t.Fatalf("third delivery failed: %v", err)
	}
	if !third.Duplicate {
		t.Fatalf("expected third delivery suppressed as duplicate, got %+v", third)
	}
}

func TestIngestPollingRecordsPollingSource(t *testing.T) {
	service, db, _ := newTestIngest(t, []string{"person-1", "change-1"})

	event := memberEvent("poll-org-1-member-1-x", EventTypeMemberUpdated, `{"id":"member-1","name":"Maria Silva"}`)
	result, err := service.Ingest(context.Background(), event, synclog.SyncTypePolling)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var change changes.PersonChange
	if err := db.Where("change_id = ?", result.ChangeID).Take(&change).Error; err != nil {
		t.Fatalf("failed to load change: %v", err)
	}
	if change.SyncSource != string(people.SyncSourcePolling) {
		t.Fatalf("expected polling sync source, got %s", change.SyncSource)
	}
}

func memberEvent(id string, eventType EventType, memberJSON string) Event {
	body := []byte(fmt.Sprintf(`{"id":%q,"type":%q,"organizationId":"org-1","data":%s}`, id, eventType, memberJSON))
	event, err := ParseEvent(body)
	if err != nil {
		panic(err)
	}
	return event
}

func newTestIngest(t *testing.T, ids []string) (*Service, *gorm.DB, *staticIDGenerator) {
	t.Helper()

	dsn := fmt.Sprintf("file:amparo_ingest_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&people.Organization{},
		&people.Person{},
		&changes.PersonChange{},
		&synclog.ExecutionLog{},
		&synclog.ProcessedEvent{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) }
	generator := &staticIDGenerator{ids: ids}

	peopleService, err := people.NewService(people.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct people service: %v", err)
	}

	logStore, err := synclog.NewStore(synclog.StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequentialLogIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct log store: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		People:     peopleService,
		Log:        logStore,
		Clock:      clock,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct ingest service: %v", err)
	}

	return service, db, generator
}

type sequentialLogIDs struct {
	next int
}

func (g *sequentialLogIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("log-%d", g.next), nil
}
