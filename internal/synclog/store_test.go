package synclog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestSeenAfterMarkProcessed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	seen, err := store.Seen(ctx, SyncTypeWebhook, "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Fatalf("fresh event must not be seen")
	}

	if err := store.MarkProcessed(ctx, SyncTypeWebhook, "evt-1"); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}

	seen, err = store.Seen(ctx, SyncTypeWebhook, "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen {
		t.Fatalf("marked event must be seen")
	}
}

func TestSeenScopedBySyncType(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.MarkProcessed(ctx, SyncTypeWebhook, "evt-1"); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}

	seen, err := store.Seen(ctx, SyncTypePolling, "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Fatalf("dedup must be scoped per sync type")
	}
}

func TestMarkProcessedRejectsDuplicateKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.MarkProcessed(ctx, SyncTypeWebhook, "evt-1"); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}
	if err := store.MarkProcessed(ctx, SyncTypeWebhook, "evt-1"); err == nil {
		t.Fatalf("expected composite key violation on second insert")
	}
}

func TestSeenLookupFailureCarriesOperationCode(t *testing.T) {
	store, db := newTestStore(t)

	if err := db.Migrator().DropTable(&ProcessedEvent{}); err != nil {
		t.Fatalf("drop table failed: %v", err)
	}

	_, err := store.Seen(context.Background(), SyncTypeWebhook, "evt-1")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected a coded service error, got %v", err)
	}
	if serviceErr.Code() != "synclog.seen.lookup_failed" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestRecordWritesExecutionLog(t *testing.T) {
	store, db := newTestStore(t)

	entry := Entry{
		SyncType:         SyncTypeEnrichment,
		Status:           RunStatusCompletedWithErrors,
		RecordsProcessed: 4,
		ExecutionTime:    1500 * time.Millisecond,
		ErrorMessage:     "org-a: directory timeout",
		StartedAt:        time.Date(2026, 6, 15, 11, 0, 0, 0, time.UTC),
	}
	if err := store.Record(context.Background(), entry); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	var row ExecutionLog
	if err := db.Take(&row).Error; err != nil {
		t.Fatalf("failed to load log row: %v", err)
	}
	if row.SyncType != SyncTypeEnrichment || row.Status != RunStatusCompletedWithErrors {
		t.Fatalf("unexpected row %+v", row)
	}
	if row.RecordsProcessed != 4 || row.ExecutionTimeMs != 1500 {
		t.Fatalf("unexpected counters %+v", row)
	}
	if row.ErrorMessage == "" {
		t.Fatalf("expected error message persisted")
	}
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:amparo_synclog_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ExecutionLog{}, &ProcessedEvent{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) },
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	return store, db
}

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("log-%d", g.next), nil
}
