package synclog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew      = "synclog.store.new"
	opRecord        = "synclog.record"
	opSeen          = "synclog.seen"
	opMarkProcessed = "synclog.mark_processed"
)

// ServiceError carries an operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for log rows.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies for the execution-log store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists execution logs and the processed-event dedup set.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates dependencies and returns a ready store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// WithTransaction returns a copy of the store bound to the transaction handle.
func (s *Store) WithTransaction(tx *gorm.DB) *Store {
	bound := *s
	bound.db = tx
	return &bound
}

// Entry captures one run summary for the append-only log.
type Entry struct {
	SyncType         SyncType
	Status           RunStatus
	RecordsProcessed int
	ExecutionTime    time.Duration
	ErrorMessage     string
	StartedAt        time.Time
}

// Record appends an execution-log row. Logged but non-fatal on failure: the
// pipeline result must not be lost because observability writes failed.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	logID, err := s.idProvider.NewID()
	if err != nil {
		s.logger.Error("execution log id generation failed", zap.Error(err))
		return newServiceError(opRecord, "id_generation_failed", err)
	}

	row := ExecutionLog{
		LogID:            logID,
		SyncType:         entry.SyncType,
		Status:           entry.Status,
		RecordsProcessed: entry.RecordsProcessed,
		ExecutionTimeMs:  entry.ExecutionTime.Milliseconds(),
		ErrorMessage:     entry.ErrorMessage,
		StartedAt:        entry.StartedAt.UTC(),
		FinishedAt:       s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Error("execution log write failed",
			zap.String("sync_type", string(entry.SyncType)), zap.Error(err))
		return newServiceError(opRecord, "insert_failed", err)
	}
	return nil
}

// Seen reports whether the event identifier was already handled for the sync
// type. Direct keyed lookup against the dedup table.
func (s *Store) Seen(ctx context.Context, syncType SyncType, eventID string) (bool, error) {
	var row ProcessedEvent
	err := s.db.WithContext(ctx).
		Where("sync_type = ? AND event_id = ?", syncType, eventID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		s.logger.Error("processed event lookup failed",
			zap.String("event_id", eventID), zap.Error(err))
		return false, newServiceError(opSeen, "lookup_failed", err)
	}
	return true, nil
}

// MarkProcessed records the event identifier in the dedup set.
func (s *Store) MarkProcessed(ctx context.Context, syncType SyncType, eventID string) error {
	row := ProcessedEvent{
		SyncType:  syncType,
		EventID:   eventID,
		HandledAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Error("processed event write failed",
			zap.String("event_id", eventID), zap.Error(err))
		return newServiceError(opMarkProcessed, "insert_failed", err)
	}
	return nil
}
