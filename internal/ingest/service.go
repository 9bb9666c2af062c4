package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amparo-app/backend/internal/changes"
	"github.com/amparo-app/backend/internal/people"
	"github.com/amparo-app/backend/internal/synclog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingPeople   = errors.New("people service is required")
	errMissingLog      = errors.New("sync log store is required")
	errMissingIDGen    = errors.New("id provider is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "ingest.service.new"
	opIngest     = "ingest.event"
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

// IDProvider issues identifiers for change records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for the ingestion service.
type ServiceConfig struct {
	Database   *gorm.DB
	People     *people.Service
	Log        *synclog.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service normalizes inbound directory events into person mutations and
// immutable change records.
type Service struct {
	db         *gorm.DB
	people     *people.Service
	log        *synclog.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and returns a ready service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.People == nil {
		return nil, newServiceError(opServiceNew, "missing_people", errMissingPeople)
	}
	if cfg.Log == nil {
		return nil, newServiceError(opServiceNew, "missing_log", errMissingLog)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDGen)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		people:     cfg.People,
		log:        cfg.Log,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// IngestResult reports the effect of one event.
type IngestResult struct {
	Accepted  bool
	Duplicate bool
	Critical  bool
	PersonID  string
	ChangeID  string
}

// Ingest applies a validated event: duplicate suppression, person mutation,
// and exactly one change record on acceptance. Redelivery of an already
// handled event id is a no-op reported as Duplicate. The mutation and the
// dedup mark commit in one transaction, so a failed delivery leaves no
// partial state and redelivery after a failure starts from scratch; the
// composite key on processed_events aborts concurrent duplicates.
func (s *Service) Ingest(ctx context.Context, event Event, syncType synclog.SyncType) (IngestResult, error) {
	startedAt := s.clock().UTC()

	seen, err := s.log.Seen(ctx, syncType, event.ID)
	if err != nil {
		return IngestResult{}, s.fail(ctx, syncType, startedAt, "dedup_lookup_failed", event, err)
	}
	if seen {
		s.logger.Info("duplicate event suppressed",
			zap.String("event_id", event.ID),
			zap.String("sync_type", string(syncType)))
		s.writeLog(ctx, syncType, startedAt, synclog.RunStatusCompleted, 0, "")
		return IngestResult{Accepted: false, Duplicate: true}, nil
	}

	source := people.SyncSourceWebhook
	if syncType == synclog.SyncTypePolling {
		source = people.SyncSourcePolling
	}

	var result IngestResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := s.withTransaction(tx)
		applied, err := scoped.apply(ctx, event, source)
		if err != nil {
			return err
		}
		if err := scoped.log.MarkProcessed(ctx, syncType, event.ID); err != nil {
			return err
		}
		result = applied
		return nil
	})
	if txErr != nil {
		return IngestResult{}, s.fail(ctx, syncType, startedAt, "apply_failed", event, txErr)
	}

	records := 0
	if result.Accepted {
		records = 1
	}
	s.writeLog(ctx, syncType, startedAt, synclog.RunStatusCompleted, records, "")
	return result, nil
}

// withTransaction rebinds the service and its collaborators to one
// transaction handle.
func (s *Service) withTransaction(tx *gorm.DB) *Service {
	bound := *s
	bound.db = tx
	bound.people = s.people.WithTransaction(tx)
	bound.log = s.log.WithTransaction(tx)
	return &bound
}

func (s *Service) apply(ctx context.Context, event Event, source people.SyncSource) (IngestResult, error) {
	switch event.Type {
	case EventTypeMemberCreated, EventTypeMemberUpdated:
		return s.applyMemberUpsert(ctx, event, source)
	case EventTypeMemberDeleted:
		return s.applyMemberDelete(ctx, event, source)
	case EventTypeGroupUpdated:
		return s.applyGroupUpdate(ctx, event, source)
	default:
		return IngestResult{}, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, event.Type)
	}
}

func (s *Service) applyMemberUpsert(ctx context.Context, event Event, source people.SyncSource) (IngestResult, error) {
	birthDate, err := ParseBirthDate(event.Member.BirthDate)
	if err != nil {
		return IngestResult{}, err
	}

	profileJSON := ""
	if len(event.Member.Profile) > 0 {
		profileJSON = string(event.Member.Profile)
	}

	record := people.MemberRecord{
		ExternalID:    event.Member.ID,
		LeaderID:      event.Member.LeaderID,
		Name:          event.Member.Name,
		Email:         event.Member.Email,
		Phone:         event.Member.Phone,
		MaritalStatus: event.Member.MaritalStatus,
		Address:       event.Member.Address,
		BirthDate:     birthDate,
		ProfileJSON:   profileJSON,
	}

	outcome, err := s.people.ApplySync(ctx, event.OrganizationID, record, source)
	if err != nil {
		return IngestResult{}, err
	}

	kind := changes.EventKindUpdate
	if outcome.Created {
		kind = changes.EventKindCreate
	}

	changeID, critical, err := s.recordChange(ctx, event, outcome.Person.PersonID, kind,
		outcome.ChangedFields, outcome.OldValues, outcome.NewValues, source)
	if err != nil {
		return IngestResult{}, err
	}

	return IngestResult{
		Accepted: true,
		Critical: critical,
		PersonID: outcome.Person.PersonID,
		ChangeID: changeID,
	}, nil
}

func (s *Service) applyMemberDelete(ctx context.Context, event Event, source people.SyncSource) (IngestResult, error) {
	person, err := s.people.Delete(ctx, event.OrganizationID, event.Member.ID)
	if errors.Is(err, people.ErrPersonNotFound) {
		s.logger.Warn("delete event for unknown member",
			zap.String("event_id", event.ID),
			zap.String("member_id", event.Member.ID))
		return IngestResult{Accepted: false}, nil
	}
	if err != nil {
		return IngestResult{}, err
	}

	oldValues := map[string]string{"name": person.Name, "memberId": person.InChurchMemberID}
	changeID, critical, err := s.recordChange(ctx, event, person.PersonID, changes.EventKindDelete,
		nil, oldValues, nil, source)
	if err != nil {
		return IngestResult{}, err
	}

	return IngestResult{
		Accepted: true,
		Critical: critical,
		PersonID: person.PersonID,
		ChangeID: changeID,
	}, nil
}

// Group updates carry no per-member delta. When the payload names a member an
// engagement change is recorded against them; otherwise the event is accepted
// as a no-op.
func (s *Service) applyGroupUpdate(ctx context.Context, event Event, source people.SyncSource) (IngestResult, error) {
	if event.Group.MemberID == "" {
		return IngestResult{Accepted: true}, nil
	}

	person, err := s.people.GetByExternalID(ctx, event.OrganizationID, event.Group.MemberID)
	if errors.Is(err, people.ErrPersonNotFound) {
		s.logger.Warn("group event for unknown member",
			zap.String("event_id", event.ID),
			zap.String("member_id", event.Group.MemberID))
		return IngestResult{Accepted: false}, nil
	}
	if err != nil {
		return IngestResult{}, err
	}

	newValues := map[string]string{"groupId": event.Group.GroupID, "groupName": event.Group.Name}
	changeID, critical, err := s.recordChange(ctx, event, person.PersonID, changes.EventKindGroup,
		nil, nil, newValues, source)
	if err != nil {
		return IngestResult{}, err
	}

	return IngestResult{
		Accepted: true,
		Critical: critical,
		PersonID: person.PersonID,
		ChangeID: changeID,
	}, nil
}

func (s *Service) recordChange(ctx context.Context, event Event, personID string, kind changes.EventKind, changedFields []string, oldValues, newValues map[string]string, source people.SyncSource) (string, bool, error) {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		return "", false, newServiceError(opIngest, "id_generation_failed", err)
	}

	detectedAt := event.Timestamp
	if detectedAt.IsZero() {
		detectedAt = s.clock().UTC()
	}

	critical := changes.IsCritical(kind, changedFields)
	change := changes.PersonChange{
		ChangeID:       changeID,
		OrganizationID: event.OrganizationID,
		PersonID:       personID,
		ChangeType:     changes.Classify(kind, changedFields),
		ChangedFields:  changes.JoinFields(changedFields),
		OldValueJSON:   marshalValues(oldValues),
		NewValueJSON:   marshalValues(newValues),
		DetectedAt:     detectedAt,
		UrgencyScore:   changes.Score(kind, changedFields),
		Critical:       critical,
		SyncSource:     string(source),
	}

	if err := s.db.WithContext(ctx).Create(&change).Error; err != nil {
		s.logger.Error("change record insert failed",
			zap.String("event_id", event.ID),
			zap.String("person_id", personID),
			zap.Error(err))
		return "", false, newServiceError(opIngest, "change_insert_failed", err)
	}

	return changeID, critical, nil
}

func marshalValues(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func (s *Service) fail(ctx context.Context, syncType synclog.SyncType, startedAt time.Time, reason string, event Event, cause error) error {
	s.logger.Error("event ingestion failed",
		zap.String("event_id", event.ID),
		zap.String("reason", reason),
		zap.Error(cause))
	s.writeLog(ctx, syncType, startedAt, synclog.RunStatusFailed, 0, cause.Error())
	return newServiceError(opIngest, reason, cause)
}

func (s *Service) writeLog(ctx context.Context, syncType synclog.SyncType, startedAt time.Time, status synclog.RunStatus, records int, message string) {
	entry := synclog.Entry{
		SyncType:         syncType,
		Status:           status,
		RecordsProcessed: records,
		ExecutionTime:    s.clock().UTC().Sub(startedAt),
		ErrorMessage:     message,
		StartedAt:        startedAt,
	}
	// Best effort: the ingest outcome stands even if observability writes fail.
	_ = s.log.Record(ctx, entry)
}
