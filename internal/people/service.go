package people

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amparo-app/backend/internal/changes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrPersonNotFound indicates the referenced person does not exist.
	ErrPersonNotFound = errors.New("people: person not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingExternalID = errors.New("external member id is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "people.service.new"
	opApplySync  = "people.apply_sync"
	opDelete     = "people.delete"
	opGet        = "people.get"
	opListOrgs   = "people.list_organizations"
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

// IDProvider issues identifiers for new person rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for the people service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns person and organization persistence for the sync pipeline.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and returns a ready service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// WithTransaction returns a copy of the service bound to the transaction
// handle, so callers can fold person mutations into their own atomic unit.
func (s *Service) WithTransaction(tx *gorm.DB) *Service {
	bound := *s
	bound.db = tx
	return &bound
}

// MemberRecord is the normalized member payload from a webhook or the
// directory API, before it is reconciled against the stored person.
type MemberRecord struct {
	ExternalID    string
	LeaderID      string
	Name          string
	Email         string
	Phone         string
	MaritalStatus string
	Address       string
	BirthDate     *time.Time
	ProfileJSON   string
}

// SyncOutcome reports the effect of reconciling a member record.
type SyncOutcome struct {
	Person        Person
	Created       bool
	ChangedFields []string
	OldValues     map[string]string
	NewValues     map[string]string
}

// ApplySync upserts the person keyed by (organization, external member id):
// update-if-exists, insert-otherwise, never duplicate. The outcome lists the
// fields that materially changed so the caller can record a change fact.
func (s *Service) ApplySync(ctx context.Context, organizationID string, record MemberRecord, source SyncSource) (SyncOutcome, error) {
	if record.ExternalID == "" {
		return SyncOutcome{}, newServiceError(opApplySync, "missing_external_id", errMissingExternalID)
	}

	now := s.clock().UTC()

	var existing Person
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND inchurch_member_id = ?", organizationID, record.ExternalID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.createPerson(ctx, organizationID, record, source, now)
	}
	if err != nil {
		s.logError(opApplySync, "select_failed", err, zap.String("organization_id", organizationID))
		return SyncOutcome{}, newServiceError(opApplySync, "select_failed", err)
	}

	outcome := diffPerson(existing, record)

	existing.Name = record.Name
	existing.Email = record.Email
	existing.Phone = record.Phone
	existing.MaritalStatus = record.MaritalStatus
	existing.Address = record.Address
	existing.BirthDate = record.BirthDate
	if record.LeaderID != "" {
		existing.LeaderID = record.LeaderID
	}
	if record.ProfileJSON != "" {
		existing.ProfileJSON = record.ProfileJSON
	}
	existing.SyncSource = source
	existing.LastSyncedAt = now
	existing.UpdatedAt = now

	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		s.logError(opApplySync, "save_failed", err,
			zap.String("organization_id", organizationID),
			zap.String("person_id", existing.PersonID))
		return SyncOutcome{}, newServiceError(opApplySync, "save_failed", err)
	}

	outcome.Person = existing
	return outcome, nil
}

func (s *Service) createPerson(ctx context.Context, organizationID string, record MemberRecord, source SyncSource, now time.Time) (SyncOutcome, error) {
	personID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opApplySync, "id_generation_failed", err)
		return SyncOutcome{}, newServiceError(opApplySync, "id_generation_failed", err)
	}

	person := Person{
		PersonID:         personID,
		OrganizationID:   organizationID,
		LeaderID:         record.LeaderID,
		InChurchMemberID: record.ExternalID,
		Name:             record.Name,
		Email:            record.Email,
		Phone:            record.Phone,
		BirthDate:        record.BirthDate,
		MaritalStatus:    record.MaritalStatus,
		Address:          record.Address,
		ProfileJSON:      record.ProfileJSON,
		SyncSource:       source,
		LastSyncedAt:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(&person).Error; err != nil {
		s.logError(opApplySync, "create_failed", err, zap.String("organization_id", organizationID))
		return SyncOutcome{}, newServiceError(opApplySync, "create_failed", err)
	}

	return SyncOutcome{Person: person, Created: true}, nil
}

// Delete removes the person on an explicit member-deleted event and returns
// the removed row so the caller can record the terminal change.
func (s *Service) Delete(ctx context.Context, organizationID, externalID string) (Person, error) {
	var existing Person
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND inchurch_member_id = ?", organizationID, externalID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Person{}, newServiceError(opDelete, "not_found", ErrPersonNotFound)
	}
	if err != nil {
		s.logError(opDelete, "select_failed", err, zap.String("organization_id", organizationID))
		return Person{}, newServiceError(opDelete, "select_failed", err)
	}

	if err := s.db.WithContext(ctx).Delete(&Person{}, "person_id = ?", existing.PersonID).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("person_id", existing.PersonID))
		return Person{}, newServiceError(opDelete, "delete_failed", err)
	}

	return existing, nil
}

// GetByExternalID loads a person by its directory identity.
func (s *Service) GetByExternalID(ctx context.Context, organizationID, externalID string) (Person, error) {
	var person Person
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND inchurch_member_id = ?", organizationID, externalID).
		Take(&person).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Person{}, newServiceError(opGet, "not_found", ErrPersonNotFound)
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("organization_id", organizationID))
		return Person{}, newServiceError(opGet, "select_failed", err)
	}
	return person, nil
}

// Get loads a person by identifier.
func (s *Service) Get(ctx context.Context, personID string) (Person, error) {
	var person Person
	err := s.db.WithContext(ctx).Where("person_id = ?", personID).Take(&person).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Person{}, newServiceError(opGet, "not_found", ErrPersonNotFound)
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("person_id", personID))
		return Person{}, newServiceError(opGet, "select_failed", err)
	}
	return person, nil
}

// GetOrganization loads one organization row.
func (s *Service) GetOrganization(ctx context.Context, organizationID string) (Organization, error) {
	var org Organization
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Take(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Organization{}, newServiceError(opListOrgs, "not_found", gorm.ErrRecordNotFound)
	}
	if err != nil {
		s.logError(opListOrgs, "select_failed", err, zap.String("organization_id", organizationID))
		return Organization{}, newServiceError(opListOrgs, "select_failed", err)
	}
	return org, nil
}

// ListActiveOrganizations returns the organizations jobs fan out across.
func (s *Service) ListActiveOrganizations(ctx context.Context) ([]Organization, error) {
	var orgs []Organization
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("organization_id ASC").
		Find(&orgs).Error; err != nil {
		s.logError(opListOrgs, "query_failed", err)
		return nil, newServiceError(opListOrgs, "query_failed", err)
	}
	return orgs, nil
}

func diffPerson(existing Person, record MemberRecord) SyncOutcome {
	outcome := SyncOutcome{
		OldValues: map[string]string{},
		NewValues: map[string]string{},
	}

	compare := func(field, oldValue, newValue string) {
		if oldValue == newValue {
			return
		}
		outcome.ChangedFields = append(outcome.ChangedFields, field)
		outcome.OldValues[field] = oldValue
		outcome.NewValues[field] = newValue
	}

	compare(changes.FieldName, existing.Name, record.Name)
	compare(changes.FieldEmail, existing.Email, record.Email)
	compare(changes.FieldPhone, existing.Phone, record.Phone)
	compare(changes.FieldMaritalStatus, existing.MaritalStatus, record.MaritalStatus)
	compare(changes.FieldAddress, existing.Address, record.Address)
	compare(changes.FieldBirthDate, formatBirthDate(existing.BirthDate), formatBirthDate(record.BirthDate))

	return outcome
}

func formatBirthDate(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format("2006-01-02")
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("people service error", attrs...)
}
