package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amparo-app/backend/internal/changes"
	"github.com/amparo-app/backend/internal/enrich"
	"github.com/amparo-app/backend/internal/inchurch"
	"github.com/amparo-app/backend/internal/ingest"
	"github.com/amparo-app/backend/internal/initiatives"
	"github.com/amparo-app/backend/internal/people"
	"github.com/amparo-app/backend/internal/synclog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingPeople    = errors.New("people service is required")
	errMissingIngest    = errors.New("ingest service is required")
	errMissingEnrich    = errors.New("enrich service is required")
	errMissingGenerator = errors.New("initiative generator is required")
	errMissingDirectory = errors.New("directory client is required")
	errMissingLog       = errors.New("sync log store is required")
	errMissingPacer     = errors.New("pacer is required")
	errBudgetExceeded   = errors.New("jobs: run budget exceeded")
	noOpLogger          = zap.NewNop()
)

const (
	opRunnerNew    = "jobs.runner.new"
	opDailySync    = "jobs.daily_sync"
	opEnrichment   = "jobs.enrichment"
	opGeneration   = "jobs.generation"
	errorListLimit = 5

	pollingWindow = 24 * time.Hour
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

// DirectoryClient is the slice of the member-directory API the sync job uses.
type DirectoryClient interface {
	GetMembers(ctx context.Context, organizationID string, filters inchurch.MemberFilters) ([]inchurch.Member, error)
}

// Pacer spaces out per-organization work to respect upstream rate limits.
type Pacer interface {
	Wait(ctx context.Context) error
}

// RunnerConfig describes the dependencies for the orchestration runner.
type RunnerConfig struct {
	Database  *gorm.DB
	People    *people.Service
	Ingest    *ingest.Service
	Enrich    *enrich.Service
	Generator *initiatives.Generator
	Directory DirectoryClient
	Log       *synclog.Store
	Pacer     Pacer
	Clock     func() time.Time
	Logger    *zap.Logger

	BatchSize               int
	MaxInitiativesPerPerson int
	Budget                  time.Duration
}

// Runner drives the pipeline stages across organizations, one at a time,
// isolating each organization's failures from the rest of the run.
type Runner struct {
	db        *gorm.DB
	people    *people.Service
	ingest    *ingest.Service
	enrich    *enrich.Service
	generator *initiatives.Generator
	directory DirectoryClient
	log       *synclog.Store
	pacer     Pacer
	clock     func() time.Time
	logger    *zap.Logger

	batchSize    int
	maxPerPerson int
	budget       time.Duration
}

// NewRunner validates dependencies and returns a ready runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRunnerNew, "missing_database", errMissingDatabase)
	}
	if cfg.People == nil {
		return nil, newServiceError(opRunnerNew, "missing_people", errMissingPeople)
	}
	if cfg.Ingest == nil {
		return nil, newServiceError(opRunnerNew, "missing_ingest", errMissingIngest)
	}
	if cfg.Enrich == nil {
		return nil, newServiceError(opRunnerNew, "missing_enrich", errMissingEnrich)
	}
	if cfg.Generator == nil {
		return nil, newServiceError(opRunnerNew, "missing_generator", errMissingGenerator)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opRunnerNew, "missing_directory", errMissingDirectory)
	}
	if cfg.Log == nil {
		return nil, newServiceError(opRunnerNew, "missing_log", errMissingLog)
	}
	if cfg.Pacer == nil {
		return nil, newServiceError(opRunnerNew, "missing_pacer", errMissingPacer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Runner{
		db:           cfg.Database,
		people:       cfg.People,
		ingest:       cfg.Ingest,
		enrich:       cfg.Enrich,
		generator:    cfg.Generator,
		directory:    cfg.Directory,
		log:          cfg.Log,
		pacer:        cfg.Pacer,
		clock:        clock,
		logger:       logger,
		batchSize:    cfg.BatchSize,
		maxPerPerson: cfg.MaxInitiativesPerPerson,
		budget:       cfg.Budget,
	}, nil
}

// OrgOutcome reports one organization's slice of a run.
type OrgOutcome struct {
	Records int     `json:"records"`
	Cost    float64 `json:"cost,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// JobSummary aggregates one run across organizations.
type JobSummary struct {
	Status                 synclog.RunStatus
	ExecutionTime          time.Duration
	OrganizationsProcessed int
	TotalRecords           int
	TotalCost              float64
	Errors                 []string
	Results                map[string]OrgOutcome
}

// RunDailySync polls the directory for each active organization and feeds
// member deltas through ingestion.
func (r *Runner) RunDailySync(ctx context.Context) (JobSummary, error) {
	return r.run(ctx, synclog.SyncTypePolling, opDailySync, r.listActiveOrgIDs, r.syncOrganization)
}

// RunEnrichment scores pending changes per organization with the model pass.
func (r *Runner) RunEnrichment(ctx context.Context) (JobSummary, error) {
	return r.run(ctx, synclog.SyncTypeEnrichment, opEnrichment, r.listOrgsWithPendingChanges, r.enrichOrganization)
}

// RunGeneration emits initiatives from processed changes per organization.
func (r *Runner) RunGeneration(ctx context.Context) (JobSummary, error) {
	return r.run(ctx, synclog.SyncTypeInitiatives, opGeneration, r.listOrgsWithProcessedChanges, r.generateOrganization)
}

type orgLister func(ctx context.Context) ([]string, error)

type orgWorker func(ctx context.Context, organizationID string) (OrgOutcome, error)

// run is the shared driver: enumerate organizations, pace between them,
// isolate per-organization failures, and persist one execution-log row.
// Only an enumeration (setup) failure is fatal to the whole run.
func (r *Runner) run(ctx context.Context, syncType synclog.SyncType, operation string, list orgLister, work orgWorker) (JobSummary, error) {
	startedAt := r.clock().UTC()

	orgIDs, err := list(ctx)
	if err != nil {
		r.logger.Error("organization enumeration failed",
			zap.String("job", operation), zap.Error(err))
		r.writeLog(ctx, syncType, startedAt, synclog.RunStatusFailed, 0, err.Error())
		return JobSummary{}, newServiceError(operation, "setup_failed", err)
	}

	summary := JobSummary{Results: make(map[string]OrgOutcome, len(orgIDs))}
	for _, orgID := range orgIDs {
		if r.budget > 0 && r.clock().UTC().Sub(startedAt) > r.budget {
			r.logger.Warn("run budget exceeded, stopping early",
				zap.String("job", operation),
				zap.Int("organizations_remaining", len(orgIDs)-summary.OrganizationsProcessed))
			summary.Errors = append(summary.Errors, errBudgetExceeded.Error())
			break
		}

		if err := r.pacer.Wait(ctx); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", orgID, err))
			break
		}

		outcome, err := work(ctx, orgID)
		if err != nil {
			r.logger.Error("organization run failed",
				zap.String("job", operation),
				zap.String("organization_id", orgID),
				zap.Error(err))
			outcome.Error = err.Error()
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", orgID, err))
		} else if outcome.Error != "" {
			// A worker can finish while individual records inside the
			// organization degraded; those still count against the run.
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", orgID, outcome.Error))
		}

		summary.Results[orgID] = outcome
		summary.OrganizationsProcessed++
		summary.TotalRecords += outcome.Records
		summary.TotalCost += outcome.Cost
	}

	summary.Status = synclog.RunStatusCompleted
	if len(summary.Errors) > 0 {
		summary.Status = synclog.RunStatusCompletedWithErrors
	}
	summary.ExecutionTime = r.clock().UTC().Sub(startedAt)

	r.writeLog(ctx, syncType, startedAt, summary.Status, summary.TotalRecords, truncateErrors(summary.Errors))
	return summary, nil
}

// syncOrganization pulls recently updated members and replays them through
// ingestion. The synthetic event id folds in the member's upstream update
// stamp, so an unchanged member dedups against the previous poll.
func (r *Runner) syncOrganization(ctx context.Context, organizationID string) (OrgOutcome, error) {
	since := r.clock().UTC().Add(-pollingWindow)
	members, err := r.directory.GetMembers(ctx, organizationID, inchurch.MemberFilters{UpdatedSince: since})
	if err != nil {
		return OrgOutcome{}, err
	}

	outcome := OrgOutcome{}
	for _, member := range members {
		event := ingest.Event{
			ID:             fmt.Sprintf("poll-%s-%s-%s", organizationID, member.ID, member.UpdatedAt),
			Type:           ingest.EventTypeMemberUpdated,
			OrganizationID: organizationID,
			Member: ingest.MemberPayload{
				ID:            member.ID,
				LeaderID:      member.LeaderID,
				Name:          member.Name,
				Email:         member.Email,
				Phone:         member.Phone,
				BirthDate:     member.BirthDate,
				MaritalStatus: member.MaritalStatus,
				Address:       member.Address,
				Profile:       member.Profile,
			},
		}

		result, err := r.ingest.Ingest(ctx, event, synclog.SyncTypePolling)
		if err != nil {
			return outcome, err
		}
		if result.Accepted {
			outcome.Records++
		}
	}
	return outcome, nil
}

func (r *Runner) enrichOrganization(ctx context.Context, organizationID string) (OrgOutcome, error) {
	summary, err := r.enrich.ProcessUnprocessedChanges(ctx, enrich.Options{
		OrganizationID: organizationID,
		BatchSize:      r.batchSize,
	})
	if err != nil {
		return OrgOutcome{}, err
	}

	outcome := OrgOutcome{Records: summary.TotalProcessed, Cost: summary.TotalCost}
	if len(summary.Errors) > 0 {
		outcome.Error = strings.Join(summary.Errors, "; ")
	}
	return outcome, nil
}

func (r *Runner) generateOrganization(ctx context.Context, organizationID string) (OrgOutcome, error) {
	result, err := r.generator.GenerateFromProcessedChanges(ctx, initiatives.Options{
		OrganizationID:          organizationID,
		MaxInitiativesPerPerson: r.maxPerPerson,
		BatchSize:               r.batchSize,
		SkipDuplicates:          true,
	})
	if err != nil {
		return OrgOutcome{}, err
	}

	outcome := OrgOutcome{Records: result.InitiativesGenerated}
	if len(result.Errors) > 0 {
		outcome.Error = strings.Join(result.Errors, "; ")
	}
	return outcome, nil
}

func (r *Runner) listActiveOrgIDs(ctx context.Context) ([]string, error) {
	orgs, err := r.people.ListActiveOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(orgs))
	for _, org := range orgs {
		ids = append(ids, org.OrganizationID)
	}
	return ids, nil
}

func (r *Runner) listOrgsWithPendingChanges(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&changes.PersonChange{}).
		Where("processed_at IS NULL").
		Distinct("organization_id").
		Order("organization_id ASC").
		Pluck("organization_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Runner) listOrgsWithProcessedChanges(ctx context.Context) ([]string, error) {
	linked := r.db.Model(&initiatives.Initiative{}).Select("change_id").Where("change_id <> ''")

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&changes.PersonChange{}).
		Where("processed_at IS NOT NULL").
		Where("change_id NOT IN (?)", linked).
		Distinct("organization_id").
		Order("organization_id ASC").
		Pluck("organization_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Runner) writeLog(ctx context.Context, syncType synclog.SyncType, startedAt time.Time, status synclog.RunStatus, records int, message string) {
	entry := synclog.Entry{
		SyncType:         syncType,
		Status:           status,
		RecordsProcessed: records,
		ExecutionTime:    r.clock().UTC().Sub(startedAt),
		ErrorMessage:     message,
		StartedAt:        startedAt,
	}
	if err := r.log.Record(ctx, entry); err != nil {
		r.logger.Warn("execution log write failed", zap.Error(err))
	}
}

func truncateErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	kept := errs
	suffix := ""
	if len(kept) > errorListLimit {
		kept = kept[:errorListLimit]
		suffix = fmt.Sprintf(" (+%d more)", len(errs)-errorListLimit)
	}
	return strings.Join(kept, "; ") + suffix
}
