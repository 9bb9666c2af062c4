package initiatives

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amparo-app/backend/internal/changes"
	"github.com/amparo-app/backend/internal/people"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingPeople   = errors.New("people service is required")
	errMissingIDGen    = errors.New("id provider is required")
	noOpLogger         = zap.NewNop()
)

const (
	opGeneratorNew = "initiatives.generator.new"
	opGenerate     = "initiatives.generate"

	defaultBatchSize = 50
	defaultMaxPerson = 3
	duplicateWindow  = 7 * 24 * time.Hour
	dueSoonDays      = 1
	dueThisWeekDays  = 7
	dueThisMonthDays = 30
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

// IDProvider issues identifiers for initiative rows.
type IDProvider interface {
	NewID() (string, error)
}

// GeneratorConfig describes the dependencies for the generator.
type GeneratorConfig struct {
	Database   *gorm.DB
	People     *people.Service
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Generator turns processed, scored changes into leader-facing initiatives.
type Generator struct {
	db         *gorm.DB
	people     *people.Service
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewGenerator validates dependencies and returns a ready generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opGeneratorNew, "missing_database", errMissingDatabase)
	}
	if cfg.People == nil {
		return nil, newServiceError(opGeneratorNew, "missing_people", errMissingPeople)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opGeneratorNew, "missing_id_provider", errMissingIDGen)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Generator{
		db:         cfg.Database,
		people:     cfg.People,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Options tunes one generation pass.
type Options struct {
	OrganizationID          string
	MaxInitiativesPerPerson int
	BatchSize               int
	SkipDuplicates          bool
}

// Result aggregates one generation pass.
type Result struct {
	InitiativesGenerated int
	ChangesProcessed     int
	Errors               []string
	ProcessingTime       time.Duration
}

// GenerateFromProcessedChanges walks scored changes not yet linked to an
// initiative, most urgent first, and creates at most one initiative per
// accepted change while honoring the per-person open cap.
func (g *Generator) GenerateFromProcessedChanges(ctx context.Context, opts Options) (Result, error) {
	return g.generate(ctx, opts, "")
}

// GenerateForPerson runs the same pass constrained to a single person.
func (g *Generator) GenerateForPerson(ctx context.Context, personID string, maxInitiatives int) (Result, error) {
	opts := Options{
		MaxInitiativesPerPerson: maxInitiatives,
		SkipDuplicates:          true,
	}
	return g.generate(ctx, opts, personID)
}

func (g *Generator) generate(ctx context.Context, opts Options, personID string) (Result, error) {
	startedAt := g.clock()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxPerPerson := opts.MaxInitiativesPerPerson
	if maxPerPerson <= 0 {
		maxPerPerson = defaultMaxPerson
	}

	linked := g.db.Model(&Initiative{}).Select("change_id").Where("change_id <> ''")
	query := g.db.WithContext(ctx).
		Where("processed_at IS NOT NULL").
		Where("change_id NOT IN (?)", linked).
		Order("COALESCE(enhanced_score, urgency_score) DESC, detected_at ASC").
		Limit(batchSize)
	if opts.OrganizationID != "" {
		query = query.Where("organization_id = ?", opts.OrganizationID)
	}
	if personID != "" {
		query = query.Where("person_id = ?", personID)
	}

	var candidates []changes.PersonChange
	if err := query.Find(&candidates).Error; err != nil {
		g.logger.Error("candidate change query failed", zap.Error(err))
		return Result{}, newServiceError(opGenerate, "query_failed", err)
	}

	result := Result{}
	for _, change := range candidates {
		result.ChangesProcessed++

		created, err := g.generateForChange(ctx, change, maxPerPerson, opts.SkipDuplicates)
		if err != nil {
			g.logger.Warn("initiative generation failed for change",
				zap.String("change_id", change.ChangeID), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", change.ChangeID, err))
			continue
		}
		if created {
			result.InitiativesGenerated++
		}
	}

	result.ProcessingTime = g.clock().Sub(startedAt)
	return result, nil
}

func (g *Generator) generateForChange(ctx context.Context, change changes.PersonChange, maxPerPerson int, skipDuplicates bool) (bool, error) {
	person, err := g.people.Get(ctx, change.PersonID)
	if errors.Is(err, people.ErrPersonNotFound) {
		g.logger.Info("skipping change for missing person",
			zap.String("change_id", change.ChangeID),
			zap.String("person_id", change.PersonID))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	openCount, err := g.countOpen(ctx, change.PersonID)
	if err != nil {
		return false, err
	}
	if openCount >= int64(maxPerPerson) {
		g.logger.Debug("open initiative cap reached",
			zap.String("person_id", change.PersonID), zap.Int64("open", openCount))
		return false, nil
	}

	score := change.FinalScore()
	initiativeType := SelectType(change.ChangeType, score)

	if skipDuplicates {
		duplicate, err := g.hasRecentDuplicate(ctx, change, initiativeType)
		if err != nil {
			return false, err
		}
		if duplicate {
			g.logger.Debug("near-duplicate initiative suppressed",
				zap.String("person_id", change.PersonID),
				zap.String("type", string(initiativeType)))
			return false, nil
		}
	}

	initiativeID, err := g.idProvider.NewID()
	if err != nil {
		return false, newServiceError(opGenerate, "id_generation_failed", err)
	}

	now := g.clock().UTC()
	analysis := decodeAnalysis(change.AIAnalysisJSON)
	dueDate := deriveDueDate(now, analysis.Timing)

	initiative := Initiative{
		InitiativeID:     initiativeID,
		OrganizationID:   change.OrganizationID,
		LeaderID:         person.LeaderID,
		PersonID:         person.PersonID,
		ChangeID:         change.ChangeID,
		Type:             initiativeType,
		Title:            TitleFor(initiativeType, person.Name),
		Description:      analysis.Summary,
		SuggestedMessage: analysis.SuggestedMessage,
		Status:           StatusPending,
		Priority:         score,
		DueDate:          &dueDate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := g.db.WithContext(ctx).Create(&initiative).Error; err != nil {
		return false, newServiceError(opGenerate, "insert_failed", err)
	}
	return true, nil
}

func (g *Generator) countOpen(ctx context.Context, personID string) (int64, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&Initiative{}).
		Where("person_id = ? AND status IN ?", personID, []Status{StatusPending, StatusInProgress}).
		Count(&count).Error
	if err != nil {
		return 0, newServiceError(opGenerate, "open_count_failed", err)
	}
	return count, nil
}

// hasRecentDuplicate looks for an open initiative of the same type for the
// same person whose originating change shares this change's category within
// the recency window.
func (g *Generator) hasRecentDuplicate(ctx context.Context, change changes.PersonChange, initiativeType Type) (bool, error) {
	cutoff := g.clock().UTC().Add(-duplicateWindow)

	var count int64
	err := g.db.WithContext(ctx).
		Table("initiatives").
		Joins("JOIN person_changes ON person_changes.change_id = initiatives.change_id").
		Where("initiatives.person_id = ?", change.PersonID).
		Where("initiatives.type = ?", initiativeType).
		Where("initiatives.status IN ?", []Status{StatusPending, StatusInProgress}).
		Where("person_changes.change_type = ?", change.ChangeType).
		Where("initiatives.created_at >= ?", cutoff).
		Count(&count).Error
	if err != nil {
		return false, newServiceError(opGenerate, "duplicate_check_failed", err)
	}
	return count > 0, nil
}

type storedAnalysis struct {
	Timing           string `json:"timing"`
	Summary          string `json:"summary"`
	SuggestedMessage string `json:"suggestedMessage"`
}

func decodeAnalysis(raw string) storedAnalysis {
	var analysis storedAnalysis
	if raw == "" {
		return analysis
	}
	_ = json.Unmarshal([]byte(raw), &analysis)
	return analysis
}

func deriveDueDate(now time.Time, timing string) time.Time {
	switch timing {
	case "immediate":
		return now.AddDate(0, 0, dueSoonDays)
	case "this_month":
		return now.AddDate(0, 0, dueThisMonthDays)
	default:
		return now.AddDate(0, 0, dueThisWeekDays)
	}
}
