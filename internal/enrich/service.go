package enrich

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
	errMissingModel    = errors.New("model client is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "enrich.service.new"
	opProcess    = "enrich.process_unprocessed"

	defaultBatchSize  = 50
	historyWindowDays = 90
	historyLimit      = 10
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

// ServiceConfig describes the dependencies for the enrichment service.
type ServiceConfig struct {
	Database *gorm.DB
	People   *people.Service
	Model    ModelClient
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service runs the model-assisted second scoring pass over pending changes.
type Service struct {
	db     *gorm.DB
	people *people.Service
	model  ModelClient
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates dependencies and returns a ready service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.People == nil {
		return nil, newServiceError(opServiceNew, "missing_people", errMissingPeople)
	}
	if cfg.Model == nil {
		return nil, newServiceError(opServiceNew, "missing_model", errMissingModel)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, people: cfg.People, model: cfg.Model, clock: clock, logger: logger}, nil
}

// Options tunes one enrichment pass.
type Options struct {
	OrganizationID           string
	BatchSize                int
	IncludeHistoricalContext bool
}

// PersonResult reports the outcome for one person's change batch.
type PersonResult struct {
	PersonID         string
	ChangesProcessed int
	EnhancedScore    int
	Timing           Timing
	Error            string
}

// Summary aggregates one enrichment pass.
type Summary struct {
	Results        []PersonResult
	TotalProcessed int
	TotalCost      float64
	Errors         []string
}

// ProcessUnprocessedChanges claims up to BatchSize pending changes, batches
// them per person, and scores each batch with one model call. A failure on
// one person is caught at that boundary: their changes are still marked
// processed with the heuristic score retained and the error annotated, so no
// change is ever left permanently stuck.
func (s *Service) ProcessUnprocessedChanges(ctx context.Context, opts Options) (Summary, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	query := s.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("urgency_score DESC, detected_at ASC").
		Limit(batchSize)
	if opts.OrganizationID != "" {
		query = query.Where("organization_id = ?", opts.OrganizationID)
	}

	var pending []changes.PersonChange
	if err := query.Find(&pending).Error; err != nil {
		s.logger.Error("pending change query failed", zap.Error(err))
		return Summary{}, newServiceError(opProcess, "query_failed", err)
	}
	if len(pending) == 0 {
		return Summary{}, nil
	}

	startingCost := s.model.CostStats()

	// Group by person, preserving the urgency-first ordering of the batch.
	order := make([]string, 0, len(pending))
	grouped := make(map[string][]changes.PersonChange, len(pending))
	for _, change := range pending {
		if _, ok := grouped[change.PersonID]; !ok {
			order = append(order, change.PersonID)
		}
		grouped[change.PersonID] = append(grouped[change.PersonID], change)
	}

	summary := Summary{Results: make([]PersonResult, 0, len(order))}
	for _, personID := range order {
		result := s.processPerson(ctx, personID, grouped[personID], opts.IncludeHistoricalContext)
		summary.Results = append(summary.Results, result)
		summary.TotalProcessed += result.ChangesProcessed
		if result.Error != "" {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", personID, result.Error))
		}
	}

	endingCost := s.model.CostStats()
	summary.TotalCost = endingCost.TotalCost - startingCost.TotalCost

	return summary, nil
}

func (s *Service) processPerson(ctx context.Context, personID string, pending []changes.PersonChange, includeHistory bool) PersonResult {
	person, err := s.people.Get(ctx, personID)
	if errors.Is(err, people.ErrPersonNotFound) {
		// Deleted members still carry their terminal change through the
		// pipeline on the heuristic score alone.
		processed := s.fallbackMark(ctx, pending, "person no longer exists")
		s.logger.Info("enriching changes for missing person skipped",
			zap.String("person_id", personID), zap.Int("changes", processed))
		return PersonResult{PersonID: personID, ChangesProcessed: processed}
	}
	if err != nil {
		processed := s.fallbackMark(ctx, pending, err.Error())
		return PersonResult{PersonID: personID, ChangesProcessed: processed, Error: err.Error()}
	}

	request, err := s.buildRequest(ctx, person, pending, includeHistory)
	if err != nil {
		processed := s.fallbackMark(ctx, pending, err.Error())
		return PersonResult{PersonID: personID, ChangesProcessed: processed, Error: err.Error()}
	}

	analysis, err := s.model.AnalyzeChanges(ctx, request)
	if err != nil {
		s.logger.Warn("model analysis failed, falling back to heuristic score",
			zap.String("person_id", personID), zap.Error(err))
		processed := s.fallbackMark(ctx, pending, err.Error())
		return PersonResult{PersonID: personID, ChangesProcessed: processed, Error: err.Error()}
	}

	timing := ParseTiming(analysis.SuggestedTiming)
	analysisJSON := marshalAnalysis(analysis)
	now := s.clock().UTC()

	processed := 0
	enhanced := 0
	for _, change := range pending {
		score := BlendScore(change.UrgencyScore, analysis.OverallUrgency, timing)
		claimed, err := s.claim(ctx, change.ChangeID, map[string]interface{}{
			"enhanced_score":   score,
			"ai_analysis_json": analysisJSON,
			"processed_at":     now,
		})
		if err != nil {
			s.logger.Error("change claim failed",
				zap.String("change_id", change.ChangeID), zap.Error(err))
			continue
		}
		if claimed {
			processed++
			if score > enhanced {
				enhanced = score
			}
		}
	}

	return PersonResult{
		PersonID:         personID,
		ChangesProcessed: processed,
		EnhancedScore:    enhanced,
		Timing:           timing,
	}
}

func (s *Service) buildRequest(ctx context.Context, person people.Person, pending []changes.PersonChange, includeHistory bool) (AnalysisRequest, error) {
	now := s.clock().UTC()

	request := AnalysisRequest{
		Person: PersonContext{
			Name:          person.Name,
			Age:           person.Age(now),
			MaritalStatus: person.MaritalStatus,
			Engagement:    person.Engagement(now),
		},
		Changes:    make([]ChangeContext, 0, len(pending)),
		LeaderTone: "warm",
	}

	org, err := s.people.GetOrganization(ctx, person.OrganizationID)
	if err == nil && org.LeaderTone != "" {
		request.LeaderTone = org.LeaderTone
	}

	for _, change := range pending {
		request.Changes = append(request.Changes, changeContext(change))
	}

	if includeHistory {
		history, err := s.loadHistory(ctx, person.PersonID, now)
		if err != nil {
			return AnalysisRequest{}, err
		}
		request.History = history
	}

	return request, nil
}

func (s *Service) loadHistory(ctx context.Context, personID string, now time.Time) ([]ChangeContext, error) {
	cutoff := now.AddDate(0, 0, -historyWindowDays)

	var rows []changes.PersonChange
	err := s.db.WithContext(ctx).
		Where("person_id = ? AND processed_at IS NOT NULL AND detected_at >= ?", personID, cutoff).
		Order("detected_at DESC").
		Limit(historyLimit).
		Find(&rows).Error
	if err != nil {
		return nil, newServiceError(opProcess, "history_query_failed", err)
	}

	history := make([]ChangeContext, 0, len(rows))
	for _, row := range rows {
		history = append(history, changeContext(row))
	}
	return history, nil
}

// fallbackMark claims each change with the heuristic score retained and the
// failure annotated. Returns how many rows this run actually claimed.
func (s *Service) fallbackMark(ctx context.Context, pending []changes.PersonChange, message string) int {
	now := s.clock().UTC()
	processed := 0
	for _, change := range pending {
		claimed, err := s.claim(ctx, change.ChangeID, map[string]interface{}{
			"processed_at":     now,
			"processing_error": message,
		})
		if err != nil {
			s.logger.Error("fallback claim failed",
				zap.String("change_id", change.ChangeID), zap.Error(err))
			continue
		}
		if claimed {
			processed++
		}
	}
	return processed
}

// claim performs the compare-and-swap on processed_at: the update only lands
// when the row is still unclaimed, making overlapping runs safe.
func (s *Service) claim(ctx context.Context, changeID string, updates map[string]interface{}) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&changes.PersonChange{}).
		Where("change_id = ? AND processed_at IS NULL", changeID).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func changeContext(change changes.PersonChange) ChangeContext {
	return ChangeContext{
		ChangeID:       change.ChangeID,
		Type:           change.ChangeType,
		OldValue:       change.OldValueJSON,
		NewValue:       change.NewValueJSON,
		DetectedAt:     change.DetectedAt,
		HeuristicScore: change.UrgencyScore,
	}
}

func marshalAnalysis(analysis Analysis) string {
	encoded, err := json.Marshal(analysis)
	if err != nil {
		return ""
	}
	return string(encoded)
}
