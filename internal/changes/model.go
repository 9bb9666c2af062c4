package changes

import (
	"errors"
	"strings"
	"time"
)

// ChangeType classifies a detected person-data delta.
type ChangeType string

const (
	ChangeTypeLifeEvent    ChangeType = "life_event"
	ChangeTypeEngagement   ChangeType = "engagement"
	ChangeTypePersonalData ChangeType = "personal_data"
	ChangeTypeRelationship ChangeType = "relationship"
	ChangeTypeSpecialDate  ChangeType = "special_date"
)

// EventKind is the source operation that produced a change.
type EventKind string

const (
	EventKindCreate EventKind = "create"
	EventKindUpdate EventKind = "update"
	EventKindDelete EventKind = "delete"
	EventKindGroup  EventKind = "group"
)

// ErrInvalidChangeType indicates an unrecognized change classification.
var ErrInvalidChangeType = errors.New("changes: invalid change type")

// ParseChangeType validates raw input against the known classifications.
func ParseChangeType(raw string) (ChangeType, error) {
	switch ChangeType(strings.TrimSpace(raw)) {
	case ChangeTypeLifeEvent, ChangeTypeEngagement, ChangeTypePersonalData,
		ChangeTypeRelationship, ChangeTypeSpecialDate:
		return ChangeType(strings.TrimSpace(raw)), nil
	default:
		return "", ErrInvalidChangeType
	}
}

// PersonChange is an immutable fact: a field of a person changed from one
// value to another, detected at a point in time. Rows are never deleted; they
// double as the audit trail for the scoring pipeline.
type PersonChange struct {
	ChangeID        string     `gorm:"column:change_id;primaryKey;size:190;not null"`
	OrganizationID  string     `gorm:"column:organization_id;size:190;not null;index:idx_changes_org_pending,priority:1"`
	PersonID        string     `gorm:"column:person_id;size:190;not null;index"`
	ChangeType      ChangeType `gorm:"column:change_type;size:32;not null"`
	ChangedFields   string     `gorm:"column:changed_fields;type:text;not null;default:''"`
	OldValueJSON    string     `gorm:"column:old_value_json;type:text;not null;default:''"`
	NewValueJSON    string     `gorm:"column:new_value_json;type:text;not null;default:''"`
	DetectedAt      time.Time  `gorm:"column:detected_at;not null"`
	UrgencyScore    int        `gorm:"column:urgency_score;not null"`
	EnhancedScore   *int       `gorm:"column:enhanced_score"`
	ProcessedAt     *time.Time `gorm:"column:processed_at;index:idx_changes_org_pending,priority:2"`
	ProcessingError string     `gorm:"column:processing_error;type:text;not null;default:''"`
	AIAnalysisJSON  string     `gorm:"column:ai_analysis_json;type:text;not null;default:''"`
	Critical        bool       `gorm:"column:critical;not null;default:false"`
	SyncSource      string     `gorm:"column:sync_source;size:32;not null;default:'webhook'"`
}

// TableName provides the explicit table binding for GORM.
func (PersonChange) TableName() string {
	return "person_changes"
}

// FinalScore returns the enhanced score when enrichment has run, otherwise the
// heuristic score. Both values are retained for audit.
func (c PersonChange) FinalScore() int {
	if c.EnhancedScore != nil {
		return *c.EnhancedScore
	}
	return c.UrgencyScore
}

// FieldList splits the stored comma-separated changed-field names.
func (c PersonChange) FieldList() []string {
	if strings.TrimSpace(c.ChangedFields) == "" {
		return nil
	}
	parts := strings.Split(c.ChangedFields, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			fields = append(fields, trimmed)
		}
	}
	return fields
}

// JoinFields renders field names into the stored comma-separated form.
func JoinFields(fields []string) string {
	return strings.Join(fields, ",")
}
