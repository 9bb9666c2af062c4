package synclog

import "time"

// SyncType identifies which pipeline surface produced a log entry.
type SyncType string

const (
	SyncTypeWebhook     SyncType = "webhook"
	SyncTypePolling     SyncType = "polling"
	SyncTypeEnrichment  SyncType = "enrichment"
	SyncTypeInitiatives SyncType = "initiatives"
)

// RunStatus is the terminal state of one orchestration run.
type RunStatus string

const (
	RunStatusCompleted           RunStatus = "completed"
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed              RunStatus = "failed"
)

// ExecutionLog is an append-only record of each pipeline run or webhook
// delivery, kept for observability.
type ExecutionLog struct {
	LogID            string    `gorm:"column:log_id;primaryKey;size:190;not null"`
	SyncType         SyncType  `gorm:"column:sync_type;size:32;not null;index"`
	Status           RunStatus `gorm:"column:status;size:32;not null"`
	RecordsProcessed int       `gorm:"column:records_processed;not null;default:0"`
	ExecutionTimeMs  int64     `gorm:"column:execution_time_ms;not null;default:0"`
	ErrorMessage     string    `gorm:"column:error_message;type:text;not null;default:''"`
	StartedAt        time.Time `gorm:"column:started_at;not null"`
	FinishedAt       time.Time `gorm:"column:finished_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ExecutionLog) TableName() string {
	return "sync_execution_logs"
}

// ProcessedEvent marks an external event identifier as handled for a sync
// type. The composite primary key is the duplicate-suppression index: a
// redelivered event is found by direct lookup, never by scanning log text.
type ProcessedEvent struct {
	SyncType  SyncType  `gorm:"column:sync_type;primaryKey;size:32;not null"`
	EventID   string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	HandledAt time.Time `gorm:"column:handled_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProcessedEvent) TableName() string {
	return "processed_events"
}
