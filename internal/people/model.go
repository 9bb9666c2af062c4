package people

import (
	"time"
)

// SyncSource records how a person row entered or was last touched by the system.
type SyncSource string

const (
	SyncSourceWebhook SyncSource = "webhook"
	SyncSourcePolling SyncSource = "polling"
	SyncSourceManual  SyncSource = "manual"
)

// EngagementLevel is a coarse activity bucket derived from sync recency.
type EngagementLevel string

const (
	EngagementHigh     EngagementLevel = "high"
	EngagementMedium   EngagementLevel = "medium"
	EngagementLow      EngagementLevel = "low"
	EngagementInactive EngagementLevel = "inactive"
)

// Person is a tracked individual under a leader's pastoral care.
type Person struct {
	PersonID         string     `gorm:"column:person_id;primaryKey;size:190;not null"`
	OrganizationID   string     `gorm:"column:organization_id;size:190;not null;uniqueIndex:idx_people_org_member,priority:1"`
	LeaderID         string     `gorm:"column:leader_id;size:190;not null;default:''"`
	InChurchMemberID string     `gorm:"column:inchurch_member_id;size:190;not null;uniqueIndex:idx_people_org_member,priority:2"`
	Name             string     `gorm:"column:name;size:255;not null;default:''"`
	Email            string     `gorm:"column:email;size:255;not null;default:''"`
	Phone            string     `gorm:"column:phone;size:64;not null;default:''"`
	BirthDate        *time.Time `gorm:"column:birth_date"`
	MaritalStatus    string     `gorm:"column:marital_status;size:64;not null;default:''"`
	Address          string     `gorm:"column:address;size:512;not null;default:''"`
	ProfileJSON      string     `gorm:"column:profile_json;type:text;not null;default:''"`
	SyncSource       SyncSource `gorm:"column:sync_source;size:32;not null;default:'manual'"`
	LastSyncedAt     time.Time  `gorm:"column:last_synced_at;not null"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Person) TableName() string {
	return "people"
}

// Age derives whole years from the birth date at the reference time.
// Returns -1 when no birth date is known.
func (p Person) Age(now time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	birth := p.BirthDate.UTC()
	years := now.Year() - birth.Year()
	anniversary := time.Date(now.Year(), birth.Month(), birth.Day(), 0, 0, 0, 0, time.UTC)
	if now.Before(anniversary) {
		years--
	}
	if years < 0 {
		return -1
	}
	return years
}

// Engagement buckets the person by how recently their data was synced.
func (p Person) Engagement(now time.Time) EngagementLevel {
	elapsed := now.Sub(p.LastSyncedAt)
	switch {
	case elapsed <= 7*24*time.Hour:
		return EngagementHigh
	case elapsed <= 30*24*time.Hour:
		return EngagementMedium
	case elapsed <= 90*24*time.Hour:
		return EngagementLow
	default:
		return EngagementInactive
	}
}

// Organization owns leaders and their people; jobs fan out across active rows.
type Organization struct {
	OrganizationID string    `gorm:"column:organization_id;primaryKey;size:190;not null"`
	Name           string    `gorm:"column:name;size:255;not null;default:''"`
	Active         bool      `gorm:"column:active;not null;default:true"`
	LeaderTone     string    `gorm:"column:leader_tone;size:64;not null;default:'warm'"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Organization) TableName() string {
	return "organizations"
}
