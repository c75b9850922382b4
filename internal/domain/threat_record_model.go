package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ThreatRecord is the canonical row for one IP. Re-ingesting an IP overwrites
// every metadata column; nothing is merged.
type ThreatRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	IP              string    `gorm:"size:45;uniqueIndex;not null" json:"ip"`
	Source          string    `gorm:"size:128;index;not null;default:''" json:"source"`
	DetectionDate   time.Time `gorm:"index" json:"detection_date"`
	Country         string    `gorm:"size:64;index;not null;default:''" json:"country"`
	AttackType      string    `gorm:"size:128;not null;default:''" json:"attack_type"`
	ConfidenceScore float64   `gorm:"not null;default:0" json:"confidence_score"`

	IsActive  bool       `gorm:"index;not null;default:true" json:"is_active"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`

	ExtraData datatypes.JSONMap `json:"extra_data,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ThreatRecord) TableName() string {
	return "threat_records"
}

// State reports the lifecycle state derived from the active flag.
func (r ThreatRecord) State() RecordState {
	if r.IsActive {
		return StateActive
	}
	return StateInactive
}

// Expired reports whether the record carries an expiry that lies before now.
func (r ThreatRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}
