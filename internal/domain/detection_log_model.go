package domain

import "time"

// DetectionLog is an append-only sighting of an IP reported by a source.
type DetectionLog struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreatRecordID uint64 `gorm:"index" json:"threat_record_id"`

	IP              string    `gorm:"size:45;index;not null" json:"ip"`
	Source          string    `gorm:"size:128;not null;default:''" json:"source"`
	DetectionDate   time.Time `gorm:"index" json:"detection_date"`
	Country         string    `gorm:"size:64;not null;default:''" json:"country"`
	AttackType      string    `gorm:"size:128;not null;default:''" json:"attack_type"`
	ConfidenceScore float64   `gorm:"not null;default:0" json:"confidence_score"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (DetectionLog) TableName() string {
	return "detection_logs"
}

// NewDetectionLog derives the sighting row that accompanies an upserted record.
func NewDetectionLog(record ThreatRecord) DetectionLog {
	return DetectionLog{
		ThreatRecordID:  record.ID,
		IP:              record.IP,
		Source:          record.Source,
		DetectionDate:   record.DetectionDate,
		Country:         record.Country,
		AttackType:      record.AttackType,
		ConfidenceScore: record.ConfidenceScore,
	}
}
