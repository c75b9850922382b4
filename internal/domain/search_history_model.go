package domain

import "time"

// SearchHistory is the audit trail of point lookups.
type SearchHistory struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	IP             string     `gorm:"size:45;index;not null"`
	Found          bool       `gorm:"not null;default:false"`
	MatchedSources SourceList `gorm:"type:text"`
	DetectionCount int        `gorm:"not null;default:0"`
	DurationMs     int64      `gorm:"not null;default:0"`

	SearchedAt time.Time `gorm:"autoCreateTime;index"`
}

func (SearchHistory) TableName() string {
	return "search_histories"
}
