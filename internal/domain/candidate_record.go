package domain

import (
	"strings"
	"time"
)

// CandidateRecord is a raw sighting handed over by a collector.
type CandidateRecord struct {
	IP              string         `json:"ip"`
	Source          string         `json:"source,omitempty"`
	DetectionDate   string         `json:"detection_date,omitempty"`
	Country         string         `json:"country,omitempty"`
	AttackType      string         `json:"attack_type,omitempty"`
	ConfidenceScore float64        `json:"confidence_score,omitempty"`
	ExtraData       map[string]any `json:"extra_data,omitempty"`
}

var detectionDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"20060102",
}

// ParseDetectionDate accepts the date formats collectors emit. An empty value
// resolves to fallback.
func ParseDetectionDate(raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback.UTC(), nil
	}
	for _, layout := range detectionDateLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: "detection_date", Value: raw, Reason: "unrecognised date format"}
}

// ClampConfidence keeps a score inside [0, 1].
func ClampConfidence(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
