package dto

import "time"

type GeoInfo struct {
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name,omitempty"`
}

// SearchResult is built fresh per lookup and only ever persisted as a cache entry.
type SearchResult struct {
	IP              string     `json:"ip"`
	Found           bool       `json:"found"`
	Sources         []string   `json:"sources"`
	FirstDetection  *time.Time `json:"first_detection,omitempty"`
	LastDetection   *time.Time `json:"last_detection,omitempty"`
	DetectionCount  int        `json:"detection_count"`
	Country         string     `json:"country,omitempty"`
	AttackType      string     `json:"attack_type,omitempty"`
	ConfidenceScore float64    `json:"confidence_score,omitempty"`
	Geo             *GeoInfo   `json:"geo,omitempty"`
	SearchTimestamp time.Time  `json:"search_timestamp"`
	Error           string     `json:"error,omitempty"`
}

type BulkSearchReport struct {
	TotalSearched         int            `json:"total_searched"`
	FoundCount            int            `json:"found_count"`
	NotFoundCount         int            `json:"not_found_count"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds"`
	Results               []SearchResult `json:"results"`
}
