package dto

type InvalidEntry struct {
	Index  int    `json:"index"`
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

type ImportOutcome struct {
	Success         bool           `json:"success"`
	Source          string         `json:"source"`
	TotalSubmitted  int            `json:"total_submitted"`
	ValidCount      int            `json:"valid_count"`
	InvalidCount    int            `json:"invalid_count"`
	Processed       int            `json:"processed"`
	Errors          []string       `json:"errors"`
	InvalidEntries  []InvalidEntry `json:"invalid_entries"`
	DurationSeconds float64        `json:"duration_seconds"`
	Error           string         `json:"error,omitempty"`
}

type ClearOutcome struct {
	Success            bool   `json:"success"`
	RecordsDeactivated int64  `json:"records_deactivated"`
	FilesRemoved       int    `json:"files_removed"`
	CacheKeysRemoved   int    `json:"cache_keys_removed"`
	Error              string `json:"error,omitempty"`
}

type CleanupOutcome struct {
	Success            bool   `json:"success"`
	Days               int    `json:"days"`
	Cutoff             string `json:"cutoff"`
	RecordsDeactivated int64  `json:"records_deactivated"`
	DetectionsRemoved  int64  `json:"detections_removed"`
	Error              string `json:"error,omitempty"`
}
