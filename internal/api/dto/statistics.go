package dto

type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type SourceCount struct {
	Source string `json:"source"`
	Count  int64  `json:"count"`
}

type PeriodStats struct {
	Success         bool          `json:"success"`
	Start           string        `json:"start"`
	End             string        `json:"end"`
	WindowDays      int           `json:"window_days"`
	Total           int64         `json:"total"`
	NewCount        int64         `json:"new_count"`
	SourceBreakdown []SourceCount `json:"source_breakdown"`
	Trend           []DailyCount  `json:"trend"`
	Error           string        `json:"error,omitempty"`
}

type CountryCount struct {
	Country    string  `json:"country"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

type CountryStats struct {
	Success   bool           `json:"success"`
	Total     int64          `json:"total"`
	Countries []CountryCount `json:"countries"`
	Error     string         `json:"error,omitempty"`
}

type SourceStats struct {
	Success bool          `json:"success"`
	Total   int64         `json:"total"`
	Sources []SourceCount `json:"sources"`
	Error   string        `json:"error,omitempty"`
}
