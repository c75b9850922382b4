package dto

const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusInvalid  = "invalid"
	StatusError    = "error"
)

// OperationResult is the envelope for single-item mutations. Status tells a
// missing record apart from a system failure.
type OperationResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	IP      string `json:"ip,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	ExpiresAt string `json:"expires_at,omitempty"`
}

type ActiveIPsResult struct {
	Success bool     `json:"success"`
	Count   int      `json:"count"`
	IPs     []string `json:"ips"`
	Error   string   `json:"error,omitempty"`
}

type ActiveRecord struct {
	IP              string  `json:"ip"`
	Source          string  `json:"source"`
	Country         string  `json:"country"`
	AttackType      string  `json:"attack_type"`
	ConfidenceScore float64 `json:"confidence_score"`
	DetectionDate   string  `json:"detection_date"`
	ExpiresAt       string  `json:"expires_at,omitempty"`
}

type ActiveRecordsResult struct {
	Success bool           `json:"success"`
	Count   int            `json:"count"`
	Records []ActiveRecord `json:"records"`
	Error   string         `json:"error,omitempty"`
}

type HealthStatus struct {
	Success     bool   `json:"success"`
	Backend     string `json:"backend"`
	Primary     string `json:"primary"`
	Secondary   string `json:"secondary"`
	ActiveCount int64  `json:"active_count"`
	Instances   int    `json:"instances,omitempty"`
	SweepLeader bool   `json:"sweep_leader"`
	CheckedAt   string `json:"checked_at"`
	Error       string `json:"error,omitempty"`
}
