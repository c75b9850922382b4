package dto

type SweepOutcome struct {
	Success          bool   `json:"success"`
	ActiveBefore     int64  `json:"active_before"`
	DeactivatedCount int64  `json:"deactivated_count"`
	ActiveAfter      int64  `json:"active_after"`
	SweptAt          string `json:"swept_at"`
	Error            string `json:"error,omitempty"`
}

// ExpirationItem addresses one IP in a bulk expiration request. ExpiresAt is
// RFC3339; when empty the request's default day count applies.
type ExpirationItem struct {
	IP        string `json:"ip"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Days      int    `json:"days,omitempty"`
}

type ExpirationError struct {
	IP     string `json:"ip"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type BulkExpirationOutcome struct {
	Success    bool              `json:"success"`
	Updated    int               `json:"updated"`
	Errors     []ExpirationError `json:"errors"`
	ErrorCount int               `json:"error_count"`
}

type ExpirationStats struct {
	Success      bool   `json:"success"`
	TotalActive  int64  `json:"total_active"`
	Expired      int64  `json:"expired"`
	ExpiringSoon int64  `json:"expiring_soon"`
	NoExpiry     int64  `json:"no_expiry"`
	GeneratedAt  string `json:"generated_at"`
	Error        string `json:"error,omitempty"`
}
