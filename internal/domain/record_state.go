package domain

import "time"

// RecordState is the two-state lifecycle of a canonical record.
type RecordState uint8

const (
	StateActive RecordState = iota
	StateInactive
)

func (s RecordState) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// StateUpdate returns the column assignments that move a record into state.
// Every deactivation path (sweep, clear, retention) and every re-ingestion goes
// through here so the flag is never written ad hoc.
func StateUpdate(state RecordState, at time.Time) map[string]any {
	return map[string]any{
		"is_active":  state == StateActive,
		"updated_at": at.UTC(),
	}
}
