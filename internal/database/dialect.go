package database

import (
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// upsertColumns are overwritten when an IP is ingested again. created_at is
// deliberately absent so the first sighting is kept.
var upsertColumns = []string{
	"source",
	"detection_date",
	"country",
	"attack_type",
	"confidence_score",
	"is_active",
	"expires_at",
	"extra_data",
	"updated_at",
}

// Dialect captures what differs between the primary and secondary stores.
type Dialect interface {
	Name() string
	Dialector(dsn string) gorm.Dialector
	UpsertClause() clause.OnConflict
	SchemaStatements() []string
	// SerializesWrites reports whether writers must hold the backend's
	// single-writer lock.
	SerializesWrites() bool
}

// DialectFor picks the dialect matching a connection string.
func DialectFor(dsn string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"),
		strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return PostgresDialect{}
	default:
		return SQLiteDialect{}
	}
}

type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) Dialector(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

func (PostgresDialect) UpsertClause() clause.OnConflict {
	assignments := make(map[string]any, len(upsertColumns))
	for _, column := range upsertColumns {
		assignments[column] = gorm.Expr("EXCLUDED." + column)
	}
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.Assignments(assignments),
	}
}

func (PostgresDialect) SchemaStatements() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_threat_records_active_expiry ON threat_records (expires_at) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_detection_logs_ip_date ON detection_logs (ip, detection_date DESC)`,
	}
}

func (PostgresDialect) SerializesWrites() bool { return false }

type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

// Dialector enables WAL and a busy timeout on every pooled connection.
func (SQLiteDialect) Dialector(dsn string) gorm.Dialector {
	params := []string{"_busy_timeout=10000", "_journal_mode=WAL"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, param := range params {
		key := param[:strings.IndexByte(param, '=')+1]
		if strings.Contains(dsn, key) {
			continue
		}
		dsn += sep + param
		sep = "&"
	}
	return sqlite.Open(dsn)
}

func (SQLiteDialect) UpsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}
}

func (SQLiteDialect) SchemaStatements() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_threat_records_active_expiry ON threat_records (is_active, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_detection_logs_ip_date ON detection_logs (ip, detection_date)`,
	}
}

func (SQLiteDialect) SerializesWrites() bool { return true }
