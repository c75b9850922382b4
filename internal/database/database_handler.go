package database

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ipthreat/internal/domain"
	"ipthreat/internal/support"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultSecondaryPath = "data/threats.db"

type Config struct {
	Name        string
	DSN         string
	ExistingDB  *gorm.DB
	Dialect     Dialect
	Logger      logger.Interface
	AutoMigrate bool
	Migrations  []any
	ConfigPool  bool
	// LazyConnect skips the connect-time ping so an unreachable server
	// surfaces per operation instead of failing Open.
	LazyConnect bool
}

type Option func(*Config)

// Open connects a backend. The dialect is derived from the DSN unless one is
// given explicitly; schema creation is deferred to first use.
func Open(opts ...Option) (*GormBackend, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Dialect == nil {
		cfg.Dialect = DialectFor(cfg.DSN)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Dialect.Name()
	}

	db := cfg.ExistingDB
	if db == nil {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database: no dsn or existing connection provided")
		}
		gormCfg := &gorm.Config{
			NowFunc:              func() time.Time { return time.Now().UTC() },
			DisableAutomaticPing: cfg.LazyConnect,
		}
		if cfg.Logger != nil {
			gormCfg.Logger = cfg.Logger
		}
		opened, err := gorm.Open(cfg.Dialect.Dialector(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("database: open %s connection: %w", cfg.Name, err)
		}
		db = opened
		if cfg.ConfigPool {
			configureConnectionPool(db, cfg.Dialect)
		}
	}

	backend := newGormBackend(cfg.Name, db, cfg.Dialect, cfg.Migrations)
	if !cfg.AutoMigrate {
		backend.markMigrated()
	}
	return backend, nil
}

// OpenPrimary opens the network backend selected by DATABASE_URL, falling back
// to the discrete DB_* variables when it is unset. The server is not contacted
// here; an error means the DSN itself is unusable.
func OpenPrimary(opts ...Option) (*GormBackend, error) {
	dsn := strings.TrimSpace(support.GetEnv("DATABASE_URL", ""))
	if dsn == "" {
		dsn = buildDSN()
	}
	base := []Option{WithName("primary"), WithDSN(dsn), WithLazyConnect(true)}
	return Open(append(base, opts...)...)
}

// OpenSecondary opens the local SQLite failover file.
func OpenSecondary(opts ...Option) (*GormBackend, error) {
	path := strings.TrimSpace(support.GetEnv("SECONDARY_DB_PATH", defaultSecondaryPath))
	if err := support.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("database: create secondary dir: %w", err)
	}
	base := []Option{WithName("secondary"), WithDSN(path), WithDialect(SQLiteDialect{})}
	return Open(append(base, opts...)...)
}

func defaultConfig() Config {
	return Config{
		Logger:      defaultLogger(),
		AutoMigrate: true,
		Migrations:  defaultMigrations(),
		ConfigPool:  true,
	}
}

func buildDSN() string {
	dbHost := support.GetEnv("DB_HOST", "localhost")
	dbPort := support.GetEnv("DB_PORT", "5432")
	dbName := support.GetEnv("DB_NAME", "ipthreat")
	dbUser := support.GetEnv("DB_USERNAME", "ipthreat")
	dbPassword := support.GetEnv("DB_PASSWORD", "ipthreat")

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=10",
		dbHost,
		dbPort,
		dbUser,
		dbPassword,
		dbName,
	)
}

func defaultLogger() logger.Interface {
	level := logger.Silent
	if support.GetEnvBool("DB_LOG_SQL", false) {
		level = logger.Warn
	}
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: level, SlowThreshold: time.Second, IgnoreRecordNotFoundError: true},
	)
}

func defaultMigrations() []any {
	return []any{
		&domain.ThreatRecord{},
		&domain.DetectionLog{},
		&domain.SearchHistory{},
	}
}

func WithName(name string) Option {
	return func(cfg *Config) {
		cfg.Name = name
	}
}

func WithDSN(dsn string) Option {
	return func(cfg *Config) {
		cfg.DSN = dsn
	}
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialect(d Dialect) Option {
	return func(cfg *Config) {
		cfg.Dialect = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

func WithMigrations(models ...any) Option {
	return func(cfg *Config) {
		if len(models) == 0 {
			cfg.Migrations = nil
			return
		}
		cfg.Migrations = append([]any(nil), models...)
	}
}

func WithLazyConnect(enabled bool) Option {
	return func(cfg *Config) {
		cfg.LazyConnect = enabled
	}
}

func WithPoolConfig(enabled bool) Option {
	return func(cfg *Config) {
		cfg.ConfigPool = enabled
	}
}

func configureConnectionPool(db *gorm.DB, dialect Dialect) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	defaultOpen := 32
	if dialect.SerializesWrites() {
		defaultOpen = 4
	}

	maxOpen := support.GetEnvInt("DB_MAX_OPEN_CONNS", defaultOpen)
	maxIdle := support.GetEnvInt("DB_MAX_IDLE_CONNS", maxOpen)
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	connLifetimeSeconds := support.GetEnvInt("DB_CONN_MAX_LIFETIME", 300)
	connIdleSeconds := support.GetEnvInt("DB_CONN_MAX_IDLE_TIME", 60)

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(connLifetimeSeconds) * time.Second)
	}
	if connIdleSeconds > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(connIdleSeconds) * time.Second)
	}
}
