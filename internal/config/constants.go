package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Check-in limits
const (
	MaxSignConcurrentNum = 10
	SignRecordRetainDays = 2
	RunStateStaleAfter   = 24 * time.Hour
)

// Command throttling window per chat user
const CommandRateWindow = time.Minute

// Upper bound for a single check-in run started from a command or the scheduler
const SignRunTimeout = 6 * time.Hour
