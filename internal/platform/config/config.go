package config

import (
	"os"
	"time"
)

// Engine captures process level configuration for the envelope engine.
type Engine struct {
	DriverDir    string
	PostgresDSN  string
	RedisURL     string
	AuditEnabled bool
}

// GatesCacheTTL bounds how long an advisory gate snapshot may be served
// before readers should fall back to a fresh computation.
var GatesCacheTTL = 5 * time.Minute

// FromEnv builds an Engine config from environment variables so main stays lean.
func FromEnv() Engine {
	driverDir := os.Getenv("ENVELOPE_DRIVER_DIR")
	if driverDir == "" {
		driverDir = "drivers"
	}

	audit := os.Getenv("ENVELOPE_AUDIT_DISABLED") != "true"

	return Engine{
		DriverDir:    driverDir,
		PostgresDSN:  os.Getenv("ENVELOPE_POSTGRES_DSN"),
		RedisURL:     os.Getenv("ENVELOPE_REDIS_URL"),
		AuditEnabled: audit,
	}
}
