package config

import "time"

// EngineConfig holds the recognized configuration keys for the pipeline
// execution engine (see spec "Configuration (recognized keys; effect)").
// Every field has a conservative default so a zero-value EngineConfig is
// never used; construct with LoadEngineConfig.
type EngineConfig struct {
	TenantCacheTTL           time.Duration
	CircuitFailureThreshold  int
	CircuitResetTimeout      time.Duration
	CircuitHalfOpenSuccesses int
	ExecMaxWorkers           int
	StageTimeout             time.Duration
	StageMaxRetries          int
	ApprovalEmailEnabled     bool
}

// LoadEngineConfig reads the engine's recognized environment keys, applying
// the defaults named in the spec when a key is unset or unparsable.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		TenantCacheTTL:           time.Duration(GetEnvInt("TENANT_CACHE_TTL_SECONDS", 300)) * time.Second,
		CircuitFailureThreshold:  GetEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitResetTimeout:      GetEnvMillis("CIRCUIT_RESET_MS", 30*time.Second),
		CircuitHalfOpenSuccesses: GetEnvInt("CIRCUIT_HALF_OPEN_SUCCESSES", 2),
		ExecMaxWorkers:           GetEnvInt("EXEC_MAX_WORKERS", 16),
		StageTimeout:             GetEnvMillis("STAGE_TIMEOUT_MS", 60*time.Second),
		StageMaxRetries:          GetEnvInt("STAGE_MAX_RETRIES", 3),
		ApprovalEmailEnabled:     GetEnvBool("APPROVAL_EMAIL_ENABLED", true),
	}
}
