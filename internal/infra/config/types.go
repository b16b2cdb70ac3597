package config

import "strings"

// Environment identifies the runtime environment where tradeguard operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// CounterBackend selects where flow-control limit state is kept.
type CounterBackend string

const (
	CounterMemory   CounterBackend = "memory"
	CounterBadger   CounterBackend = "badger"
	CounterRedis    CounterBackend = "redis"
	CounterPostgres CounterBackend = "postgres"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
