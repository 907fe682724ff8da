package database

import (
	"kozeki/internal/config"
)

// NewStateFromConfig opens the state store configured by cfg: a file under
// the cache directory, or an in-memory store when none is configured.
func NewStateFromConfig(cfg *config.Config) (*SQLiteState, error) {
	return OpenSQLiteState(cfg.StatePath())
}
