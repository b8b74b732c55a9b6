package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/corviday/jobq/internal/env"
)

// Bootstrap holds the process-level settings read once at CLI start, as
// distinct from the Registry's runtime tunables (which live in the store
// and can change without a restart).
type Bootstrap struct {
	DBPath      string `env:"JOBQ_DB_PATH"`
	OTelEnabled bool   `env:"JOBQ_OTEL_ENABLED"`
	LogLevel    string `env:"JOBQ_LOG_LEVEL"`
}

// LoadBootstrap reads JOBQ_* environment variables, defaulting DBPath to a
// per-user application directory when unset.
func LoadBootstrap() (*Bootstrap, error) {
	b := &Bootstrap{LogLevel: "info"}
	if err := env.Load(b); err != nil {
		return nil, fmt.Errorf("load bootstrap config: %w", err)
	}
	if b.DBPath == "" {
		path, err := defaultDBPath()
		if err != nil {
			return nil, err
		}
		b.DBPath = path
	}
	return b, nil
}

// defaultDBPath returns ~/.jobq/queue.db, creating the directory if needed.
func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".jobq")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create app directory: %w", err)
	}
	return filepath.Join(dir, "queue.db"), nil
}
