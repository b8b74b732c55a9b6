// Package config implements the Config Registry (C3): typed read/write of
// runtime tunables backed by the store's config table, with the defaults
// from domain.DefaultConfig and the operator-key normalization spec.md §4.3
// requires (a "-" in a key maps to the same row as "_").
package config

import (
	"context"
	"strconv"
	"strings"

	"github.com/corviday/jobq/internal/domain"
	"github.com/corviday/jobq/internal/store"
)

// Registry is the typed view over the store's config table.
type Registry struct {
	store store.Store
}

// New wraps a Store as a Registry.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Normalize maps operator-supplied keys ("max-retries") to the stored form
// ("max_retries").
func Normalize(key string) string {
	return strings.ReplaceAll(key, "-", "_")
}

// Get returns the stored string value for key, or def if absent.
func (r *Registry) Get(ctx context.Context, key, def string) (string, error) {
	val, ok, err := r.store.GetConfig(ctx, Normalize(key))
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return val, nil
}

// GetInt parses the stored value as an int, falling back to def on absence
// or parse failure.
func (r *Registry) GetInt(ctx context.Context, key string, def int) (int, error) {
	val, err := r.Get(ctx, key, strconv.Itoa(def))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def, nil
	}
	return n, nil
}

// Set upserts key (normalized) to value.
func (r *Registry) Set(ctx context.Context, key, value string) error {
	return r.store.SetConfig(ctx, Normalize(key), value)
}

// GetAll returns the full stored config mapping.
func (r *Registry) GetAll(ctx context.Context) (map[string]string, error) {
	return r.store.GetAllConfig(ctx)
}

// MaxRetries returns the configured default max_retries.
func (r *Registry) MaxRetries(ctx context.Context) (int, error) {
	return r.GetInt(ctx, domain.ConfigMaxRetries, 3)
}

// BackoffBase returns the configured exponential backoff base in seconds.
func (r *Registry) BackoffBase(ctx context.Context) (int, error) {
	return r.GetInt(ctx, domain.ConfigBackoffBase, 2)
}

// CmdTimeout returns the configured per-attempt command timeout in seconds.
func (r *Registry) CmdTimeout(ctx context.Context) (int, error) {
	return r.GetInt(ctx, domain.ConfigCmdTimeout, 60)
}

// StuckAfter returns the configured processing-job staleness threshold in seconds.
func (r *Registry) StuckAfter(ctx context.Context) (int, error) {
	return r.GetInt(ctx, domain.ConfigStuckAfter, 120)
}
