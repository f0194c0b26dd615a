// Package store persists job records so an interrupted session can resume where it stopped.
package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"hydrophone-downloader/internal/models"
)

// StateStore keeps the latest snapshot of every record of one session namespace.
type StateStore interface {
	Checkpoint(ctx context.Context, rec models.JobRecord) error
	// Load returns the persisted records ordered by key.
	Load(ctx context.Context) ([]models.JobRecord, error)
	Close() error
}

// Backend names a StateStore implementation.
type Backend string

const (
	BackendNone     Backend = "none"
	BackendFile     Backend = "file"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	// Namespace separates independent sessions sharing one backend.
	Namespace string
	Path      string
	RedisAddr string
	RedisDB   int
	DSN       string
	TTL       time.Duration
}

// Open builds the configured store. BackendNone yields a store that remembers nothing.
func Open(ctx context.Context, cfg Config) (StateStore, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	switch Backend(strings.ToLower(string(cfg.Backend))) {
	case BackendNone, "":
		return Nop{}, nil
	case BackendFile:
		return NewFileStore(cfg.Path, cfg.Namespace)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.Namespace, cfg.TTL)
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// Nop discards checkpoints.
type Nop struct{}

func (Nop) Checkpoint(context.Context, models.JobRecord) error { return nil }

func (Nop) Load(context.Context) ([]models.JobRecord, error) { return nil, nil }

func (Nop) Close() error { return nil }

func sortByKey(recs []models.JobRecord) []models.JobRecord {
	slices.SortFunc(recs, func(a, b models.JobRecord) int { return strings.Compare(a.Key, b.Key) })
	return recs
}
