package session

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no record exists under a session key.
var ErrNotFound = errors.New("session: record not found")

// Storage persists the raw session tree nodes. Keys are the joined session
// keys produced by Key; values are the JSON encodings of the node structs.
// The manager is the only caller and knows which struct lives at which
// depth, so the storage layer stays type-free.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// StorageConfig selects and configures a storage backend.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // "memory" | "redis" | "postgres"
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	DSN      string `yaml:"dsn"`
	Prefix   string `yaml:"prefix"`
}

// NewStorage builds a backend from config. Memory is the default so tests
// and single-node runs need no configuration.
func NewStorage(ctx context.Context, cfg StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedisStorage(ctx, cfg)
	case "postgres":
		return NewPGStorage(ctx, cfg.DSN)
	case "memory", "":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("session: unknown storage driver %q", cfg.Driver)
	}
}
