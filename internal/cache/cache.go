// Package cache stores answering-service results keyed by request
// signature. Drivers: in-memory LRU, badger and pebble.
package cache

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Cache is a byte-value store with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Purge drops every entry.
	Purge(ctx context.Context) error
	io.Closer
}

// Config selects and sizes a cache driver.
type Config struct {
	// Driver is one of "memory", "badger", "pebble" or "none".
	Driver string
	// Dir holds on-disk drivers' data.
	Dir string
	TTL time.Duration
	// Size bounds the memory driver's entry count.
	Size int
}

// DefaultConfig returns an in-memory cache holding answers for a day.
func DefaultConfig() Config {
	return Config{Driver: "memory", TTL: 24 * time.Hour, Size: 10000}
}

const keyPrefix = "a|"

// Open creates the configured cache. Driver "none" returns a nil Cache.
func Open(cfg Config) (Cache, error) {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.Size, cfg.TTL), nil
	case "badger":
		c, err := OpenBadger(cfg.Dir, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("create badger cache: %w", err)
		}
		return c, nil
	case "pebble":
		c, err := OpenPebble(cfg.Dir, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("create pebble cache: %w", err)
		}
		return c, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q (expected memory, badger, pebble, or none)", cfg.Driver)
	}
}
