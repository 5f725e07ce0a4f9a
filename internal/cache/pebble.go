package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
)

// Pebble keeps entries on disk. Each value is prefixed with its expiry as
// big-endian unix nanoseconds; expired entries are deleted on read.
type Pebble struct {
	db  *pebble.DB
	ttl time.Duration
	now func() time.Time
}

// OpenPebble opens or creates a pebble cache under dir.
func OpenPebble(dir string, ttl time.Duration) (*Pebble, error) {
	db, err := pebble.Open(filepath.Join(dir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Pebble{db: db, ttl: ttl, now: time.Now}, nil
}

func (p *Pebble) Get(_ context.Context, key string) ([]byte, bool, error) {
	k := []byte(keyPrefix + key)
	v, closer, err := p.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	if len(v) < 8 {
		return nil, false, fmt.Errorf("pebble cache: short value for %s", key)
	}
	exp := int64(binary.BigEndian.Uint64(v[:8]))
	if exp > 0 && p.now().UnixNano() >= exp {
		if err := p.db.Delete(k, pebble.NoSync); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return append([]byte(nil), v[8:]...), true, nil
}

func (p *Pebble) Set(_ context.Context, key string, value []byte) error {
	var exp int64
	if p.ttl > 0 {
		exp = p.now().Add(p.ttl).UnixNano()
	}
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(exp))
	copy(buf[8:], value)
	return p.db.Set([]byte(keyPrefix+key), buf, pebble.NoSync)
}

func (p *Pebble) Purge(context.Context) error {
	lower := []byte(keyPrefix)
	return p.db.DeleteRange(lower, prefixUpperBound(lower), pebble.Sync)
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
}
