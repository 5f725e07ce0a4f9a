package grid

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var runSeq uint64

// sortableSuffix returns a 26-char hex string that sorts by creation time.
// The first 16 chars are the nanosecond clock, the last 10 a process counter.
func sortableSuffix() string {
	ns := uint64(time.Now().UnixNano())
	seq := atomic.AddUint64(&runSeq, 1)
	var raw [13]byte
	for i := 0; i < 8; i++ {
		raw[i] = byte(ns >> (56 - 8*i))
	}
	for i := 0; i < 5; i++ {
		raw[8+i] = byte(seq >> (32 - 8*i))
	}
	dst := make([]byte, 26)
	hex.Encode(dst, raw[:])
	return string(dst)
}

// NewRunID returns a time-sortable run id with the "run_" prefix.
func NewRunID() string {
	return "run_" + sortableSuffix()
}

// NewID returns a random id safe for tables, rows, columns and rules.
func NewID() string {
	return uuid.NewString()
}
