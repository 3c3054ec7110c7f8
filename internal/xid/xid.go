// Package xid builds prefixed identifiers such as
// "batch-1725072000000000000-9f2c4a1e8b3d6075". The timestamp component
// keeps ids of one kind roughly sortable by creation time.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an identifier for the given entity prefix. An empty prefix
// falls back to "id". When the random source fails the timestamp alone
// still keeps collisions unlikely within one process.
func New(prefix string) string {
	if prefix == "" {
		prefix = "id"
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
