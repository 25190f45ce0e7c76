package ingest

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	dedupSize = 4096
	dedupTTL  = 2 * time.Second
)

// dedup suppresses QoS 1 redeliveries of the same metadata message. A key
// seen within the TTL is a duplicate; after the window, or after LRU
// eviction, the same key counts as a fresh message again.
type dedup struct {
	seen *lru.Cache[string, time.Time]
	ttl  time.Duration
}

func newDedup(size int, ttl time.Duration) *dedup {
	seen, _ := lru.New[string, time.Time](size)
	return &dedup{seen: seen, ttl: ttl}
}

// duplicate reports whether key was seen within the window, marking it
// either way.
func (d *dedup) duplicate(key string) bool {
	if at, ok := d.seen.Get(key); ok && time.Since(at) < d.ttl {
		return true
	}
	d.seen.Add(key, time.Now())
	return false
}

func dedupKey(cameraID string, timestampUs, frameID int64) string {
	return fmt.Sprintf("%s:%d:%d", cameraID, timestampUs, frameID)
}
