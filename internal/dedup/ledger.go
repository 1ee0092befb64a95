package dedup

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config holds dedup ledger settings.
type Config struct {
	Capacity int           // hard cap on tracked event ids
	TTL      time.Duration // how long a seen id counts as a duplicate
}

// DefaultConfig returns sensible defaults. The TTL matches the redelivery
// window of typical gateway transports (seconds to low minutes).
func DefaultConfig() Config {
	return Config{
		Capacity: 2048,
		TTL:      10 * time.Minute,
	}
}

// Ledger is a TTL- and capacity-bounded set of recently seen event ids.
// It is account-agnostic: event ids are globally unique across accounts.
//
// Entries are never touched after first sighting, so the underlying LRU
// evicts strictly in insertion order. On overflow, expired entries are purged
// first; only if the ledger is still full does the single oldest entry go.
type Ledger struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	cfg     Config
	logger  *slog.Logger

	now func() time.Time // injectable for tests
}

// NewLedger creates a dedup ledger.
func NewLedger(cfg Config, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := lru.New[string, time.Time](cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		entries: entries,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// IsDuplicate records first sightings and reports repeats. The first call for
// an id returns false; later calls within the TTL return true without
// refreshing the timestamp. An id whose entry has expired is treated as new.
func (l *Ledger) IsDuplicate(eventID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Peek, not Get: a duplicate sighting must not refresh recency.
	if firstSeen, ok := l.entries.Peek(eventID); ok {
		if now.Sub(firstSeen) < l.cfg.TTL {
			return true
		}
		l.entries.Remove(eventID)
	}

	if l.entries.Len() >= l.cfg.Capacity {
		l.purgeExpiredLocked(now)
	}

	// Still at capacity after the purge: Add evicts the oldest entry.
	l.entries.Add(eventID, now)
	return false
}

// PurgeExpired drops all entries older than the TTL. Called by the periodic
// cleanup task; overflow handling inside IsDuplicate does the same on demand.
func (l *Ledger) PurgeExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.purgeExpiredLocked(l.now())
}

// Len returns the number of tracked event ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

func (l *Ledger) purgeExpiredLocked(now time.Time) int {
	purged := 0
	// Keys are ordered oldest first and timestamps are monotonic, so the
	// first live entry ends the scan.
	for _, id := range l.entries.Keys() {
		firstSeen, ok := l.entries.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(firstSeen) < l.cfg.TTL {
			break
		}
		l.entries.Remove(id)
		purged++
	}
	if purged > 0 {
		l.logger.Debug("purged expired dedup entries", "count", purged)
	}
	return purged
}
