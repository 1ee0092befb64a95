package routing

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one known ephemeral reply endpoint.
type Entry struct {
	Endpoint       string
	ConversationID string
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

func (e Entry) live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache maps conversation ids and sender ids to the freshest known ephemeral
// reply endpoint. The same person may reach the system through multiple
// concurrent conversation ids (different client devices), and endpoints
// expire, so a reply composed long after intake must re-resolve at send time
// instead of trusting the endpoint captured with the triggering event.
//
// Entries are only ever refreshed or expired, never explicitly deleted; the
// periodic cleanup task reclaims expired ones.
type Cache struct {
	mu            sync.RWMutex
	conversations map[string]Entry
	senders       map[string]Entry
	logger        *slog.Logger

	now func() time.Time // injectable for tests
}

// NewCache creates an empty reply-routing cache.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		conversations: make(map[string]Entry),
		senders:       make(map[string]Entry),
		logger:        logger,
		now:           time.Now,
	}
}

// Record stores or refreshes the endpoint for a conversation. senderID may be
// empty; it should only be set for direct conversations, where replying to the
// sender's freshest conversation is meaningful.
func (c *Cache) Record(conversationID, endpoint string, expiresAt time.Time, senderID string) {
	if conversationID == "" || endpoint == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{
		Endpoint:       endpoint,
		ConversationID: conversationID,
		ExpiresAt:      expiresAt,
		UpdatedAt:      c.now(),
	}
	c.conversations[conversationID] = entry
	if senderID != "" {
		c.senders[senderID] = entry
	}
}

// Resolve returns the freshest live endpoint for the given keys, trying in
// order: exact conversation match, the sender's most recent conversation, and
// finally the freshest live entry across all conversations.
func (c *Cache) Resolve(conversationID, senderID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()

	if conversationID != "" {
		if entry, ok := c.conversations[conversationID]; ok && entry.live(now) {
			return entry.Endpoint, true
		}
	}

	if senderID != "" {
		if entry, ok := c.senders[senderID]; ok && entry.live(now) {
			return entry.Endpoint, true
		}
	}

	// Last resort: the single freshest live entry anywhere.
	var best Entry
	found := false
	for _, entry := range c.conversations {
		if !entry.live(now) {
			continue
		}
		if !found || entry.UpdatedAt.After(best.UpdatedAt) {
			best = entry
			found = true
		}
	}
	if found {
		return best.Endpoint, true
	}
	return "", false
}

// PurgeExpired removes entries past their expiry. Called by the periodic
// cleanup task.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for id, entry := range c.conversations {
		if !entry.live(now) {
			delete(c.conversations, id)
			purged++
		}
	}
	for id, entry := range c.senders {
		if !entry.live(now) {
			delete(c.senders, id)
			purged++
		}
	}
	if purged > 0 {
		c.logger.Debug("purged expired reply endpoints", "count", purged)
	}
	return purged
}

// Len returns the number of live conversation-level entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conversations)
}
