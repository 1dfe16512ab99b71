package monitor

import (
	"sync"
	"time"
)

// blockEntry records one blocked address. A zero expiry means permanent.
type blockEntry struct {
	Reason    string
	BlockedAt time.Time
	ExpiresAt time.Time
}

// BlockList is the shared IP deny list consulted by the rate limiter and the
// auth path. Temporary entries expire lazily on read and are purged by the
// cleanup job.
type BlockList struct {
	mu      sync.RWMutex
	entries map[string]blockEntry
}

// NewBlockList returns an empty block list.
func NewBlockList() *BlockList {
	return &BlockList{entries: make(map[string]blockEntry)}
}

// IsBlocked reports whether ip is currently denied. Expired temporary
// entries read as unblocked.
func (b *BlockList) IsBlocked(ip string) bool {
	b.mu.RLock()
	entry, ok := b.entries[ip]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		return false
	}
	return true
}

// Block adds a permanent entry. Re-blocking an already blocked ip upgrades a
// temporary entry to permanent; otherwise it is a no-op.
func (b *BlockList) Block(ip, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[ip]; ok && entry.ExpiresAt.IsZero() {
		return false
	}
	b.entries[ip] = blockEntry{Reason: reason, BlockedAt: time.Now()}
	return true
}

// BlockTemporary adds an expiring entry. It never downgrades a permanent
// block and does not shorten an existing longer temporary one.
func (b *BlockList) BlockTemporary(ip, reason string, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expires := time.Now().Add(ttl)
	if entry, ok := b.entries[ip]; ok {
		if entry.ExpiresAt.IsZero() || entry.ExpiresAt.After(expires) {
			return false
		}
	}
	b.entries[ip] = blockEntry{Reason: reason, BlockedAt: time.Now(), ExpiresAt: expires}
	return true
}

// Unblock removes an entry.
func (b *BlockList) Unblock(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ip)
}

// Purge drops expired temporary entries and returns how many were removed.
func (b *BlockList) Purge() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	removed := 0
	for ip, entry := range b.entries {
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			delete(b.entries, ip)
			removed++
		}
	}
	return removed
}

// Blocked lists currently blocked addresses.
func (b *BlockList) Blocked() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := time.Now()
	out := make([]string, 0, len(b.entries))
	for ip, entry := range b.entries {
		if entry.ExpiresAt.IsZero() || now.Before(entry.ExpiresAt) {
			out = append(out, ip)
		}
	}
	return out
}
