// Package signature implements the dual-TTL thinking-signature cache.
// Claude thinking models reject resubmitted thinking blocks that lack the
// opaque signature issued with them; the cache maps (session key, verbatim
// thinking text) to that signature so later turns can re-attach it after the
// host has stripped or truncated the block.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/config"
)

const fileVersion = "1.0"

// lastSuffix marks the per-session "most recent thinking" entry, used to
// synthesize a signed thinking block when the host dropped the original.
const lastSuffix = "::last"

// cleanupInterval is how often expired memory entries are evicted.
const cleanupInterval = 30 * time.Minute

// Entry is one cached signature. ThinkingText is only set on last-thinking
// entries.
type Entry struct {
	Value        string `json:"value"`
	Timestamp    int64  `json:"timestamp"`
	ThinkingText string `json:"thinkingText,omitempty"`
}

// Stats counts cache traffic for the diagnostics endpoint.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stores  int64 `json:"stores"`
	Flushes int64 `json:"flushes"`
}

type fileShape struct {
	Version          string           `json:"version"`
	MemoryTTLSeconds int              `json:"memory_ttl_seconds"`
	DiskTTLSeconds   int              `json:"disk_ttl_seconds"`
	Entries          map[string]Entry `json:"entries"`
	Statistics       Stats            `json:"statistics"`
}

// Cache is the in-memory map plus its JSON file. Writes mark the cache dirty;
// a background timer flushes to disk, merging with on-disk entries that are
// still inside the disk TTL (memory wins on collision).
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	stats   Stats
	dirty   bool

	path          string
	memoryTTL     time.Duration
	diskTTL       time.Duration
	writeInterval time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}

	now func() time.Time
}

// NewCache builds a cache over the given file path using the configured TTLs.
func NewCache(path string, cfg *config.Config) *Cache {
	return &Cache{
		entries:       map[string]Entry{},
		path:          path,
		memoryTTL:     time.Duration(cfg.SignatureCache.MemoryTTLSeconds) * time.Second,
		diskTTL:       time.Duration(cfg.SignatureCache.DiskTTLSeconds) * time.Second,
		writeInterval: time.Duration(cfg.SignatureCache.WriteIntervalSeconds) * time.Second,
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
		now:           time.Now,
	}
}

// Start loads persisted entries and launches the flush and cleanup timers.
func (c *Cache) Start() {
	c.load()
	go c.loop()
}

// Stop halts the timers and performs a final flush.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		<-c.done
		c.Flush()
	})
}

func (c *Cache) loop() {
	defer close(c.done)
	flushTicker := time.NewTicker(c.writeInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer flushTicker.Stop()
	defer cleanupTicker.Stop()
	for {
		select {
		case <-flushTicker.C:
			c.Flush()
		case <-cleanupTicker.C:
			c.evictExpired()
		case <-c.stopChan:
			return
		}
	}
}

// Store caches a signature for the verbatim thinking text. Signatures below
// the minimum length are never cached.
func (c *Cache) Store(sessionKey, thinkingText, sig string) {
	if len(sig) < config.MinSignatureLength || thinkingText == "" {
		return
	}
	key := sessionKey + "::" + textHash(thinkingText)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Value: sig, Timestamp: c.now().UnixMilli()}
	c.stats.Stores++
	c.dirty = true
}

// Lookup returns the cached signature for the text, if present and unexpired.
// A memory miss falls through to the on-disk tier, which keeps entries for
// the longer disk TTL.
func (c *Cache) Lookup(sessionKey, thinkingText string) (string, bool) {
	key := sessionKey + "::" + textHash(thinkingText)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookupLocked(key)
	if !ok {
		c.stats.Misses++
		return "", false
	}
	c.stats.Hits++
	return entry.Value, true
}

// lookupLocked resolves a key across both tiers. A disk hit inside the disk
// TTL is re-admitted to memory with a fresh timestamp.
func (c *Cache) lookupLocked(key string) (Entry, bool) {
	entry, ok := c.entries[key]
	if ok && !c.expired(entry, c.memoryTTL) {
		return entry, true
	}
	onDisk := c.readFile()
	if onDisk == nil {
		return Entry{}, false
	}
	entry, ok = onDisk.Entries[key]
	if !ok || c.expired(entry, c.diskTTL) {
		return Entry{}, false
	}
	entry.Timestamp = c.now().UnixMilli()
	c.entries[key] = entry
	c.dirty = true
	return entry, true
}

// StoreLast remembers the session's most recent thinking text and signature.
func (c *Cache) StoreLast(sessionKey, thinkingText, sig string) {
	if len(sig) < config.MinSignatureLength || thinkingText == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionKey+lastSuffix] = Entry{
		Value:        sig,
		Timestamp:    c.now().UnixMilli(),
		ThinkingText: thinkingText,
	}
	c.dirty = true
}

// ClearLast forgets the session's most recent thinking entry. Called by the
// crash-and-restart rewrite, whose whole point is a fresh thinking turn.
func (c *Cache) ClearLast(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sessionKey+lastSuffix]; ok {
		delete(c.entries, sessionKey+lastSuffix)
		c.dirty = true
	}
}

// Last returns the session's most recent thinking text and signature.
func (c *Cache) Last(sessionKey string) (thinkingText, sig string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.lookupLocked(sessionKey + lastSuffix)
	if !found {
		return "", "", false
	}
	return entry.ThinkingText, entry.Value, true
}

// LastForConversation returns the newest last-thinking entry recorded under
// any session key whose conversation segment matches conversationKey. The
// recovery path only knows the host's session id, not the full session key.
func (c *Cache) LastForConversation(conversationKey string) (thinkingText, sig string, ok bool) {
	if conversationKey == "" {
		return "", "", false
	}
	suffix := ":" + conversationKey + lastSuffix
	c.mu.Lock()
	defer c.mu.Unlock()
	var best Entry
	for key, entry := range c.entries {
		if !strings.HasSuffix(key, suffix) || c.expired(entry, c.memoryTTL) {
			continue
		}
		if entry.Timestamp > best.Timestamp {
			best = entry
		}
	}
	if best.Value == "" {
		return "", "", false
	}
	return best.ThinkingText, best.Value, true
}

// Flush writes the cache to disk if dirty. On-disk entries still inside the
// disk TTL are merged in first so another process's writes survive; memory
// wins on key collision. The file is written to a temp path then renamed.
func (c *Cache) Flush() {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	merged := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		merged[k] = v
	}
	c.dirty = false
	c.stats.Flushes++
	stats := c.stats
	c.mu.Unlock()

	if onDisk := c.readFile(); onDisk != nil {
		cutoff := c.now().Add(-c.diskTTL).UnixMilli()
		for k, v := range onDisk.Entries {
			if v.Timestamp < cutoff {
				continue
			}
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}

	shape := fileShape{
		Version:          fileVersion,
		MemoryTTLSeconds: int(c.memoryTTL / time.Second),
		DiskTTLSeconds:   int(c.diskTTL / time.Second),
		Entries:          merged,
		Statistics:       stats,
	}
	data, err := json.MarshalIndent(&shape, "", "  ")
	if err != nil {
		log.Warnf("failed to marshal signature cache: %v", err)
		return
	}
	if errMkdir := os.MkdirAll(filepath.Dir(c.path), 0o755); errMkdir != nil {
		log.Warnf("failed to create signature cache directory: %v", errMkdir)
		return
	}
	tmp := c.path + ".tmp"
	if errWrite := os.WriteFile(tmp, data, 0o600); errWrite != nil {
		log.Warnf("failed to write signature cache: %v", errWrite)
		return
	}
	if errRename := os.Rename(tmp, c.path); errRename != nil {
		log.Warnf("failed to replace signature cache: %v", errRename)
	}
}

// Statistics returns a snapshot of the counters plus the live entry count.
func (c *Cache) Statistics() (Stats, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, len(c.entries)
}

func (c *Cache) load() {
	onDisk := c.readFile()
	if onDisk == nil {
		return
	}
	cutoff := c.now().Add(-c.diskTTL).UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for k, v := range onDisk.Entries {
		if v.Timestamp < cutoff {
			continue
		}
		c.entries[k] = v
		loaded++
	}
	if loaded > 0 {
		log.Debugf("loaded %d signature cache entries", loaded)
	}
}

func (c *Cache) readFile() *fileShape {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil
	}
	var shape fileShape
	if errUnmarshal := json.Unmarshal(data, &shape); errUnmarshal != nil {
		log.Warnf("signature cache file is not valid JSON, ignoring: %v", errUnmarshal)
		return nil
	}
	return &shape
}

func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for k, v := range c.entries {
		if c.expired(v, c.memoryTTL) {
			delete(c.entries, k)
			evicted++
		}
	}
	if evicted > 0 {
		c.dirty = true
		log.Debugf("evicted %d expired signature cache entries", evicted)
	}
}

func (c *Cache) expired(entry Entry, ttl time.Duration) bool {
	return entry.Timestamp < c.now().Add(-ttl).UnixMilli()
}

// BuildSessionKey composes the cache key prefix from the process session
// UUID, the model, the project key, and the conversation key.
func BuildSessionKey(sessionUUID, model, projectKey, conversationKey string) string {
	return fmt.Sprintf("%s:%s:%s:%s", sessionUUID, strings.ToLower(model), projectKey, conversationKey)
}

// ConversationKey derives a stable per-conversation identifier. A client
// supplied id wins; otherwise the system instruction and first user text are
// hashed; a bare request maps to "default".
func ConversationKey(clientID, systemText, firstUserText string) string {
	if clientID != "" {
		return clientID
	}
	if systemText != "" || firstUserText != "" {
		return textHash(systemText + "|" + firstUserText)
	}
	return "default"
}

// textHash returns the first 16 hex characters of the SHA-256 of the text.
func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
