package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/faults"
)

// Priority shapes cache freshness decisions. High priority tolerates older
// durable data and skips background refreshes; background priority marks a
// detached revalidation request and never schedules further refreshes.
type Priority string

const (
	PriorityNormal     Priority = "normal"
	PriorityHigh       Priority = "high"
	PriorityBackground Priority = "background"
)

// Source identifies which tier satisfied a cache read
type Source string

const (
	SourceMemory  Source = "memory"
	SourceDurable Source = "durable"
	SourceRemote  Source = "remote"
)

// GetOptions controls one cache read
type GetOptions struct {
	Limit        int
	Offset       int
	ForceRefresh bool
	Priority     Priority
}

// Result is the outcome of a cache read. Stale data and an error may both
// be present when a fallback tier served the request.
type Result struct {
	Conversation *Conversation
	Messages     []Message
	Source       Source
	Stale        bool
	Err          error
}

// Fetcher loads a conversation page from the remote collaborator
type Fetcher interface {
	Fetch(ctx context.Context, id string, limit, offset int) (*Conversation, []Message, error)
}

// CacheConfig controls freshness windows and the revalidation delay
type CacheConfig struct {
	// RefreshDelay is how long after a cached read the detached background
	// revalidation fires
	RefreshDelay time.Duration

	// DurableFreshNormal is the durable-entry age ceiling for normal reads
	DurableFreshNormal time.Duration

	// DurableFreshHigh is the looser ceiling for high-priority reads
	DurableFreshHigh time.Duration

	// Metrics optionally receives background refresh counts
	Metrics Recorder
}

type cacheKey struct {
	id     string
	limit  int
	offset int
}

type memEntry struct {
	conversation Conversation
	messages     []Message
}

// Cache is the two-tier conversation cache: a memory map keyed by
// (conversation id, limit, offset) over a durable per-conversation store.
// Reads prefer memory, then fresh-enough durable data, then the remote
// collaborator, falling back through stale tiers when the remote fails.
type Cache struct {
	config  CacheConfig
	store   *Store
	fetcher Fetcher
	logger  *slog.Logger

	memory    map[cacheKey]memEntry
	scheduled map[cacheKey]*time.Timer

	// Statistics
	memoryHits  uint64
	durableHits uint64
	remoteHits  uint64
	fallbacks   uint64
	refreshes   uint64

	mu sync.Mutex
}

// CacheStats represents cache counters
type CacheStats struct {
	MemoryEntries uint64 `json:"memory_entries"`
	MemoryHits    uint64 `json:"memory_hits"`
	DurableHits   uint64 `json:"durable_hits"`
	RemoteHits    uint64 `json:"remote_hits"`
	Fallbacks     uint64 `json:"fallbacks"`
	Refreshes     uint64 `json:"refreshes"`
}

// NewCache creates the two-tier cache over a durable store and a remote
// fetcher
func NewCache(config CacheConfig, store *Store, fetcher Fetcher, logger *slog.Logger) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}

	if config.RefreshDelay <= 0 {
		config.RefreshDelay = 2 * time.Second
	}

	if config.DurableFreshNormal <= 0 {
		config.DurableFreshNormal = 5 * time.Minute
	}

	if config.DurableFreshHigh <= 0 {
		config.DurableFreshHigh = 30 * time.Minute
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		config:    config,
		store:     store,
		fetcher:   fetcher,
		logger:    logger,
		memory:    make(map[cacheKey]memEntry),
		scheduled: make(map[cacheKey]*time.Timer),
	}, nil
}

// Get resolves a conversation page through the tier chain. The result
// always carries data or an error; stale data plus an error means a
// fallback tier served the read after a remote failure.
func (c *Cache) Get(ctx context.Context, id string, opts GetOptions) Result {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}

	key := cacheKey{id: id, limit: opts.Limit, offset: opts.Offset}

	// Step 1: exact memory hit
	if !opts.ForceRefresh {
		c.mu.Lock()
		entry, ok := c.memory[key]
		if ok {
			c.memoryHits++
			c.mu.Unlock()

			if opts.Priority == PriorityNormal {
				c.scheduleRefresh(key)
			}

			conv := entry.conversation
			return Result{
				Conversation: &conv,
				Messages:     entry.messages,
				Source:       SourceMemory,
			}
		}
		c.mu.Unlock()
	}

	// Step 2: fresh-enough durable entry, full snapshots only
	if !opts.ForceRefresh && opts.Offset == 0 {
		if snapshot, writtenAt, ok := c.store.Get(id); ok {
			threshold := c.config.DurableFreshNormal
			if opts.Priority == PriorityHigh {
				threshold = c.config.DurableFreshHigh
			}

			if time.Since(writtenAt) < threshold {
				messages := pageMessages(snapshot.Messages, opts.Limit)

				c.mu.Lock()
				c.memory[key] = memEntry{conversation: snapshot.Conversation, messages: messages}
				c.durableHits++
				c.mu.Unlock()

				if opts.Priority == PriorityNormal {
					c.scheduleRefresh(key)
				}

				conv := snapshot.Conversation
				return Result{
					Conversation: &conv,
					Messages:     messages,
					Source:       SourceDurable,
				}
			}
		}
	}

	// Step 3: remote fetch populating both tiers
	conv, messages, err := c.fetcher.Fetch(ctx, id, opts.Limit, opts.Offset)
	if err == nil {
		c.mu.Lock()
		c.memory[key] = memEntry{conversation: *conv, messages: messages}
		c.remoteHits++
		c.mu.Unlock()

		if opts.Offset == 0 {
			if err := c.store.Put(id, *conv, messages); err != nil {
				c.logger.Warn("Failed to persist snapshot",
					slog.String("conversation_id", id),
					slog.String("error", err.Error()))
			}
		}

		return Result{
			Conversation: conv,
			Messages:     messages,
			Source:       SourceRemote,
		}
	}

	// Step 4: fallback chain, first hit wins
	fetchErr := faults.Transport("fetch-failed",
		fmt.Sprintf("failed to load conversation %s", id), err)

	c.logger.Warn("Remote fetch failed, trying cache fallbacks",
		slog.String("conversation_id", id),
		slog.String("error", err.Error()))

	c.mu.Lock()
	if entry, ok := c.memory[key]; ok {
		c.fallbacks++
		c.mu.Unlock()
		conv := entry.conversation
		return Result{
			Conversation: &conv,
			Messages:     entry.messages,
			Source:       SourceMemory,
			Stale:        true,
			Err:          fetchErr,
		}
	}
	c.mu.Unlock()

	if snapshot, _, ok := c.store.Get(id); ok {
		c.mu.Lock()
		c.fallbacks++
		c.mu.Unlock()
		conv := snapshot.Conversation
		return Result{
			Conversation: &conv,
			Messages:     pageMessages(snapshot.Messages, opts.Limit),
			Source:       SourceDurable,
			Stale:        true,
			Err:          fetchErr,
		}
	}

	c.mu.Lock()
	for k, entry := range c.memory {
		if strings.HasPrefix(k.id, id) {
			c.fallbacks++
			c.mu.Unlock()
			conv := entry.conversation
			return Result{
				Conversation: &conv,
				Messages:     entry.messages,
				Source:       SourceMemory,
				Stale:        true,
				Err:          fetchErr,
			}
		}
	}
	c.mu.Unlock()

	return Result{Err: fetchErr}
}

// Put writes a snapshot through both tiers under the canonical full-page
// key. The engine uses it to persist appended turns.
func (c *Cache) Put(id string, conv Conversation, messages []Message) {
	key := cacheKey{id: id}

	c.mu.Lock()
	c.memory[key] = memEntry{conversation: conv, messages: messages}
	c.mu.Unlock()

	if err := c.store.Put(id, conv, messages); err != nil {
		c.logger.Warn("Failed to persist snapshot",
			slog.String("conversation_id", id),
			slog.String("error", err.Error()))
	}
}

// Invalidate drops every memory entry for the conversation and its durable
// snapshot. Used when a temporary id is promoted.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	for key := range c.memory {
		if key.id == id {
			delete(c.memory, key)
		}
	}
	for key, timer := range c.scheduled {
		if key.id == id {
			timer.Stop()
			delete(c.scheduled, key)
		}
	}
	c.mu.Unlock()

	if err := c.store.Delete(id); err != nil {
		c.logger.Warn("Failed to delete durable entry",
			slog.String("conversation_id", id),
			slog.String("error", err.Error()))
	}
}

// GetStats returns cache counters
func (c *Cache) GetStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		MemoryEntries: uint64(len(c.memory)),
		MemoryHits:    c.memoryHits,
		DurableHits:   c.durableHits,
		RemoteHits:    c.remoteHits,
		Fallbacks:     c.fallbacks,
		Refreshes:     c.refreshes,
	}
}

// Dispose stops pending refresh timers
func (c *Cache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, timer := range c.scheduled {
		timer.Stop()
		delete(c.scheduled, key)
	}
}

// scheduleRefresh arms a detached stale-while-revalidate load for the key.
// Background requests never arrive here, so refresh chains cannot recurse.
func (c *Cache) scheduleRefresh(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, pending := c.scheduled[key]; pending {
		return
	}

	c.scheduled[key] = time.AfterFunc(c.config.RefreshDelay, func() {
		c.mu.Lock()
		delete(c.scheduled, key)
		c.refreshes++
		c.mu.Unlock()

		if c.config.Metrics != nil {
			c.config.Metrics.RecordCacheRefresh()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result := c.Get(ctx, key.id, GetOptions{
			Limit:        key.limit,
			Offset:       key.offset,
			ForceRefresh: true,
			Priority:     PriorityBackground,
		})
		if result.Err != nil {
			c.logger.Debug("Background refresh failed",
				slog.String("conversation_id", key.id),
				slog.String("error", result.Err.Error()))
		}
	})
}

// pageMessages trims a stored snapshot to the requested page size
func pageMessages(messages []Message, limit int) []Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	// Newest messages live at the tail of the snapshot
	return messages[len(messages)-limit:]
}
