package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SwitchEvent reports a change to the active conversation. Result is set
// when a load finished; Err is set when the load failed and the active id
// rolled back.
type SwitchEvent struct {
	ActiveID  string
	Switching bool
	Result    *Result
	Err       error
}

// SwitcherConfig controls switch coalescing
type SwitcherConfig struct {
	// Debounce is how long rapid repeated selects coalesce before a load
	Debounce time.Duration

	// LoadTimeout bounds the cache load triggered by a switch
	LoadTimeout time.Duration

	// Metrics optionally receives switch outcome counts
	Metrics Recorder
}

// Switcher owns the active-conversation pointer. Select is fire-and-forget:
// the active id updates optimistically, rapid selects coalesce through a
// debounce, and superseded loads are discarded by sequence comparison
// rather than cancellation.
type Switcher struct {
	config   SwitcherConfig
	cache    *Cache
	logger   *slog.Logger
	listener func(SwitchEvent)

	seq atomic.Uint64

	activeID   string
	previousID string
	switching  bool

	// Client-side conversations not yet known to the server, keyed by id
	temporaries map[string]*Conversation

	// Statistics
	totalSelects uint64
	superseded   uint64
	rollbacks    uint64

	mu sync.Mutex
}

// SwitcherStats represents switcher counters
type SwitcherStats struct {
	ActiveID     string `json:"active_id"`
	Switching    bool   `json:"switching"`
	TotalSelects uint64 `json:"total_selects"`
	Superseded   uint64 `json:"superseded"`
	Rollbacks    uint64 `json:"rollbacks"`
}

// NewSwitcher creates a switcher over the conversation cache
func NewSwitcher(config SwitcherConfig, cache *Cache, listener func(SwitchEvent), logger *slog.Logger) (*Switcher, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}

	if config.Debounce <= 0 {
		config.Debounce = 150 * time.Millisecond
	}

	if config.LoadTimeout <= 0 {
		config.LoadTimeout = 30 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Switcher{
		config:      config,
		cache:       cache,
		logger:      logger,
		listener:    listener,
		temporaries: make(map[string]*Conversation),
	}, nil
}

// Select makes the conversation active. The id updates immediately so the
// UI reflects the switch with no delay; the message load runs after the
// debounce and only the most recent select may complete it.
func (s *Switcher) Select(id string) {
	seq := s.seq.Add(1)

	s.mu.Lock()
	if s.activeID != id {
		s.previousID = s.activeID
	}
	s.activeID = id
	s.switching = true
	s.totalSelects++
	s.mu.Unlock()

	s.notify(SwitchEvent{ActiveID: id, Switching: true})

	time.AfterFunc(s.config.Debounce, func() {
		// Superseded during the debounce: a newer select owns the state
		if s.seq.Load() != seq {
			s.discard(id)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.LoadTimeout)
		defer cancel()

		result := s.cache.Get(ctx, id, GetOptions{Priority: PriorityHigh})

		// Superseded during the load: discard without touching state
		if s.seq.Load() != seq {
			s.discard(id)
			return
		}

		if result.Err != nil && result.Conversation == nil {
			s.mu.Lock()
			s.rollbacks++
			rollbackID := s.previousID
			s.activeID = rollbackID
			s.switching = false
			s.mu.Unlock()

			s.logger.Warn("Switch failed, rolling back",
				slog.String("conversation_id", id),
				slog.String("rollback_id", rollbackID),
				slog.String("error", result.Err.Error()))

			s.recordSwitch(false, true)
			s.notify(SwitchEvent{ActiveID: rollbackID, Err: result.Err})
			return
		}

		s.mu.Lock()
		s.switching = false
		s.mu.Unlock()

		s.recordSwitch(false, false)
		s.notify(SwitchEvent{ActiveID: id, Result: &result})
	})
}

// discard logs a superseded select
func (s *Switcher) discard(id string) {
	s.mu.Lock()
	s.superseded++
	s.mu.Unlock()

	s.recordSwitch(true, false)
	s.logger.Debug("Discarding superseded switch", slog.String("conversation_id", id))
}

// recordSwitch reports one finished switch request to the recorder
func (s *Switcher) recordSwitch(superseded, rolledBack bool) {
	if s.config.Metrics != nil {
		s.config.Metrics.RecordSwitch(superseded, rolledBack)
	}
}

// NewTemporary creates and activates a client-only placeholder conversation
func (s *Switcher) NewTemporary(title string) *Conversation {
	if title == "" {
		title = "New Conversation"
	}

	now := time.Now()
	conv := &Conversation{
		ID:          "temp-" + uuid.New().String(),
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsTemporary: true,
	}

	s.mu.Lock()
	s.temporaries[conv.ID] = conv
	if s.activeID != conv.ID {
		s.previousID = s.activeID
	}
	s.activeID = conv.ID
	s.mu.Unlock()

	s.notify(SwitchEvent{ActiveID: conv.ID})

	s.logger.Info("Created temporary conversation", slog.String("conversation_id", conv.ID))
	return conv
}

// PromoteTemporary rewrites a temporary conversation's identity in place
// once the server assigns a durable id. The active pointer follows, and the
// cache entries under the old id are invalidated.
func (s *Switcher) PromoteTemporary(tempID, realID, title string) error {
	s.mu.Lock()
	conv, ok := s.temporaries[tempID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no temporary conversation with id %s", tempID)
	}

	conv.ID = realID
	if title != "" {
		conv.Title = title
	}
	conv.IsTemporary = false
	conv.UpdatedAt = time.Now()

	delete(s.temporaries, tempID)

	if s.activeID == tempID {
		s.activeID = realID
	}
	if s.previousID == tempID {
		s.previousID = realID
	}
	activeID := s.activeID
	s.mu.Unlock()

	s.cache.Invalidate(tempID)

	s.logger.Info("Promoted temporary conversation",
		slog.String("temp_id", tempID),
		slog.String("conversation_id", realID))

	s.notify(SwitchEvent{ActiveID: activeID})
	return nil
}

// ActiveID returns the current active conversation id, or empty
func (s *Switcher) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Switching reports whether a select is still loading
func (s *Switcher) Switching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switching
}

// Temporary returns the temporary conversation with the given id, if any
func (s *Switcher) Temporary(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.temporaries[id]
	return conv, ok
}

// GetStats returns switcher counters
func (s *Switcher) GetStats() SwitcherStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SwitcherStats{
		ActiveID:     s.activeID,
		Switching:    s.switching,
		TotalSelects: s.totalSelects,
		Superseded:   s.superseded,
		Rollbacks:    s.rollbacks,
	}
}

func (s *Switcher) notify(event SwitchEvent) {
	if s.listener != nil {
		s.listener(event)
	}
}
