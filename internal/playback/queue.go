package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
)

var (
	// ErrQueueEmpty is returned when an operation needs an item and the
	// queue has none
	ErrQueueEmpty = errors.New("playback queue is empty")

	// ErrNoTrack is returned when an operation needs an open track and
	// nothing is loaded
	ErrNoTrack = errors.New("no track loaded")
)

// ItemState is the observable lifecycle of a queue item
type ItemState string

const (
	StateLoading ItemState = "loading"
	StateReady   ItemState = "ready"
	StatePlaying ItemState = "playing"
	StatePaused  ItemState = "paused"
	StateEnded   ItemState = "ended"
)

// Meta carries descriptive fields attached to an enqueued blob
type Meta struct {
	Title          string
	ConversationID string
}

// Item is one entry in the playback queue
type Item struct {
	ID             string        `json:"id"`
	Title          string        `json:"title,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Listener observes item state transitions. Each call is delivered on its
// own goroutine, so a listener may call back into the queue but must not
// assume ordering across transitions; the ItemState carried by each call
// is authoritative for that transition only.
type Listener func(itemID string, state ItemState)

// Config controls queue behavior
type Config struct {
	// Autoplay starts playback immediately when an item is enqueued while
	// nothing is playing
	Autoplay bool

	// QueueMode advances to the next item when one ends naturally. When
	// off, playback stops and the track is released at the end.
	QueueMode bool

	// Volume and Rate are applied to every opened track
	Volume float64
	Rate   float64
}

// Queue owns speaker playback for the session. It holds at most one open
// track at a time; every opened track is closed before another is opened
// and when its item finishes outside queue mode.
type Queue struct {
	config   Config
	player   Player
	logger   *slog.Logger
	listener Listener

	items      []*queueItem
	currentIdx int
	track      Track
	generation uint64
	paused     bool

	// Statistics
	totalEnqueued uint64
	totalPlayed   uint64

	mu sync.Mutex
}

type queueItem struct {
	item Item
	blob *audio.Blob
}

// QueueStats represents queue counters
type QueueStats struct {
	Items         int    `json:"items"`
	CurrentIndex  int    `json:"current_index"`
	TrackOpen     bool   `json:"track_open"`
	TotalEnqueued uint64 `json:"total_enqueued"`
	TotalPlayed   uint64 `json:"total_played"`
}

// NewQueue creates a playback queue over the given player
func NewQueue(config Config, player Player, listener Listener, logger *slog.Logger) (*Queue, error) {
	if player == nil {
		return nil, fmt.Errorf("player cannot be nil")
	}

	if config.Volume < 0 || config.Volume > 1 {
		return nil, fmt.Errorf("volume must be between 0 and 1, got %f", config.Volume)
	}

	if config.Rate <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %f", config.Rate)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		config:     config,
		player:     player,
		logger:     logger,
		listener:   listener,
		currentIdx: -1,
	}, nil
}

// Enqueue appends a blob to the queue and returns its item id. When
// autoplay is on and nothing is playing, playback starts immediately.
func (q *Queue) Enqueue(blob *audio.Blob, meta Meta) (string, error) {
	if blob.Empty() {
		return "", fmt.Errorf("cannot enqueue empty audio blob")
	}

	q.mu.Lock()

	id := uuid.New().String()
	q.items = append(q.items, &queueItem{
		item: Item{
			ID:             id,
			Title:          meta.Title,
			ConversationID: meta.ConversationID,
			Duration:       blob.Duration,
		},
		blob: blob,
	})
	q.totalEnqueued++

	start := q.config.Autoplay && q.track == nil
	idx := len(q.items) - 1

	var err error
	if start {
		err = q.startLocked(idx)
	}
	q.mu.Unlock()

	if err != nil {
		return id, fmt.Errorf("autoplay failed: %w", err)
	}

	q.logger.Debug("Enqueued playback item",
		slog.String("item_id", id),
		slog.Duration("duration", blob.Duration),
		slog.Bool("autoplay", start))

	return id, nil
}

// Play resumes the current track, or starts the first queued item when
// nothing is loaded
func (q *Queue) Play() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.track != nil {
		if err := q.track.Play(); err != nil {
			return err
		}
		q.paused = false
		q.notifyLocked(q.currentItemID(), StatePlaying)
		return nil
	}

	if len(q.items) == 0 {
		return ErrQueueEmpty
	}

	idx := q.currentIdx
	if idx < 0 || idx >= len(q.items) {
		idx = 0
	}
	return q.startLocked(idx)
}

// Pause pauses the current track
func (q *Queue) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.track == nil {
		return ErrNoTrack
	}

	if err := q.track.Pause(); err != nil {
		return err
	}
	q.paused = true
	q.notifyLocked(q.currentItemID(), StatePaused)
	return nil
}

// Stop ends playback and releases the open track. The queue contents and
// position are kept.
func (q *Queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.track == nil {
		return ErrNoTrack
	}

	id := q.currentItemID()
	q.closeTrackLocked()
	q.notifyLocked(id, StateEnded)
	return nil
}

// Seek repositions the current track
func (q *Queue) Seek(pos time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.track == nil {
		return ErrNoTrack
	}
	return q.track.Seek(pos)
}

// SetVolume applies a volume to the current and all future tracks
func (q *Queue) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("volume must be between 0 and 1, got %f", v)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.config.Volume = v
	if q.track != nil {
		return q.track.SetVolume(v)
	}
	return nil
}

// SetRate applies a playback rate to the current and all future tracks
func (q *Queue) SetRate(r float64) error {
	if r <= 0 {
		return fmt.Errorf("rate must be positive, got %f", r)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.config.Rate = r
	if q.track != nil {
		return q.track.SetRate(r)
	}
	return nil
}

// Next skips to the following queued item
func (q *Queue) Next() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.currentIdx+1 >= len(q.items) {
		return ErrQueueEmpty
	}
	return q.startLocked(q.currentIdx + 1)
}

// Previous returns to the preceding queued item
func (q *Queue) Previous() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.currentIdx <= 0 {
		return ErrQueueEmpty
	}
	return q.startLocked(q.currentIdx - 1)
}

// Items returns a snapshot of the queue contents
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]Item, len(q.items))
	for i, qi := range q.items {
		items[i] = qi.item
	}
	return items
}

// Clear stops playback, releases the track, and empties the queue
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closeTrackLocked()
	q.items = nil
	q.currentIdx = -1
}

// Dispose releases the open track. Call once when the queue is no longer
// needed.
func (q *Queue) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeTrackLocked()
}

// GetStats returns queue counters
func (q *Queue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Items:         len(q.items),
		CurrentIndex:  q.currentIdx,
		TrackOpen:     q.track != nil,
		TotalEnqueued: q.totalEnqueued,
		TotalPlayed:   q.totalPlayed,
	}
}

// startLocked opens and plays the item at idx, releasing any current track
// first. Callers hold q.mu.
func (q *Queue) startLocked(idx int) error {
	q.closeTrackLocked()

	qi := q.items[idx]
	q.notifyLocked(qi.item.ID, StateLoading)

	track, err := q.player.Open(qi.blob)
	if err != nil {
		q.notifyLocked(qi.item.ID, StateEnded)
		return fmt.Errorf("failed to open item %s: %w", qi.item.ID, err)
	}

	if err := track.SetVolume(q.config.Volume); err != nil {
		q.logger.Warn("Failed to apply volume", slog.String("error", err.Error()))
	}
	if err := track.SetRate(q.config.Rate); err != nil {
		q.logger.Warn("Failed to apply rate", slog.String("error", err.Error()))
	}

	q.generation++
	gen := q.generation
	id := qi.item.ID
	track.OnComplete(func() {
		q.onTrackComplete(gen, id)
	})

	q.notifyLocked(id, StateReady)

	if err := track.Play(); err != nil {
		track.Close()
		q.notifyLocked(id, StateEnded)
		return fmt.Errorf("failed to play item %s: %w", id, err)
	}

	q.track = track
	q.currentIdx = idx
	q.paused = false
	q.totalPlayed++
	q.notifyLocked(id, StatePlaying)
	return nil
}

// onTrackComplete handles natural end of an item. A stale generation means
// the track was already replaced or released; the completion is ignored.
func (q *Queue) onTrackComplete(gen uint64, id string) {
	q.mu.Lock()

	if gen != q.generation || q.track == nil {
		q.mu.Unlock()
		return
	}

	q.notifyLocked(id, StateEnded)

	if q.config.QueueMode && q.currentIdx+1 < len(q.items) {
		err := q.startLocked(q.currentIdx + 1)
		q.mu.Unlock()
		if err != nil {
			q.logger.Warn("Failed to advance queue", slog.String("error", err.Error()))
		}
		return
	}

	q.closeTrackLocked()
	q.mu.Unlock()
}

// closeTrackLocked releases the open track if any. Callers hold q.mu.
func (q *Queue) closeTrackLocked() {
	if q.track == nil {
		return
	}

	// Invalidate any pending completion callback
	q.generation++

	if err := q.track.Close(); err != nil {
		q.logger.Warn("Failed to close track", slog.String("error", err.Error()))
	}
	q.track = nil
	q.paused = false
}

// currentItemID returns the id of the current item, or empty. Callers hold
// q.mu.
func (q *Queue) currentItemID() string {
	if q.currentIdx >= 0 && q.currentIdx < len(q.items) {
		return q.items[q.currentIdx].item.ID
	}
	return ""
}

// notifyLocked fires the listener on a fresh goroutine so listeners may
// call back into the queue
func (q *Queue) notifyLocked(id string, state ItemState) {
	if q.listener != nil && id != "" {
		listener := q.listener
		go listener(id, state)
	}
}
