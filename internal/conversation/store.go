package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/faults"
)

var (
	bucketSnapshots  = []byte("snapshots")
	bucketWriteTimes = []byte("write_times")
)

// Snapshot is the durable record kept per conversation: the conversation
// header plus its most recent message list.
type Snapshot struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// StoreConfig controls durable tier capacity and eviction
type StoreConfig struct {
	// Path is the bbolt database file location
	Path string

	// Capacity is the soft ceiling on distinct conversation entries
	Capacity int

	// KeepCount is how many newest entries survive a soft-ceiling eviction
	KeepCount int

	// ForcedKeepCount is how many survive an explicit forced cleanup
	ForcedKeepCount int

	// Metrics optionally receives eviction and corruption counts
	Metrics Recorder
}

// Store is the durable cache tier: one snapshot record per conversation id
// plus a write-timestamp record, in a single bbolt file. Writes past the
// capacity ceiling trigger an oldest-first eviction pass that never empties
// a non-empty tier.
type Store struct {
	config StoreConfig
	db     *bolt.DB
	logger *slog.Logger

	// write persists one snapshot; tests swap it to simulate write failures
	write func(id string, conv Conversation, messages []Message, writtenAt time.Time) error
}

// NewStore opens the durable tier at the configured path
func NewStore(config StoreConfig, logger *slog.Logger) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}

	if config.Capacity <= 0 {
		config.Capacity = 50
	}

	if config.KeepCount <= 0 || config.KeepCount > config.Capacity {
		config.KeepCount = 40
	}

	if config.ForcedKeepCount <= 0 || config.ForcedKeepCount > config.KeepCount {
		config.ForcedKeepCount = 20
	}

	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", config.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketWriteTimes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &Store{
		config: config,
		db:     db,
		logger: logger,
	}
	s.write = s.putAt
	return s, nil
}

// Put writes a conversation snapshot and its write timestamp. When the
// entry count exceeds the capacity ceiling an eviction pass runs; a failed
// write triggers a forced eviction, which frees space even under the
// capacity ceiling, and one retry. A second failure is logged without
// failing the caller.
func (s *Store) Put(id string, conv Conversation, messages []Message) error {
	if err := s.write(id, conv, messages, time.Now()); err != nil {
		s.logger.Warn("Durable write failed, evicting and retrying",
			slog.String("conversation_id", id),
			slog.String("error", err.Error()))

		if _, evictErr := s.Evict(true); evictErr != nil {
			s.logger.Warn("Eviction pass failed", slog.String("error", evictErr.Error()))
		}

		if err := s.write(id, conv, messages, time.Now()); err != nil {
			s.logger.Warn("Durable write failed after eviction, memory tier remains authoritative",
				slog.String("conversation_id", id),
				slog.String("error", err.Error()))
			return nil
		}
	}

	count, err := s.Count()
	if err != nil {
		return nil
	}

	if count > s.config.Capacity {
		if removed, err := s.Evict(false); err == nil && removed > 0 {
			s.logger.Info("Durable tier evicted",
				slog.Int("removed", removed),
				slog.Int("kept", s.config.KeepCount))
		}
	}

	return nil
}

// putAt writes one snapshot with an explicit write time
func (s *Store) putAt(id string, conv Conversation, messages []Message, writtenAt time.Time) error {
	snapshot := Snapshot{Conversation: conv, Messages: messages}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put([]byte(id), data); err != nil {
			return err
		}
		return tx.Bucket(bucketWriteTimes).Put([]byte(id), []byte(writtenAt.Format(time.RFC3339Nano)))
	})
}

// Get reads a conversation snapshot. A malformed record is deleted and
// reported as a miss; the corruption is logged, never surfaced.
func (s *Store) Get(id string) (*Snapshot, time.Time, bool) {
	var data, timeData []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSnapshots).Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		if v := tx.Bucket(bucketWriteTimes).Get([]byte(id)); v != nil {
			timeData = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, time.Time{}, false
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.dropCorrupted(id, faults.Corruption("malformed-snapshot",
			fmt.Sprintf("snapshot for %s is not valid JSON", id), err))
		return nil, time.Time{}, false
	}

	writtenAt, err := time.Parse(time.RFC3339Nano, string(timeData))
	if err != nil {
		s.dropCorrupted(id, faults.Corruption("malformed-timestamp",
			fmt.Sprintf("write time for %s is unreadable", id), err))
		return nil, time.Time{}, false
	}

	return &snapshot, writtenAt, true
}

// dropCorrupted self-heals a malformed entry by deleting it
func (s *Store) dropCorrupted(id string, cause error) {
	s.logger.Warn("Dropping corrupted durable entry",
		slog.String("conversation_id", id),
		slog.String("error", cause.Error()))

	if s.config.Metrics != nil {
		s.config.Metrics.RecordCorruption()
	}

	if err := s.Delete(id); err != nil {
		s.logger.Warn("Failed to delete corrupted entry",
			slog.String("conversation_id", id),
			slog.String("error", err.Error()))
	}
}

// Delete removes a conversation's snapshot and timestamp
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketWriteTimes).Delete([]byte(id))
	})
}

// Count returns the number of distinct conversation entries
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketSnapshots).Stats().KeyN
		return nil
	})
	return count, err
}

// Evict removes the oldest-written entries in one pass, keeping the newest
// KeepCount (ForcedKeepCount when forced). Under capacity and unforced it
// is a no-op; it never empties a non-empty tier. Returns the number of
// entries removed.
func (s *Store) Evict(force bool) (int, error) {
	keep := s.config.KeepCount
	if force {
		keep = s.config.ForcedKeepCount
	}
	if keep < 1 {
		keep = 1
	}

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		snapshots := tx.Bucket(bucketSnapshots)
		writeTimes := tx.Bucket(bucketWriteTimes)

		count := snapshots.Stats().KeyN
		if !force && count <= s.config.Capacity {
			return nil
		}
		if count <= keep {
			return nil
		}

		type entry struct {
			id        string
			writtenAt time.Time
		}

		entries := make([]entry, 0, count)
		err := snapshots.ForEach(func(k, _ []byte) error {
			e := entry{id: string(k)}
			if v := writeTimes.Get(k); v != nil {
				if t, err := time.Parse(time.RFC3339Nano, string(v)); err == nil {
					e.writtenAt = t
				}
			}
			entries = append(entries, e)
			return nil
		})
		if err != nil {
			return err
		}

		// Newest first; unparseable timestamps sort oldest and go first
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].writtenAt.After(entries[j].writtenAt)
		})

		for _, e := range entries[keep:] {
			if err := snapshots.Delete([]byte(e.id)); err != nil {
				return err
			}
			if err := writeTimes.Delete([]byte(e.id)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	if err == nil && removed > 0 && s.config.Metrics != nil {
		s.config.Metrics.RecordEvictions(removed)
	}

	return removed, err
}

// IDs returns all stored conversation ids, optionally filtered by prefix
func (s *Store) IDs(prefix string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			id := string(k)
			if prefix == "" || strings.HasPrefix(id, prefix) {
				ids = append(ids, id)
			}
			return nil
		})
	})
	return ids, err
}

// Close releases the database file
func (s *Store) Close() error {
	return s.db.Close()
}
