package conversation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

// countingRecorder tallies recorder callbacks for assertions
type countingRecorder struct {
	refreshes   atomic.Uint64
	evictions   atomic.Uint64
	corruptions atomic.Uint64
	requested   atomic.Uint64
	superseded  atomic.Uint64
	rollbacks   atomic.Uint64
}

func (r *countingRecorder) RecordCacheRefresh() { r.refreshes.Add(1) }

func (r *countingRecorder) RecordEvictions(count int) { r.evictions.Add(uint64(count)) }

func (r *countingRecorder) RecordCorruption() { r.corruptions.Add(1) }

func (r *countingRecorder) RecordSwitch(superseded, rolledBack bool) {
	r.requested.Add(1)
	if superseded {
		r.superseded.Add(1)
	}
	if rolledBack {
		r.rollbacks.Add(1)
	}
}

// A failed snapshot write forces an eviction pass even under the capacity
// ceiling, then the retried write lands.
func TestPutRetryForcesEviction(t *testing.T) {
	recorder := &countingRecorder{}
	store := testStore(t, StoreConfig{
		Capacity:        10,
		KeepCount:       8,
		ForcedKeepCount: 3,
		Metrics:         recorder,
	})

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		if err := store.putAt(id, testConversation(id), testMessages(id, 1), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Failed to seed %s: %v", id, err)
		}
	}

	failures := 1
	store.write = func(id string, conv Conversation, messages []Message, writtenAt time.Time) error {
		if failures > 0 {
			failures--
			return errors.New("database quota exceeded")
		}
		return store.putAt(id, conv, messages, writtenAt)
	}

	if err := store.Put("fresh", testConversation("fresh"), testMessages("fresh", 2)); err != nil {
		t.Fatalf("Expected put to recover after eviction, got %v", err)
	}

	if _, _, ok := store.Get("fresh"); !ok {
		t.Fatal("Expected retried write to land")
	}

	// Forced eviction keeps the 3 newest seeds; the retried write is the 4th
	count, err := store.Count()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 4 {
		t.Errorf("Expected 4 entries after forced eviction, got %d", count)
	}

	if _, _, ok := store.Get("c6"); !ok {
		t.Error("Expected newest seed to survive the forced eviction")
	}
	if _, _, ok := store.Get("c1"); ok {
		t.Error("Expected oldest seed evicted")
	}

	if got := recorder.evictions.Load(); got != 3 {
		t.Errorf("Expected 3 recorded evictions, got %d", got)
	}
}

func TestCorruptionRecorded(t *testing.T) {
	recorder := &countingRecorder{}
	store := testStore(t, StoreConfig{Metrics: recorder})

	if err := store.Put("c1", testConversation("c1"), testMessages("c1", 2)); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	err := store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte("c1"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("Failed to corrupt entry: %v", err)
	}

	if _, _, ok := store.Get("c1"); ok {
		t.Fatal("Expected corrupted entry to read as a miss")
	}

	if got := recorder.corruptions.Load(); got != 1 {
		t.Errorf("Expected 1 recorded corruption, got %d", got)
	}
}

func TestBackgroundRefreshRecorded(t *testing.T) {
	recorder := &countingRecorder{}
	store := testStore(t, StoreConfig{})
	fetcher := &fakeFetcher{}
	cache := testCache(t, CacheConfig{
		RefreshDelay: 20 * time.Millisecond,
		Metrics:      recorder,
	}, store, fetcher)

	// Remote fill, then a memory hit that arms the revalidation timer
	cache.Get(context.Background(), "c1", GetOptions{Priority: PriorityNormal})
	cache.Get(context.Background(), "c1", GetOptions{Priority: PriorityNormal})

	waitFor(t, 2*time.Second, func() bool { return recorder.refreshes.Load() >= 1 })
}

func TestSwitchOutcomesRecorded(t *testing.T) {
	recorder := &countingRecorder{}
	fetcher := &slowFetcher{failIDs: map[string]bool{"bad": true}}
	switcher := testSwitcher(t, SwitcherConfig{
		Debounce: 5 * time.Millisecond,
		Metrics:  recorder,
	}, fetcher, nil)

	switcher.Select("good")
	waitFor(t, 2*time.Second, func() bool { return recorder.requested.Load() == 1 })

	if recorder.superseded.Load() != 0 || recorder.rollbacks.Load() != 0 {
		t.Error("Expected a clean completion for the first select")
	}

	switcher.Select("bad")
	waitFor(t, 2*time.Second, func() bool { return recorder.rollbacks.Load() == 1 })

	// Two rapid selects: the first is superseded, the second completes
	switcher.Select("c1")
	switcher.Select("c2")
	waitFor(t, 2*time.Second, func() bool { return recorder.requested.Load() == 4 })

	if got := recorder.superseded.Load(); got != 1 {
		t.Errorf("Expected 1 recorded supersession, got %d", got)
	}
}
