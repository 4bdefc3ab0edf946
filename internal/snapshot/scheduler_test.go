package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu    sync.Mutex
	saves map[string][][]byte
	fail  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saves: make(map[string][][]byte)}
}

func (m *memoryStore) Save(_ context.Context, entityID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("save failed")
	}
	m.saves[entityID] = append(m.saves[entityID], blob)
	return nil
}

func (m *memoryStore) Load(_ context.Context, entityID string) (EntitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs := m.saves[entityID]
	if len(blobs) == 0 {
		return EntitySnapshot{}, ErrSnapshotNotFound
	}
	return EntitySnapshot{EntityID: entityID, Blob: blobs[len(blobs)-1]}, nil
}

func (m *memoryStore) saveCount(entityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves[entityID])
}

func (m *memoryStore) lastSave(entityID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs := m.saves[entityID]
	if len(blobs) == 0 {
		return nil
	}
	return blobs[len(blobs)-1]
}

func (m *memoryStore) setFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func TestNewSchedulerValidatesConfig(testContext *testing.T) {
	if _, err := NewScheduler(SchedulerConfig{Interval: time.Second}); !errors.Is(err, ErrMissingStore) {
		testContext.Fatalf("expected ErrMissingStore, got %v", err)
	}
	if _, err := NewScheduler(SchedulerConfig{Store: newMemoryStore()}); !errors.Is(err, ErrInvalidInterval) {
		testContext.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestScheduleCoalescesBurstIntoOneWrite(testContext *testing.T) {
	store := newMemoryStore()
	scheduler := mustScheduler(testContext, store, 30*time.Millisecond)

	for i := 0; i < 10; i++ {
		content := []byte{byte('a' + i)}
		scheduler.Schedule("document:d1", func() []byte { return content })
	}

	waitFor(testContext, func() bool { return store.saveCount("document:d1") == 1 })
	if got := store.lastSave("document:d1"); string(got) != "j" {
		testContext.Fatalf("expected the final state to win, got %s", got)
	}

	// No further writes arrive after the burst settled.
	time.Sleep(60 * time.Millisecond)
	if count := store.saveCount("document:d1"); count != 1 {
		testContext.Fatalf("expected exactly 1 write, got %d", count)
	}
}

func TestScheduleTracksEntitiesIndependently(testContext *testing.T) {
	store := newMemoryStore()
	scheduler := mustScheduler(testContext, store, 20*time.Millisecond)

	scheduler.Schedule("document:d1", func() []byte { return []byte("doc") })
	scheduler.Schedule("slide:s1", func() []byte { return []byte("slide") })

	waitFor(testContext, func() bool {
		return store.saveCount("document:d1") == 1 && store.saveCount("slide:s1") == 1
	})
	if got := store.lastSave("slide:s1"); string(got) != "slide" {
		testContext.Fatalf("unexpected slide blob: %s", got)
	}
}

func TestFailedFlushIsRetriedByNextSchedule(testContext *testing.T) {
	store := newMemoryStore()
	store.setFailing(true)
	scheduler := mustScheduler(testContext, store, 20*time.Millisecond)

	scheduler.Schedule("document:d1", func() []byte { return []byte("lost") })
	time.Sleep(60 * time.Millisecond)
	if count := store.saveCount("document:d1"); count != 0 {
		testContext.Fatalf("expected failed flush to record nothing, got %d", count)
	}

	store.setFailing(false)
	scheduler.Schedule("document:d1", func() []byte { return []byte("recovered") })
	waitFor(testContext, func() bool { return store.saveCount("document:d1") == 1 })
	if got := store.lastSave("document:d1"); string(got) != "recovered" {
		testContext.Fatalf("unexpected blob after recovery: %s", got)
	}
}

func TestCloseFlushesPendingWrites(testContext *testing.T) {
	store := newMemoryStore()
	scheduler := mustScheduler(testContext, store, time.Hour)

	scheduler.Schedule("document:d1", func() []byte { return []byte("pending") })
	scheduler.Close(context.Background())

	if got := store.lastSave("document:d1"); string(got) != "pending" {
		testContext.Fatalf("expected pending write to flush on close, got %s", got)
	}

	// Scheduling after close is ignored.
	scheduler.Schedule("document:d2", func() []byte { return []byte("late") })
	time.Sleep(30 * time.Millisecond)
	if count := store.saveCount("document:d2"); count != 0 {
		testContext.Fatalf("expected no writes after close, got %d", count)
	}
}

func mustScheduler(testContext *testing.T, store Store, interval time.Duration) *Scheduler {
	testContext.Helper()
	scheduler, err := NewScheduler(SchedulerConfig{Store: store, Interval: interval})
	if err != nil {
		testContext.Fatalf("failed to build scheduler: %v", err)
	}
	testContext.Cleanup(func() { scheduler.Close(context.Background()) })
	return scheduler
}

func waitFor(testContext *testing.T, condition func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	testContext.Fatalf("condition not met before deadline")
}
