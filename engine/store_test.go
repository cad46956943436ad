package engine

import (
	"testing"
	"time"

	"github.com/hupe1980/simcache/model"
)

func TestEntrySize(t *testing.T) {
	vec := make([]float32, 4)
	payload := make([]byte, 320)

	if got := entrySize(vec, payload); got != 400 {
		t.Fatalf("entrySize = %d, want 400", got)
	}
	if got := entrySize(nil, nil); got != entryOverheadBytes {
		t.Fatalf("entrySize(nil, nil) = %d, want %d", got, entryOverheadBytes)
	}
}

func TestStoreGetBumpsAccess(t *testing.T) {
	st := newStore()

	e := &entry{local: 1, vector: []float32{1, 0}, size: entrySize([]float32{1, 0}, nil)}
	e.lastAccess.Store(100)
	st.put(e)

	got, ok := st.get(1, 200)
	if !ok {
		t.Fatal("get should find entry 1")
	}
	if got.accessCount.Load() != 1 {
		t.Fatalf("accessCount = %d, want 1", got.accessCount.Load())
	}
	if got.lastAccess.Load() != 200 {
		t.Fatalf("lastAccess = %d, want 200", got.lastAccess.Load())
	}

	// peek must not disturb access metadata.
	if _, ok := st.peek(1); !ok {
		t.Fatal("peek should find entry 1")
	}
	if got.accessCount.Load() != 1 {
		t.Fatalf("peek bumped accessCount to %d", got.accessCount.Load())
	}

	if _, ok := st.get(99, 300); ok {
		t.Fatal("get should miss for unknown local")
	}
}

func TestStoreDeleteAndLen(t *testing.T) {
	st := newStore()
	for i := uint32(1); i <= 5; i++ {
		st.put(&entry{local: i})
	}
	if st.len() != 5 {
		t.Fatalf("len = %d, want 5", st.len())
	}

	if _, ok := st.delete(3); !ok {
		t.Fatal("delete should report entry 3 removed")
	}
	if _, ok := st.delete(3); ok {
		t.Fatal("second delete should be a no-op")
	}
	if st.len() != 4 {
		t.Fatalf("len = %d, want 4", st.len())
	}
	if _, ok := st.peek(3); ok {
		t.Fatal("entry 3 should be gone")
	}
}

func TestStoreRangeEntries(t *testing.T) {
	st := newStore()
	for i := uint32(1); i <= 10; i++ {
		st.put(&entry{local: i})
	}

	seen := make(map[uint32]bool)
	st.rangeEntries(func(e *entry) bool {
		seen[e.local] = true
		return true
	})
	if len(seen) != 10 {
		t.Fatalf("range visited %d entries, want 10", len(seen))
	}

	var visited int
	st.rangeEntries(func(e *entry) bool {
		visited++
		return visited < 3
	})
	if visited != 3 {
		t.Fatalf("early stop visited %d entries, want 3", visited)
	}

	st.clear()
	if st.len() != 0 {
		t.Fatalf("len after clear = %d, want 0", st.len())
	}
}

func TestEntryView(t *testing.T) {
	now := time.Now().UnixNano()
	e := &entry{
		local:     7,
		vector:    []float32{0.1, 0.2},
		payload:   []byte("answer"),
		size:      42,
		createdAt: now,
	}
	e.lastAccess.Store(now)
	e.accessCount.Store(3)

	view := e.view(model.ShardID(2))
	if view.ID != model.NewEntryID(2, 7) {
		t.Fatalf("view.ID = %v, want shard 2 local 7", view.ID)
	}
	if string(view.Payload) != "answer" {
		t.Fatalf("view.Payload = %q", view.Payload)
	}
	if view.SizeBytes != 42 || view.AccessCount != 3 {
		t.Fatalf("view = %+v", view)
	}
	if view.CreatedAt.UnixNano() != now {
		t.Fatalf("view.CreatedAt = %v", view.CreatedAt)
	}
}
