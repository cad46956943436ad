package engine

import (
	"testing"
	"time"
)

func TestHybridScorerOrdering(t *testing.T) {
	scorer := HybridScorer(DefaultFreqWeight, DefaultRecencyWeight)
	now := time.Now().UnixNano()
	second := int64(time.Second)

	cold := scorer(0, now-30*second, now)
	warm := scorer(0, now-1*second, now)
	hot := scorer(5, now-1*second, now)

	if !(cold < warm && warm < hot) {
		t.Fatalf("expected cold < warm < hot, got %v %v %v", cold, warm, hot)
	}

	// Frequency decays: a well-used entry eventually loses to a fresh one
	// once it has been cold long enough.
	stale := scorer(5, now-600*second, now)
	if stale >= warm {
		t.Fatalf("stale hot entry should score below fresh entry: %v vs %v", stale, warm)
	}
}

func TestLRUScorerIgnoresFrequency(t *testing.T) {
	scorer := LRUScorer()
	now := time.Now().UnixNano()

	older := scorer(100, now-20*int64(time.Second), now)
	newer := scorer(0, now-1*int64(time.Second), now)
	if older >= newer {
		t.Fatalf("LRU must rank older access lower: %v vs %v", older, newer)
	}
}

func TestLFUScorerIgnoresRecency(t *testing.T) {
	scorer := LFUScorer()
	now := time.Now().UnixNano()

	rare := scorer(1, now, now)
	frequent := scorer(10, now-60*int64(time.Second), now)
	if rare >= frequent {
		t.Fatalf("LFU must rank rare access lower: %v vs %v", rare, frequent)
	}
}

func TestSelectVictimsAscendingScore(t *testing.T) {
	st := newStore()
	now := time.Now().UnixNano()
	second := int64(time.Second)

	// Three 100-byte entries with distinct recency. LRU order: 1, 2, 3.
	for i := uint32(1); i <= 3; i++ {
		e := &entry{local: i, size: 100}
		e.lastAccess.Store(now - int64(4-i)*10*second)
		st.put(e)
	}

	// 300 used of 350; admitting 100 needs 50 freed: one victim suffices.
	victims := selectVictims(st, LRUScorer(), 300, 100, 350, now)
	if len(victims) != 1 || victims[0].local != 1 {
		t.Fatalf("victims = %v, want just local 1", locals(victims))
	}

	// Admitting 250 needs 200 freed: two oldest go.
	victims = selectVictims(st, LRUScorer(), 300, 250, 350, now)
	if len(victims) != 2 || victims[0].local != 1 || victims[1].local != 2 {
		t.Fatalf("victims = %v, want locals 1, 2", locals(victims))
	}

	// Already fits: nothing selected.
	victims = selectVictims(st, LRUScorer(), 200, 100, 350, now)
	if len(victims) != 0 {
		t.Fatalf("victims = %v, want none", locals(victims))
	}
}

func locals(entries []*entry) []uint32 {
	out := make([]uint32, len(entries))
	for i, e := range entries {
		out[i] = e.local
	}
	return out
}
