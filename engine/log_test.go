package engine

import (
	"errors"
	"testing"

	"github.com/hupe1980/simcache/model"
)

func TestMutationLogAppendAssignsContiguousSeq(t *testing.T) {
	log := NewMutationLog(16)

	if log.Seq() != 0 {
		t.Fatalf("fresh log Seq = %d, want 0", log.Seq())
	}

	for i := 1; i <= 5; i++ {
		mut := log.Append(model.OpInsert, model.NewEntryID(0, uint32(i)), []float32{1}, nil)
		if mut.Seq != uint64(i) {
			t.Fatalf("mutation %d got seq %d", i, mut.Seq)
		}
		if mut.Timestamp == 0 {
			t.Fatal("mutation timestamp not assigned")
		}
	}
	if log.Seq() != 5 || log.FirstSeq() != 1 || log.Len() != 5 {
		t.Fatalf("Seq=%d FirstSeq=%d Len=%d", log.Seq(), log.FirstSeq(), log.Len())
	}
}

func TestMutationLogSince(t *testing.T) {
	log := NewMutationLog(16)
	for i := 1; i <= 5; i++ {
		log.Append(model.OpInsert, model.NewEntryID(0, uint32(i)), nil, nil)
	}

	muts, err := log.Since(0, 0)
	if err != nil {
		t.Fatalf("Since(0) error: %v", err)
	}
	if len(muts) != 5 || muts[0].Seq != 1 || muts[4].Seq != 5 {
		t.Fatalf("Since(0) = %d mutations, first=%d last=%d", len(muts), muts[0].Seq, muts[len(muts)-1].Seq)
	}

	muts, err = log.Since(3, 0)
	if err != nil || len(muts) != 2 || muts[0].Seq != 4 {
		t.Fatalf("Since(3) = %v muts, err=%v", muts, err)
	}

	// max caps the batch.
	muts, err = log.Since(0, 2)
	if err != nil || len(muts) != 2 || muts[1].Seq != 2 {
		t.Fatalf("Since(0, 2) = %v muts, err=%v", muts, err)
	}

	// Caught up: nothing newer.
	muts, err = log.Since(5, 0)
	if err != nil || muts != nil {
		t.Fatalf("Since(5) = %v, err=%v", muts, err)
	}
}

func TestMutationLogRetentionTruncates(t *testing.T) {
	log := NewMutationLog(4)
	for i := 1; i <= 6; i++ {
		log.Append(model.OpInsert, model.NewEntryID(0, uint32(i)), nil, nil)
	}

	if log.FirstSeq() != 3 || log.Len() != 4 {
		t.Fatalf("FirstSeq=%d Len=%d, want 3 and 4", log.FirstSeq(), log.Len())
	}

	// A replica at seq 0 missed seqs 1-2 forever: snapshot resync.
	_, err := log.Since(0, 0)
	if !errors.Is(err, ErrLogTruncated) {
		t.Fatalf("Since(0) err = %v, want ErrLogTruncated", err)
	}

	// seq 2 is exactly the truncation edge: next needed is 3, still retained.
	muts, err := log.Since(2, 0)
	if err != nil || len(muts) != 4 || muts[0].Seq != 3 {
		t.Fatalf("Since(2) = %v, err=%v", muts, err)
	}
}

func TestMutationLogTruncateBelow(t *testing.T) {
	log := NewMutationLog(16)
	for i := 1; i <= 5; i++ {
		log.Append(model.OpInsert, model.NewEntryID(0, uint32(i)), nil, nil)
	}

	log.TruncateBelow(3)
	if log.FirstSeq() != 4 || log.Len() != 2 {
		t.Fatalf("FirstSeq=%d Len=%d after TruncateBelow(3)", log.FirstSeq(), log.Len())
	}

	// Truncating below the retained window is a no-op.
	log.TruncateBelow(1)
	if log.FirstSeq() != 4 {
		t.Fatalf("FirstSeq=%d after redundant truncate", log.FirstSeq())
	}

	// Truncating everything leaves an empty window at the right seq.
	log.TruncateBelow(10)
	if log.Len() != 0 {
		t.Fatalf("Len=%d after full truncate", log.Len())
	}
}

func TestMutationLogSeedSeq(t *testing.T) {
	log := NewMutationLog(16)
	log.SeedSeq(41)

	if log.Seq() != 41 || log.Len() != 0 {
		t.Fatalf("Seq=%d Len=%d after SeedSeq(41)", log.Seq(), log.Len())
	}

	mut := log.Append(model.OpInsert, model.NewEntryID(0, 1), nil, nil)
	if mut.Seq != 42 {
		t.Fatalf("first seq after seed = %d, want 42", mut.Seq)
	}
}
