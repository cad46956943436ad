package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryIDPacking(t *testing.T) {
	tests := []struct {
		name  string
		shard ShardID
		local uint32
	}{
		{name: "zero", shard: 0, local: 0},
		{name: "typical", shard: 3, local: 42},
		{name: "max local", shard: 7, local: math.MaxUint32},
		{name: "max shard", shard: math.MaxUint32, local: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := NewEntryID(tt.shard, tt.local)
			assert.Equal(t, tt.shard, id.Shard())
			assert.Equal(t, tt.local, id.Local())
		})
	}
}

func TestEntryIDString(t *testing.T) {
	assert.Equal(t, "Entry(3:42)", NewEntryID(3, 42).String())
}

func TestFingerprintEqual(t *testing.T) {
	a := Fingerprint{Codes: []uint64{1, 2, 3}}
	b := Fingerprint{Codes: []uint64{1, 2, 3}}
	c := Fingerprint{Codes: []uint64{1, 2, 4}}
	short := Fingerprint{Codes: []uint64{1, 2}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(short))
	assert.Equal(t, 3, a.Tables())
}

func TestMutationOpString(t *testing.T) {
	assert.Equal(t, "insert", OpInsert.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "evict", OpEvict.String())
	assert.Equal(t, "unknown(9)", MutationOp(9).String())
}
