package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- Admit ---

func TestAdmit_FirstTimeTrue(t *testing.T) {
	s := New(8)
	assert.True(t, s.Admit("ev1"))
}

func TestAdmit_RepeatFalse(t *testing.T) {
	s := New(8)
	assert.True(t, s.Admit("ev1"))

	for i := 0; i < 5; i++ {
		assert.False(t, s.Admit("ev1"), "repeat admit %d must be rejected", i)
	}
}

func TestAdmit_IndependentIDs(t *testing.T) {
	s := New(8)
	assert.True(t, s.Admit("ev1"))
	assert.True(t, s.Admit("ev2"))
	assert.False(t, s.Admit("ev1"))
	assert.False(t, s.Admit("ev2"))
}

// --- eviction bound ---

func TestAdmit_EvictsOldestFirst(t *testing.T) {
	s := New(3)
	for i := 0; i < 3; i++ {
		s.Admit(fmt.Sprintf("ev%d", i))
	}

	// ev3 pushes ev0 out.
	assert.True(t, s.Admit("ev3"))
	assert.Equal(t, 3, s.Len())

	// ev0 was evicted, so it admits again; ev1 is still retained.
	assert.True(t, s.Admit("ev0"))
	assert.False(t, s.Admit("ev2"))
}

func TestAdmit_SizeNeverExceedsCapacity(t *testing.T) {
	s := New(16)
	for i := 0; i < 1000; i++ {
		s.Admit(fmt.Sprintf("ev%d", i))
		assert.LessOrEqual(t, s.Len(), 16)
	}
	assert.Equal(t, 16, s.Len())
}

func TestNew_NonPositiveCapacityUsesDefault(t *testing.T) {
	s := New(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		s.Admit(fmt.Sprintf("ev%d", i))
	}
	assert.Equal(t, DefaultCapacity, s.Len())
}

// --- rendered mappings ---

func TestRecordRendered_RoundTrip(t *testing.T) {
	s := New(8)
	s.RecordRendered("com.x\x0042\x00", 7, "ev1")

	id, ok := s.LookupRendered("com.x\x0042\x00")
	assert.True(t, ok)
	assert.Equal(t, uint32(7), id)
}

func TestLookupRendered_Unknown(t *testing.T) {
	s := New(8)
	_, ok := s.LookupRendered("missing")
	assert.False(t, ok)
}

func TestRemoveRendered(t *testing.T) {
	s := New(8)
	s.RecordRendered("key", 7, "ev1")
	s.RemoveRendered("key")

	_, ok := s.LookupRendered("key")
	assert.False(t, ok)
}

func TestRemoveRendered_ReleasesEventID(t *testing.T) {
	s := New(8)
	assert.True(t, s.Admit("ev1"))
	s.RecordRendered("key", 7, "ev1")

	s.RemoveRendered("key")

	assert.True(t, s.Admit("ev1"),
		"an identical event after dismissal must admit again")
}

func TestRemoveRendered_UnknownKeyIsNoOp(t *testing.T) {
	s := New(8)
	assert.True(t, s.Admit("ev1"))

	s.RemoveRendered("missing")

	assert.False(t, s.Admit("ev1"), "unrelated dedup entries must survive")
}

func TestRecordRendered_OverwriteSameKey(t *testing.T) {
	s := New(8)
	s.RecordRendered("key", 7, "ev1")
	s.RecordRendered("key", 9, "ev2")

	id, ok := s.LookupRendered("key")
	assert.True(t, ok)
	assert.Equal(t, uint32(9), id)
}

func TestRecordRendered_BoundedEviction(t *testing.T) {
	s := New(3)
	for i := 0; i < 5; i++ {
		s.RecordRendered(fmt.Sprintf("key%d", i), uint32(i), fmt.Sprintf("ev%d", i))
	}

	_, ok := s.LookupRendered("key0")
	assert.False(t, ok, "oldest rendered mapping must be evicted")
	_, ok = s.LookupRendered("key4")
	assert.True(t, ok)
}

func TestRecordRendered_RemoveThenRecordDoesNotEvictEarly(t *testing.T) {
	s := New(3)

	// Remove must clear the key's order slot; otherwise the re-record
	// leaves a stale entry whose eviction would delete the live mapping
	// while only three distinct keys exist.
	s.RecordRendered("A", 1, "evA1")
	s.RemoveRendered("A")
	s.RecordRendered("A", 2, "evA2")
	s.RecordRendered("B", 3, "evB")
	s.RecordRendered("C", 4, "evC")

	id, ok := s.LookupRendered("A")
	assert.True(t, ok, "live mapping must survive within capacity")
	assert.Equal(t, uint32(2), id)
}
