package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSelectVictims(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) time.Time { return now.Add(-ago) }

	tests := []struct {
		name    string
		entries []EntryView
		exclude string
		want    []string
	}{
		{
			name: "empty",
			want: nil,
		},
		{
			name: "minimum one victim",
			entries: []EntryView{
				{Key: "a", InsertedAt: at(time.Second), Priority: 1, Seq: 1},
				{Key: "b", InsertedAt: at(2 * time.Second), Priority: 1, Seq: 2},
			},
			want: []string{"b"},
		},
		{
			name: "ceil of twenty percent",
			entries: []EntryView{
				{Key: "a", InsertedAt: at(6 * time.Second), Priority: 1, Seq: 1},
				{Key: "b", InsertedAt: at(5 * time.Second), Priority: 1, Seq: 2},
				{Key: "c", InsertedAt: at(4 * time.Second), Priority: 1, Seq: 3},
				{Key: "d", InsertedAt: at(3 * time.Second), Priority: 1, Seq: 4},
				{Key: "e", InsertedAt: at(2 * time.Second), Priority: 1, Seq: 5},
				{Key: "f", InsertedAt: at(time.Second), Priority: 1, Seq: 6},
			},
			want: []string{"a", "b"},
		},
		{
			name: "priority divides age",
			entries: []EntryView{
				{Key: "old-important", InsertedAt: at(10 * time.Second), Priority: 10, Seq: 1},
				{Key: "young-ordinary", InsertedAt: at(2 * time.Second), Priority: 1, Seq: 2},
			},
			want: []string{"young-ordinary"},
		},
		{
			name: "ties evict earlier insertion first",
			entries: []EntryView{
				{Key: "second", InsertedAt: at(time.Second), Priority: 1, Seq: 8},
				{Key: "first", InsertedAt: at(time.Second), Priority: 1, Seq: 3},
			},
			want: []string{"first"},
		},
		{
			name: "excluded key is never chosen",
			entries: []EntryView{
				{Key: "incoming", InsertedAt: at(time.Hour), Priority: 1, Seq: 1},
				{Key: "other", InsertedAt: at(time.Second), Priority: 1, Seq: 2},
			},
			exclude: "incoming",
			want:    []string{"other"},
		},
		{
			name: "only excluded key present",
			entries: []EntryView{
				{Key: "incoming", InsertedAt: at(time.Hour), Priority: 1, Seq: 1},
			},
			exclude: "incoming",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectVictims(tt.entries, now, tt.exclude))
		})
	}
}

func TestSelectVictims_Deterministic(t *testing.T) {
	now := time.Now()
	entries := make([]EntryView, 0, 10)
	for i := 0; i < 10; i++ {
		entries = append(entries, EntryView{Key: string(rune('a' + i)), InsertedAt: now, Priority: 1, Seq: uint64(i)})
	}

	first := SelectVictims(entries, now, "")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, SelectVictims(entries, now, ""))
	}
	assert.Equal(t, []string{"a", "b"}, first)
}

func TestStore_EvictionTieBreak(t *testing.T) {
	store, _ := newTestStore(1<<20, 2)

	// Same clock reading and priority give identical scores.
	assert.NoError(t, store.Put("first", []byte("v")))
	assert.NoError(t, store.Put("second", []byte("v")))
	assert.NoError(t, store.Put("third", []byte("v")))

	assert.False(t, store.Contains("first"))
	assert.True(t, store.Contains("second"))
	assert.True(t, store.Contains("third"))
}
