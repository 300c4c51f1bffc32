package cache

import (
	"sort"
	"time"
)

// evictionPercent is the share of candidates removed by one eviction round.
const evictionPercent = 20

// EntryView is the read-only projection of an entry the eviction policy scores.
type EntryView struct {
	Key        string
	InsertedAt time.Time
	Priority   float64
	Seq        uint64
}

// Score returns age in milliseconds divided by priority. Higher scores are
// evicted first.
func (e EntryView) Score(now time.Time) float64 {
	priority := e.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	age := float64(now.Sub(e.InsertedAt)) / float64(time.Millisecond)
	return age / priority
}

// SelectVictims picks ceil(20%) of the entries, at least one, ordered by
// descending score. Equal scores evict the earlier insertion first. The
// excluded key is never selected.
func SelectVictims(entries []EntryView, now time.Time, exclude string) []string {
	type scored struct {
		view  EntryView
		score float64
	}

	candidates := make([]scored, 0, len(entries))
	for _, e := range entries {
		if e.Key == exclude {
			continue
		}
		candidates = append(candidates, scored{view: e, score: e.Score(now)})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].view.Seq < candidates[j].view.Seq
	})

	count := (len(candidates)*evictionPercent + 99) / 100
	if count < 1 {
		count = 1
	}

	victims := make([]string, count)
	for i := 0; i < count; i++ {
		victims[i] = candidates[i].view.Key
	}
	return victims
}
