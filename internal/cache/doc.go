/*
Package cache provides the bounded, TTL-aware, priority-weighted cache at the
center of rescache.

# Admission

Store.Put computes the accounted size of a payload (see SizeOf), replaces any
existing entry for the key, and runs eviction rounds until the new entry fits
under the current limits. Limits are re-read from config.Limits on every
admission so a switch to low-memory mode takes effect immediately. A payload
larger than the whole cache is rejected with ENTRY_TOO_LARGE.

# Eviction

SelectVictims is a pure function: each entry scores age_ms / priority, the
highest scores go first and equal scores are broken by insertion order. One
round removes ceil(20%) of the candidates.

	score = (now - insertedAt) / priority

# Expiry

Entries expire when now - insertedAt > ttl. Get removes expired entries
lazily and counts a miss; the Sweeper removes them periodically. Both go
through the same removal path, so stats never drift:

	Stats.TotalSizeBytes == sum(entry.Size)
	Stats.EntryCount     == len(entries)

Usage:

	store := cache.NewStore(limits, &cache.StoreConfig{Logger: logger})
	_ = store.Put("image:logo.png", data, cache.WithTTL(time.Minute), cache.WithPriority(3))
	if v, ok := store.Get("image:logo.png"); ok {
		_ = v.([]byte)
	}
*/
package cache
