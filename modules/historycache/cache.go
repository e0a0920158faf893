package historycache

import (
	"slices"
	"time"

	"otogi-agent/pkg/otogi"
	"otogi-agent/pkg/shard"
)

// DefaultMaxBucketSize bounds how many records one conversation keeps.
const DefaultMaxBucketSize = 50

// Cache holds a bounded, id-deduplicated window of recent records per conversation.
//
// Each bucket is kept sorted by timestamp; records with equal timestamps keep
// arrival order. The tail of a bucket is therefore always its newest record and
// overflow always evicts the oldest one.
type Cache struct {
	maxBucketSize int
	buckets       *shard.Map[*bucket]
	metrics       *metrics
}

type bucket struct {
	records []otogi.MessageRecord
	ids     map[string]struct{}
}

// NewCache creates an empty cache. Non-positive sizes fall back to DefaultMaxBucketSize.
func NewCache(maxBucketSize int) *Cache {
	if maxBucketSize <= 0 {
		maxBucketSize = DefaultMaxBucketSize
	}

	return &Cache{
		maxBucketSize: maxBucketSize,
		buckets:       shard.New[*bucket](shard.DefaultShards),
	}
}

// Add inserts record into its conversation bucket.
//
// It reports false without touching the bucket when the id is already present,
// the record is malformed, or the bucket is full and the record is older than
// everything in it (its own insertion would evict it).
func (c *Cache) Add(record otogi.MessageRecord) bool {
	if record.Validate() != nil {
		c.metrics.observeAdd(addResultInvalid)
		return false
	}

	result := addResultDuplicate
	evicted := 0
	key := record.Conversation.ID
	c.buckets.Do(key, func(items map[string]*bucket) {
		current, ok := items[key]
		if !ok {
			current = &bucket{ids: make(map[string]struct{}, c.maxBucketSize+1)}
			items[key] = current
		}
		if _, duplicate := current.ids[record.ID]; duplicate {
			return
		}
		if len(current.records) >= c.maxBucketSize && record.Timestamp.Before(current.records[0].Timestamp) {
			result = addResultEvictedOnInsert
			return
		}

		current.insert(record)
		for len(current.records) > c.maxBucketSize {
			delete(current.ids, current.records[0].ID)
			current.records[0] = otogi.MessageRecord{}
			current.records = current.records[1:]
			evicted++
		}
		result = addResultInserted
	})

	c.metrics.observeAdd(result)
	if result != addResultInserted {
		return false
	}
	c.metrics.observeEvictions(evicted)

	return true
}

// insert places record after every element whose timestamp is not later.
func (b *bucket) insert(record otogi.MessageRecord) {
	b.ids[record.ID] = struct{}{}

	position := len(b.records)
	for position > 0 && b.records[position-1].Timestamp.After(record.Timestamp) {
		position--
	}
	if position == len(b.records) {
		b.records = append(b.records, record)
		return
	}

	b.records = append(b.records, otogi.MessageRecord{})
	copy(b.records[position+1:], b.records[position:])
	b.records[position] = record
}

// Query returns up to limit records of conversationID strictly older than
// before, oldest first. The slice is a copy owned by the caller.
func (c *Cache) Query(conversationID string, before time.Time, limit int) []otogi.MessageRecord {
	if limit <= 0 {
		return []otogi.MessageRecord{}
	}

	var result []otogi.MessageRecord
	c.buckets.Do(conversationID, func(items map[string]*bucket) {
		current, ok := items[conversationID]
		if !ok {
			return
		}

		end, _ := slices.BinarySearchFunc(current.records, before, func(record otogi.MessageRecord, target time.Time) int {
			if record.Timestamp.Before(target) {
				return -1
			}
			return 1
		})
		start := max(end-limit, 0)
		result = make([]otogi.MessageRecord, end-start)
		copy(result, current.records[start:end])
	})
	if result == nil {
		return []otogi.MessageRecord{}
	}

	return result
}

// Sweep drops every bucket that is empty or whose newest record is older than
// cutoff, and returns how many buckets were removed.
func (c *Cache) Sweep(cutoff time.Time) int {
	removed := 0
	c.buckets.Range(func(items map[string]*bucket) {
		for key, current := range items {
			if len(current.records) == 0 || current.records[len(current.records)-1].Timestamp.Before(cutoff) {
				delete(items, key)
				removed++
			}
		}
	})
	c.metrics.observeSwept(removed)

	return removed
}

// Len returns the number of conversations currently cached.
func (c *Cache) Len() int {
	return c.buckets.Len()
}

// BucketSize returns the number of records cached for conversationID.
func (c *Cache) BucketSize(conversationID string) int {
	size := 0
	c.buckets.Do(conversationID, func(items map[string]*bucket) {
		if current, ok := items[conversationID]; ok {
			size = len(current.records)
		}
	})

	return size
}
