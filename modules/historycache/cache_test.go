package historycache

import (
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"otogi-agent/pkg/otogi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func recordAt(conversationID string, id string, offset time.Duration) otogi.MessageRecord {
	return otogi.MessageRecord{
		ID:           id,
		Conversation: otogi.Conversation{ID: conversationID, Type: otogi.ConversationTypeGroup},
		Timestamp:    epoch.Add(offset),
		Actor:        otogi.Actor{ID: "user-" + id},
		Text:         "message " + id,
	}
}

func recordIDs(records []otogi.MessageRecord) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}

	return ids
}

func equalIDs(got []string, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range got {
		if got[index] != want[index] {
			return false
		}
	}

	return true
}

func TestCacheEvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()

	cache := NewCache(DefaultMaxBucketSize)
	for index := 1; index <= DefaultMaxBucketSize+1; index++ {
		if !cache.Add(recordAt("chat", strconv.Itoa(index), time.Duration(index)*time.Second)) {
			t.Fatalf("Add(%d) = false, want true", index)
		}
	}

	if got := cache.BucketSize("chat"); got != DefaultMaxBucketSize {
		t.Fatalf("BucketSize = %d, want %d", got, DefaultMaxBucketSize)
	}

	all := cache.Query("chat", epoch.Add(time.Hour), 100)
	if len(all) != DefaultMaxBucketSize {
		t.Fatalf("len(Query) = %d, want %d", len(all), DefaultMaxBucketSize)
	}
	if all[0].ID != "2" {
		t.Fatalf("oldest id = %s, want 2", all[0].ID)
	}
	if all[len(all)-1].ID != "51" {
		t.Fatalf("newest id = %s, want 51", all[len(all)-1].ID)
	}

	if !cache.Add(recordAt("chat", "1", time.Hour)) {
		t.Fatal("re-adding evicted id with a newer timestamp = false, want true")
	}
	if got := cache.BucketSize("chat"); got != DefaultMaxBucketSize {
		t.Fatalf("BucketSize after re-add = %d, want %d", got, DefaultMaxBucketSize)
	}
}

func TestCacheRejectsRecordOlderThanFullBucket(t *testing.T) {
	t.Parallel()

	cache := NewCache(DefaultMaxBucketSize)
	cache.metrics = newMetrics(cache)
	for index := 1; index <= DefaultMaxBucketSize; index++ {
		cache.Add(recordAt("chat", strconv.Itoa(index), time.Duration(index)*time.Second))
	}

	if cache.Add(recordAt("chat", "early", 0)) {
		t.Fatal("Add(older than full bucket) = true, want false")
	}
	ids := recordIDs(cache.Query("chat", epoch.Add(time.Hour), 100))
	if len(ids) != DefaultMaxBucketSize || ids[0] != "1" {
		t.Fatalf("bucket = %v, want 1..%d unchanged", ids, DefaultMaxBucketSize)
	}
	if got := testutil.ToFloat64(cache.metrics.adds.WithLabelValues(addResultEvictedOnInsert)); got != 1 {
		t.Fatalf("evicted_on_insert adds = %v, want 1", got)
	}
	if got := testutil.ToFloat64(cache.metrics.adds.WithLabelValues(addResultInserted)); got != DefaultMaxBucketSize {
		t.Fatalf("inserted adds = %v, want %d", got, DefaultMaxBucketSize)
	}

	if !cache.Add(recordAt("chat", "tie", time.Second)) {
		t.Fatal("Add(tied with oldest) = false, want true")
	}
	ids = recordIDs(cache.Query("chat", epoch.Add(time.Hour), 100))
	if ids[0] != "tie" {
		t.Fatalf("oldest id = %s, want tie", ids[0])
	}
}

func TestCacheAddIsIdempotent(t *testing.T) {
	t.Parallel()

	cache := NewCache(0)
	original := recordAt("chat", "1", time.Second)
	if !cache.Add(original) {
		t.Fatal("first Add = false, want true")
	}

	replacement := original
	replacement.Text = "edited"
	replacement.Timestamp = epoch.Add(time.Minute)
	if cache.Add(replacement) {
		t.Fatal("duplicate Add = true, want false")
	}

	got := cache.Query("chat", epoch.Add(time.Hour), 10)
	if len(got) != 1 {
		t.Fatalf("len(Query) = %d, want 1", len(got))
	}
	if got[0].Text != original.Text || !got[0].Timestamp.Equal(original.Timestamp) {
		t.Fatalf("cached record = %+v, want original %+v", got[0], original)
	}
}

func TestCacheRejectsInvalidRecords(t *testing.T) {
	t.Parallel()

	cache := NewCache(0)
	cache.metrics = newMetrics(cache)

	tests := []otogi.MessageRecord{
		{Conversation: otogi.Conversation{ID: "chat"}, Timestamp: epoch},
		{ID: "1", Timestamp: epoch},
		{ID: "1", Conversation: otogi.Conversation{ID: "chat"}},
	}
	for index, record := range tests {
		if cache.Add(record) {
			t.Fatalf("Add(tests[%d]) = true, want false", index)
		}
	}
	if got := cache.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}
	if got := testutil.ToFloat64(cache.metrics.adds.WithLabelValues(addResultInvalid)); got != 3 {
		t.Fatalf("invalid adds = %v, want 3", got)
	}
}

func TestCacheQuery(t *testing.T) {
	t.Parallel()

	cache := NewCache(0)
	for index := 1; index <= 5; index++ {
		cache.Add(recordAt("chat", strconv.Itoa(index), time.Duration(index)*time.Second))
	}
	cache.Add(recordAt("other", "x", time.Second))

	tests := []struct {
		name           string
		conversationID string
		before         time.Time
		limit          int
		want           []string
	}{
		{
			name:           "all older records ascending",
			conversationID: "chat",
			before:         epoch.Add(6 * time.Second),
			limit:          10,
			want:           []string{"1", "2", "3", "4", "5"},
		},
		{
			name:           "limit keeps newest",
			conversationID: "chat",
			before:         epoch.Add(6 * time.Second),
			limit:          2,
			want:           []string{"4", "5"},
		},
		{
			name:           "before is exclusive",
			conversationID: "chat",
			before:         epoch.Add(3 * time.Second),
			limit:          10,
			want:           []string{"1", "2"},
		},
		{
			name:           "unknown conversation",
			conversationID: "missing",
			before:         epoch.Add(time.Hour),
			limit:          10,
			want:           []string{},
		},
		{
			name:           "non-positive limit",
			conversationID: "chat",
			before:         epoch.Add(time.Hour),
			limit:          0,
			want:           []string{},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got := cache.Query(testCase.conversationID, testCase.before, testCase.limit)
			if got == nil {
				t.Fatal("Query returned nil slice")
			}
			if ids := recordIDs(got); !equalIDs(ids, testCase.want) {
				t.Fatalf("Query ids = %v, want %v", ids, testCase.want)
			}
		})
	}
}

func TestCacheOrdersLateArrivalsByTimestamp(t *testing.T) {
	t.Parallel()

	cache := NewCache(3)
	cache.Add(recordAt("chat", "5", 5*time.Second))
	cache.Add(recordAt("chat", "3", 3*time.Second))
	cache.Add(recordAt("chat", "4", 4*time.Second))
	cache.Add(recordAt("chat", "4b", 4*time.Second))

	got := recordIDs(cache.Query("chat", epoch.Add(time.Hour), 10))
	want := []string{"4", "4b", "5"}
	if !equalIDs(got, want) {
		t.Fatalf("Query ids = %v, want %v", got, want)
	}

	cache.Add(recordAt("chat", "1", time.Second))
	got = recordIDs(cache.Query("chat", epoch.Add(time.Hour), 10))
	if !equalIDs(got, want) {
		t.Fatalf("Query ids after older add = %v, want %v", got, want)
	}
}

func TestCacheQueryReturnsCopy(t *testing.T) {
	t.Parallel()

	cache := NewCache(0)
	cache.Add(recordAt("chat", "1", time.Second))

	got := cache.Query("chat", epoch.Add(time.Hour), 10)
	got[0].Text = "mutated"

	again := cache.Query("chat", epoch.Add(time.Hour), 10)
	if again[0].Text != "message 1" {
		t.Fatalf("cached text = %q, want %q", again[0].Text, "message 1")
	}
}

func TestCacheSweep(t *testing.T) {
	t.Parallel()

	cache := NewCache(0)
	cache.metrics = newMetrics(cache)
	cache.Add(recordAt("stale", "1", 0))
	cache.Add(recordAt("fresh", "1", 0))
	cache.Add(recordAt("fresh", "2", 5*time.Minute))
	cache.buckets.Do("empty", func(items map[string]*bucket) {
		items["empty"] = &bucket{ids: map[string]struct{}{}}
	})

	removed := cache.Sweep(epoch.Add(time.Minute))
	if removed != 2 {
		t.Fatalf("Sweep removed = %d, want 2", removed)
	}
	if got := cache.BucketSize("fresh"); got != 2 {
		t.Fatalf("fresh BucketSize = %d, want 2", got)
	}
	if got := cache.BucketSize("stale"); got != 0 {
		t.Fatalf("stale BucketSize = %d, want 0", got)
	}
	if got := testutil.ToFloat64(cache.metrics.swept); got != 2 {
		t.Fatalf("swept metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(cache.metrics.conversations); got != 1 {
		t.Fatalf("conversations gauge = %v, want 1", got)
	}
}
