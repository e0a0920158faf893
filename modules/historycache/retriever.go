package historycache

import (
	"context"
	"log/slog"
	"slices"

	"otogi-agent/pkg/otogi"
)

// Retriever serves recent history from the cache and backfills from the
// platform at most once per call.
type Retriever struct {
	cache   *Cache
	fetcher otogi.HistoryFetcher
	logger  *slog.Logger
	metrics *metrics
}

// NewRetriever creates a retriever. A nil fetcher serves cached records only.
func NewRetriever(cache *Cache, fetcher otogi.HistoryFetcher, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}

	return &Retriever{
		cache:   cache,
		fetcher: fetcher,
		logger:  logger,
		metrics: cache.metrics,
	}
}

// GetMessages returns up to limit records of req's conversation that are
// strictly older than req, oldest first. req itself is never included.
//
// When the cache holds fewer than limit such records, one FetchHistory call
// is made and every fetched record is written through to the cache. A failed
// fetch is logged and contributes no records.
func (r *Retriever) GetMessages(ctx context.Context, req otogi.MessageRecord, limit int) []otogi.MessageRecord {
	if limit <= 0 {
		return []otogi.MessageRecord{}
	}

	hits := r.cache.Query(req.Conversation.ID, req.Timestamp, limit)
	hits = slices.DeleteFunc(hits, func(record otogi.MessageRecord) bool {
		return record.ID == req.ID
	})
	if len(hits) >= limit {
		r.metrics.observeBackfill(backfillResultSkipped)
		return hits
	}
	if r.fetcher == nil {
		r.metrics.observeBackfill(backfillResultUnavailable)
		return hits
	}

	fetched, err := r.fetcher.FetchHistory(ctx, req.Conversation, req.ID, limit)
	if err != nil {
		r.metrics.observeBackfill(backfillResultFailed)
		r.logger.WarnContext(ctx,
			"history backfill failed",
			"conversation_id", req.Conversation.ID,
			"before_id", req.ID,
			"limit", limit,
			"cached", len(hits),
			"error", err,
		)
		return hits
	}
	r.metrics.observeBackfill(backfillResultFetched)

	seen := make(map[string]struct{}, len(hits)+len(fetched))
	merged := make([]otogi.MessageRecord, 0, len(hits)+len(fetched))
	for _, record := range hits {
		seen[record.ID] = struct{}{}
		merged = append(merged, record)
	}
	for _, record := range fetched {
		if record.Conversation.ID == "" {
			record.Conversation = req.Conversation
		}
		if record.Conversation.ID != req.Conversation.ID || record.Validate() != nil {
			continue
		}
		r.cache.Add(record)

		if record.ID == req.ID || !record.Timestamp.Before(req.Timestamp) {
			continue
		}
		if _, duplicate := seen[record.ID]; duplicate {
			continue
		}
		seen[record.ID] = struct{}{}
		merged = append(merged, record)
	}

	slices.SortStableFunc(merged, func(left, right otogi.MessageRecord) int {
		return left.Timestamp.Compare(right.Timestamp)
	})
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}

	return merged
}
