// Package batch groups serialized items into size and count bounded batches.
package batch

import "log/slog"

// Batcher holds the bounds. Sizes are in bytes.
type Batcher struct {
	MaxItemBytes  int
	MaxBatchBytes int
	MaxItemCount  int
}

// New returns a Batcher with the given bounds. A count below one is raised
// to one.
func New(maxItemBytes, maxBatchBytes, maxItemCount int) Batcher {
	if maxItemCount < 1 {
		slog.Warn("invalid batch item count, using 1", "count", maxItemCount)
		maxItemCount = 1
	}
	return Batcher{MaxItemBytes: maxItemBytes, MaxBatchBytes: maxBatchBytes, MaxItemCount: maxItemCount}
}

// Batch packs items in order. Items larger than MaxItemBytes are dropped.
func (b Batcher) Batch(items [][]byte) [][][]byte {
	maxCount := max(b.MaxItemCount, 1)
	var (
		batches [][][]byte
		current [][]byte
		size    int
	)
	for _, item := range items {
		n := len(item)
		if n > b.MaxItemBytes {
			slog.Debug("dropping item over the size limit", "size", n, "limit", b.MaxItemBytes)
			continue
		}
		if len(current) > 0 && (len(current) >= maxCount || size+n > b.MaxBatchBytes) {
			batches = append(batches, current)
			current, size = nil, 0
		}
		current = append(current, item)
		size += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
