package etf

import "fmt"

// SyncBuckets is the parsed result of a peer's /sync_buckets response: the
// weave bucket granularity and the set of bucket indices the peer claims to
// hold.
type SyncBuckets struct {
	BucketSize uint64
	Indices    map[uint64]struct{}
}

// Contains reports whether bucketIndex is present in the parsed set.
func (s SyncBuckets) Contains(bucketIndex uint64) bool {
	if s.Indices == nil {
		return false
	}
	_, ok := s.Indices[bucketIndex]
	return ok
}

// ParseSyncBuckets decodes a raw /sync_buckets ETF payload. The node encodes
// the response as a map with atom keys "bucketSize" (an integer) and
// "buckets" (a map whose keys are bucket indices and whose values are
// arbitrary truthy markers — only key presence matters). Any decode failure
// is returned to the caller; per spec.md §4.1 the caller's responsibility is
// to clear sync_buckets without removing the peer, not to retry here.
func ParseSyncBuckets(data []byte) (SyncBuckets, error) {
	var out SyncBuckets

	term, err := Decode(data)
	if err != nil {
		return out, fmt.Errorf("etf: decode sync_buckets: %w", err)
	}

	top, err := AsMap(term)
	if err != nil {
		return out, fmt.Errorf("etf: sync_buckets top-level term: %w", err)
	}

	bucketSizeTerm, ok := top["bucketSize"]
	if !ok {
		return out, fmt.Errorf("etf: sync_buckets missing bucketSize key")
	}
	bucketSize, err := AsInt64(bucketSizeTerm)
	if err != nil {
		return out, fmt.Errorf("etf: sync_buckets bucketSize: %w", err)
	}
	if bucketSize <= 0 {
		return out, fmt.Errorf("etf: sync_buckets bucketSize must be positive, got %d", bucketSize)
	}

	bucketsTerm, ok := top["buckets"]
	if !ok {
		return out, fmt.Errorf("etf: sync_buckets missing buckets key")
	}
	bucketsMap, err := AsMap(bucketsTerm)
	if err != nil {
		return out, fmt.Errorf("etf: sync_buckets buckets: %w", err)
	}

	indices := make(map[uint64]struct{}, len(bucketsMap))
	for k := range bucketsMap {
		idx, err := AsInt64(k)
		if err != nil {
			return out, fmt.Errorf("etf: sync_buckets bucket index: %w", err)
		}
		if idx < 0 {
			return out, fmt.Errorf("etf: sync_buckets bucket index %d is negative", idx)
		}
		indices[uint64(idx)] = struct{}{}
	}

	out.BucketSize = uint64(bucketSize)
	out.Indices = indices
	return out, nil
}
