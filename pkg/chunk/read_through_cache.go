package chunk

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/ar-io/gateway-core/pkg/merkle"
)

// hotCacheTTL is the in-memory chunk cache TTL. Entries are keyed by
// cacheKey (data_root, relative_offset), not by absolute offset.
const hotCacheTTL = 5 * time.Second

// cacheKey combines (data_root, relative_offset), per spec.md §4.2.3.
type cacheKey struct {
	dataRoot [merkle.HashSize]byte
	relative uint64
}

// Store is the durable (on-disk) chunk store backing the hot cache; it is
// the authoritative layer per spec.md §5.
type Store interface {
	GetChunk(ctx context.Context, dataRoot [merkle.HashSize]byte, relativeOffset uint64) (Chunk, bool, error)
	PutChunk(ctx context.Context, dataRoot [merkle.HashSize]byte, relativeOffset uint64, c Chunk) error
}

// ReadThroughChunkDataCache implements spec.md §4.2.3: a 5s-TTL in-memory
// layer in front of a durable Store, delegating to an underlying Source on
// miss. Cache misses are never memoized as negatives.
type ReadThroughChunkDataCache struct {
	hot      *lru.LRU[cacheKey, Chunk]
	store    Store
	upstream Source
	log      *logrus.Entry
}

// NewReadThroughChunkDataCache builds a cache with the given on-disk store
// and upstream fallback source. capacity bounds the in-memory hot layer's
// size. log may be nil, in which case store-write failures are silently
// absorbed per spec.md §4.2.3.
func NewReadThroughChunkDataCache(capacity int, store Store, upstream Source, log *logrus.Entry) *ReadThroughChunkDataCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &ReadThroughChunkDataCache{
		hot:      lru.NewLRU[cacheKey, Chunk](capacity, nil, hotCacheTTL),
		store:    store,
		upstream: upstream,
		log:      log,
	}
}

// GetChunk implements Source.
func (c *ReadThroughChunkDataCache) GetChunk(ctx context.Context, p Params) (Chunk, error) {
	key := cacheKey{dataRoot: p.DataRoot, relative: p.RelativeOffset}

	if chunk, ok := c.hot.Get(key); ok {
		return chunk, nil
	}

	if c.store != nil {
		if chunk, ok, err := c.store.GetChunk(ctx, p.DataRoot, p.RelativeOffset); err == nil && ok {
			c.hot.Add(key, chunk)
			return chunk, nil
		}
		// A store read error is treated the same as a miss: fall through to
		// upstream rather than failing the request.
	}

	chunk, err := c.upstream.GetChunk(ctx, p)
	if err != nil {
		return Chunk{}, err
	}

	c.hot.Add(key, chunk)
	if c.store != nil {
		if err := c.store.PutChunk(ctx, p.DataRoot, p.RelativeOffset, chunk); err != nil {
			// spec.md §4.2.3: "On store write failure: log and proceed; the
			// fetched result is still returned."
			if c.log != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"relative_offset": p.RelativeOffset,
					"chunk_size":      humanize.IBytes(uint64(len(chunk.Data))),
				}).Warn("chunk: durable store write failed")
			}
		}
	}
	return chunk, nil
}
