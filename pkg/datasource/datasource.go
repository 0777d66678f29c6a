// Package datasource defines the capability interfaces and lazy byte-stream
// abstraction every data source in the pipeline composes over (spec.md §2,
// §9), plus the SequentialDataSource and GatewayDataSource implementations.
// The capability-interface design follows spec.md §9's explicit redesign
// note ("model DataSource, ChunkMetadataSource... as capability interfaces
// with a small set of methods") and generalizes the teacher's
// ContentFetcher-as-single-concrete-type (pkg/content/fetcher.go) into
// composable interface values.
package datasource

import (
	"context"
	"fmt"

	"github.com/ar-io/gateway-core/pkg/arid"
	"github.com/ar-io/gateway-core/pkg/region"
	"github.com/ar-io/gateway-core/pkg/reqattrs"
)

// ByteStream is the lazy byte-sequence abstraction of spec.md §9: a function
// producing the next chunk of bytes per step, an abort signal, and a size
// hint. Every composed source returns one; the HTTP layer drains it.
type ByteStream interface {
	// Next returns the next available chunk of bytes. ok is false once the
	// stream is exhausted (io.EOF semantics without the io.EOF sentinel,
	// matching spec.md §9's Option<Bytes> framing).
	Next(ctx context.Context) (data []byte, ok bool, err error)
	// Abort releases any held resources (network connections, file handles)
	// without waiting for the stream to drain. Safe to call after the
	// stream is already exhausted.
	Abort()
	// SizeHint reports the total byte count if known in advance.
	SizeHint() (size uint64, known bool)
}

// ContiguousData is a streamed byte range with the metadata spec.md §3
// prescribes.
type ContiguousData struct {
	Stream            ByteStream
	Size              uint64
	SizeKnown         bool
	SourceContentType string
	Cached            bool
	Trusted           bool
	Verified          bool
	RequestAttributes *reqattrs.Attributes
}

// DataSource produces a ContiguousData for a given transaction/data-item ID,
// optionally restricted to region. Implementations raise gwerrors-tagged
// errors (NotFound, PermanentError, ...) per spec.md §7.
type DataSource interface {
	GetData(ctx context.Context, id arid.ID, r *region.Region, attrs reqattrs.Attributes) (ContiguousData, error)
}

// ChainSource resolves the chain-level facts a chunk reconstruction needs:
// a transaction's data_root and its (end-offset, size) pair (spec.md §4.3
// step 1, §6 "GET {trusted}/tx/{id}/data_root" and ".../offset").
type ChainSource interface {
	ResolveDataRoot(ctx context.Context, id arid.ID) ([32]byte, error)
	ResolveOffset(ctx context.Context, id arid.ID) (txOffset uint64, txSize uint64, err error)
}

// sliceStream is the trivial ByteStream over already-materialized slices,
// built by NewSliceStream (TxChunksDataSource uses it for empty results).
// Sources over true network streams, such as GatewayDataSource, implement
// ByteStream directly instead of buffering.
type sliceStream struct {
	remaining [][]byte
	aborted   bool
}

// NewSliceStream builds a ByteStream that yields each of chunks in order.
func NewSliceStream(chunks ...[]byte) ByteStream {
	return &sliceStream{remaining: chunks}
}

func (s *sliceStream) Next(ctx context.Context) ([]byte, bool, error) {
	if s.aborted {
		return nil, false, fmt.Errorf("datasource: stream aborted")
	}
	if len(s.remaining) == 0 {
		return nil, false, nil
	}
	next := s.remaining[0]
	s.remaining = s.remaining[1:]
	return next, true, nil
}

func (s *sliceStream) Abort() {
	s.aborted = true
	s.remaining = nil
}

func (s *sliceStream) SizeHint() (uint64, bool) {
	var total uint64
	for _, c := range s.remaining {
		total += uint64(len(c))
	}
	return total, true
}

// Drain reads every remaining chunk of stream into a single buffer. Intended
// for tests and small bounded payloads (e.g. manifest bodies); the HTTP
// response path drains incrementally instead.
func Drain(ctx context.Context, stream ByteStream) ([]byte, error) {
	var out []byte
	for {
		chunk, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, chunk...)
	}
}
