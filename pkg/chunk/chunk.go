// Package chunk implements the ChunkSource pipeline of spec.md §4.2: chunk
// metadata/data resolution with cryptographic Merkle validation, composite
// racing across sibling sources, a read-through hot cache, and the trusted-
// node and peer-backed leaf sources. Chunk/Metadata mirror the teacher's
// content.Chunk/ChunkInfo (pkg/content/types.go, pkg/content/chunker.go),
// generalized from flat CID-addressed chunks to Arweave's Merkle-addressed
// ones.
package chunk

import (
	"context"

	"github.com/ar-io/gateway-core/pkg/merkle"
)

// MaxChunkSize is the maximum payload size of a single chunk (spec.md §3).
const MaxChunkSize = 256 * 1024

// Params identifies the chunk being requested, per spec.md §4.2.1.
type Params struct {
	DataRoot       [merkle.HashSize]byte
	AbsoluteOffset uint64
	RelativeOffset uint64
	TxSize         uint64

	// BlockTxRoot, if non-zero, is the enclosing block's transaction-root
	// hash, enabling a PeerChunkSource to additionally verify tx_path links
	// data_root to that block (spec.md §4.2.2 step 4). The block-header
	// lookup that supplies this value is an out-of-scope chain-source
	// concern; callers that cannot supply it leave this zero and get
	// data_path-only validation, which is the invariant spec.md §8 actually
	// tests ("chunk validation soundness").
	BlockTxRoot [merkle.HashSize]byte
}

// Metadata is a chunk's location/proof information without its payload
// (spec.md §4.2.1: "data_path, tx_path, aligned offset, chunk_size").
type Metadata struct {
	DataPath  []byte
	TxPath    []byte
	Offset    uint64 // aligned offset, may differ from the requested RelativeOffset
	ChunkSize uint64
}

// Chunk is a validated chunk: metadata plus payload and its hash (spec.md §3).
type Chunk struct {
	Metadata
	Data     []byte
	DataHash [merkle.HashSize]byte
}

// MetadataSource produces a chunk's Metadata for the given Params.
type MetadataSource interface {
	GetMetadata(ctx context.Context, p Params) (Metadata, error)
}

// DataSource produces a chunk's raw bytes given Params and the aligned
// offset a MetadataSource resolved (spec.md §4.2.1: FullChunkSource "fetches
// data at the aligned offset").
type DataSource interface {
	GetData(ctx context.Context, p Params, alignedOffset uint64) (data []byte, dataHash [merkle.HashSize]byte, err error)
}

// Source produces a complete Chunk (metadata + data), satisfying both
// spec.md §9's capability-interface redesign note and the "FullChunkSource"
// contract of §4.2.1.
type Source interface {
	GetChunk(ctx context.Context, p Params) (Chunk, error)
}
