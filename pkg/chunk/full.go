package chunk

import (
	"context"
	"fmt"
)

// FullSource joins a MetadataSource and a DataSource into a Source: it
// resolves metadata first to obtain the chunk's aligned offset, then fetches
// data at that offset, then merges the two (spec.md §4.2.1).
type FullSource struct {
	Metadata MetadataSource
	Data     DataSource
}

// GetChunk implements Source.
func (f *FullSource) GetChunk(ctx context.Context, p Params) (Chunk, error) {
	meta, err := f.Metadata.GetMetadata(ctx, p)
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk: resolve metadata: %w", err)
	}

	data, hash, err := f.Data.GetData(ctx, p, meta.Offset)
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk: fetch data at aligned offset %d: %w", meta.Offset, err)
	}

	return Chunk{Metadata: meta, Data: data, DataHash: hash}, nil
}
