package chunk

import (
	"context"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ar-io/gateway-core/pkg/merkle"
)

// FilesystemStore is the durable on-disk chunk Store of spec.md §6's
// persistence layout, "data/chunks/{data_root}/{relative_offset}" — one file
// per chunk, keyed by (data_root, relative_offset). Mirrors the teacher's
// ReconstructFile (pkg/content/chunker.go) directory-per-key,
// temp-file-then-rename idiom.
type FilesystemStore struct {
	BaseDir string
}

// NewFilesystemStore builds a FilesystemStore rooted at baseDir.
func NewFilesystemStore(baseDir string) *FilesystemStore {
	return &FilesystemStore{BaseDir: baseDir}
}

func (f *FilesystemStore) pathFor(dataRoot [merkle.HashSize]byte, relativeOffset uint64) string {
	return filepath.Join(f.BaseDir, hex.EncodeToString(dataRoot[:]), strconv.FormatUint(relativeOffset, 10))
}

// chunkRecord is the on-disk encoding of a Chunk: payload plus the Merkle
// proofs and offsets needed to reconstruct Metadata without re-fetching.
type chunkRecord struct {
	DataPath  []byte
	TxPath    []byte
	Offset    uint64
	ChunkSize uint64
	Data      []byte
	DataHash  [merkle.HashSize]byte
}

// GetChunk implements Store.
func (f *FilesystemStore) GetChunk(ctx context.Context, dataRoot [merkle.HashSize]byte, relativeOffset uint64) (Chunk, bool, error) {
	file, err := os.Open(f.pathFor(dataRoot, relativeOffset))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{}, false, nil
		}
		return Chunk{}, false, fmt.Errorf("chunk: reading store entry: %w", err)
	}
	defer file.Close()

	var rec chunkRecord
	if err := gob.NewDecoder(file).Decode(&rec); err != nil {
		return Chunk{}, false, fmt.Errorf("chunk: decoding store entry: %w", err)
	}
	return Chunk{
		Metadata: Metadata{DataPath: rec.DataPath, TxPath: rec.TxPath, Offset: rec.Offset, ChunkSize: rec.ChunkSize},
		Data:     rec.Data,
		DataHash: rec.DataHash,
	}, true, nil
}

// PutChunk implements Store.
func (f *FilesystemStore) PutChunk(ctx context.Context, dataRoot [merkle.HashSize]byte, relativeOffset uint64, c Chunk) error {
	path := f.pathFor(dataRoot, relativeOffset)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("chunk: creating store directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-chunk-*")
	if err != nil {
		return fmt.Errorf("chunk: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	rec := chunkRecord{
		DataPath:  c.DataPath,
		TxPath:    c.TxPath,
		Offset:    c.Offset,
		ChunkSize: c.ChunkSize,
		Data:      c.Data,
		DataHash:  c.DataHash,
	}
	if err := gob.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		return fmt.Errorf("chunk: encoding store entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("chunk: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("chunk: renaming into place: %w", err)
	}
	return nil
}

var _ Store = (*FilesystemStore)(nil)
