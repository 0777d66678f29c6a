// Package datacache implements the outermost data layer of spec.md §4.6:
// ReadThroughDataCache, keyed by transaction/data-item ID, with a
// hash-addressed content store consulted before falling back to an inner
// DataSource, and a T-split write-through on miss.
package datacache

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/ar-io/gateway-core/pkg/arid"
	"github.com/ar-io/gateway-core/pkg/codec/cborcanon"
	"github.com/ar-io/gateway-core/pkg/datasource"
	"github.com/ar-io/gateway-core/pkg/region"
	"github.com/ar-io/gateway-core/pkg/reqattrs"
)

// DataAttributes is the optional sidecar record of spec.md §3
// ("ContiguousDataAttributes"): authoritative facts about a contiguous
// payload, used to short-circuit the cache lookup and to verify a write.
type DataAttributes struct {
	Hash        []byte `cbor:"hash,omitempty"`
	Size        uint64 `cbor:"size"`
	ContentType string `cbor:"content_type,omitempty"`
	IsManifest  bool   `cbor:"is_manifest,omitempty"`
	Stable      bool   `cbor:"stable,omitempty"`
	DataOffset  uint64 `cbor:"data_offset,omitempty"`
	ParentID    string `cbor:"parent_id,omitempty"`
	RootTxID    string `cbor:"root_tx_id,omitempty"`
	Offset      uint64 `cbor:"offset,omitempty"`
}

// DataStore is the content-addressed store a ReadThroughDataCache writes
// through to. Content is addressed by the SHA-256 hash of its bytes.
type DataStore interface {
	// GetByHash opens the stored payload for hash, returning its size and a
	// ReadCloser, or ok=false if absent.
	GetByHash(ctx context.Context, hash []byte) (r io.ReadCloser, size uint64, ok bool, err error)
	// PutByHash stores a payload under the SHA-256 hash of the bytes read
	// from r, returning the computed hash. If expectedHash is non-nil and
	// disagrees with the computed hash, the write is discarded (not
	// persisted) but the computed hash/size are still returned so the
	// caller can log the mismatch, per spec.md §4.6's hash-verification
	// note.
	PutByHash(ctx context.Context, r io.Reader, expectedHash []byte) (hash []byte, size uint64, mismatched bool, err error)
}

// AttributesStore resolves and persists DataAttributes sidecar records for
// an ID, independent of the payload bytes themselves.
type AttributesStore interface {
	GetAttributes(ctx context.Context, id arid.ID) (DataAttributes, bool, error)
	PutAttributes(ctx context.Context, id arid.ID, attrs DataAttributes) error
}

// ReadThroughDataCache implements spec.md §4.6: a hash-addressed
// short-circuit in front of an inner datasource.DataSource, with a
// write-through T-split on miss.
type ReadThroughDataCache struct {
	Attributes AttributesStore
	Store      DataStore
	Inner      datasource.DataSource
	Log        interface{ Errorf(string, ...any) }
}

// GetAttributes exposes the sidecar DataAttributes record for id, when
// known, letting callers (e.g. manifest-path dispatch) make decisions
// without issuing a full GetData call.
func (c *ReadThroughDataCache) GetAttributes(ctx context.Context, id arid.ID) (DataAttributes, bool, error) {
	return c.Attributes.GetAttributes(ctx, id)
}

// GetData implements datasource.DataSource.
func (c *ReadThroughDataCache) GetData(ctx context.Context, id arid.ID, r *region.Region, attrs reqattrs.Attributes) (datasource.ContiguousData, error) {
	// Only a request for the full payload (no region) can be served
	// straight from the content-addressed store, since the store holds
	// whole payloads keyed by hash.
	if r == nil {
		if da, ok, err := c.Attributes.GetAttributes(ctx, id); err == nil && ok && len(da.Hash) > 0 {
			if body, size, hit, err := c.Store.GetByHash(ctx, da.Hash); err == nil && hit {
				return datasource.ContiguousData{
					Stream:            newReadCloserStream(body),
					Size:              size,
					SizeKnown:         true,
					SourceContentType: da.ContentType,
					Cached:            true,
					Trusted:           true,
					Verified:          false,
					RequestAttributes: &attrs,
				}, nil
			}
		}
	}

	data, err := c.Inner.GetData(ctx, id, r, attrs)
	if err != nil {
		return datasource.ContiguousData{}, err
	}

	// Only whole, size-known payloads are worth writing through: a partial
	// range request or an unknown-length stream can't be hash-verified as
	// a unit, so it is returned untouched.
	if r != nil || !data.SizeKnown {
		return data, nil
	}

	var expectedHash []byte
	if da, ok, err := c.Attributes.GetAttributes(ctx, id); err == nil && ok {
		expectedHash = da.Hash
	}

	splitA, splitB := newTeeStream(data.Stream)
	data.Stream = splitA
	go c.writeThrough(id, splitB, data.SourceContentType, expectedHash)

	return data, nil
}

// writeThrough drains the store-bound half of a T-split stream into the
// content-addressed store. A write failure is logged and otherwise
// ignored: per spec.md §4.6, "A store write failure must not abort the
// response" — the response side of the split is unaffected by this. If
// expectedHash is known and the incrementally-computed hash disagrees,
// the write is discarded; per spec.md §9 the already-streaming response
// is *not* retroactively invalidated, only the cache entry is withheld.
func (c *ReadThroughDataCache) writeThrough(id arid.ID, stream datasource.ByteStream, contentType string, expectedHash []byte) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			chunk, ok, err := stream.Next(ctx)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if !ok {
				pw.Close()
				return
			}
			if _, err := pw.Write(chunk); err != nil {
				return
			}
		}
	}()

	hash, size, mismatched, err := c.Store.PutByHash(ctx, pr, expectedHash)
	<-done
	if err != nil {
		if c.Log != nil {
			c.Log.Errorf("datacache: store write for %s failed: %v", id.String(), err)
		}
		return
	}
	if mismatched {
		if c.Log != nil {
			c.Log.Errorf("datacache: computed hash for %s disagreed with authoritative hash; write discarded", id.String())
		}
		return
	}

	if err := c.Attributes.PutAttributes(ctx, id, DataAttributes{Hash: hash, Size: size, ContentType: contentType}); err != nil {
		if c.Log != nil {
			c.Log.Errorf("datacache: attribute write for %s failed: %v", id.String(), err)
		}
	}
}

// readCloserStream adapts an io.ReadCloser (a store hit) into a ByteStream.
type readCloserStream struct {
	body   io.ReadCloser
	buf    []byte
	closed bool
}

func newReadCloserStream(body io.ReadCloser) *readCloserStream {
	return &readCloserStream{body: body, buf: make([]byte, 64*1024)}
}

func (r *readCloserStream) Next(ctx context.Context) ([]byte, bool, error) {
	if r.closed {
		return nil, false, nil
	}
	n, err := r.body.Read(r.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, r.buf[:n])
		if err != nil {
			r.Abort()
		}
		return out, true, nil
	}
	r.Abort()
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return nil, false, nil
}

func (r *readCloserStream) Abort() {
	if r.closed {
		return
	}
	r.closed = true
	_ = r.body.Close()
}

func (r *readCloserStream) SizeHint() (uint64, bool) { return 0, false }

// teeStream splits one ByteStream's reads into two independent consumers,
// each advancing at its own pace, buffered by a mutex-guarded queue per
// branch (spec.md §4.6 "T-splits the stream: one copy drives the
// response; the other feeds a write").
type teeStream struct {
	mu     sync.Mutex
	source datasource.ByteStream
	ended  bool
	err    error
	queues [2][][]byte
	done   bool
}

func newTeeStream(source datasource.ByteStream) (*teeBranch, *teeBranch) {
	t := &teeStream{source: source}
	return &teeBranch{t: t, idx: 0}, &teeBranch{t: t, idx: 1}
}

// pump reads one chunk from the shared source and fans it into both
// branch queues. Called with t.mu held.
func (t *teeStream) pump(ctx context.Context) error {
	data, ok, err := t.source.Next(ctx)
	if err != nil {
		t.err = err
		t.ended = true
		return err
	}
	if !ok {
		t.ended = true
		return nil
	}
	t.queues[0] = append(t.queues[0], data)
	t.queues[1] = append(t.queues[1], data)
	return nil
}

type teeBranch struct {
	t   *teeStream
	idx int
}

func (b *teeBranch) Next(ctx context.Context) ([]byte, bool, error) {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()

	for len(b.t.queues[b.idx]) == 0 {
		if b.t.ended {
			if b.t.err != nil {
				return nil, false, b.t.err
			}
			return nil, false, nil
		}
		if err := b.t.pump(ctx); err != nil {
			return nil, false, err
		}
	}

	data := b.t.queues[b.idx][0]
	b.t.queues[b.idx] = b.t.queues[b.idx][1:]
	return data, true, nil
}

func (b *teeBranch) Abort() {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	if !b.t.ended {
		b.t.source.Abort()
		b.t.ended = true
	}
}

func (b *teeBranch) SizeHint() (uint64, bool) {
	return b.t.source.SizeHint()
}

// FilesystemStore is a DataStore/AttributesStore backed by the local
// filesystem, laid out content-addressed by hex-encoded SHA-256 hash
// split into two 2-character prefix directories (mirrors the teacher's
// ReconstructFile/chunker.go directory-per-output convention).
type FilesystemStore struct {
	BaseDir string
}

// NewFilesystemStore builds a FilesystemStore rooted at baseDir. Content
// blobs land under baseDir/contiguous/..., attribute sidecars under
// baseDir/attrs/....
func NewFilesystemStore(baseDir string) *FilesystemStore {
	return &FilesystemStore{BaseDir: baseDir}
}

func (f *FilesystemStore) pathFor(hash []byte) string {
	hx := hex.EncodeToString(hash)
	return filepath.Join(f.BaseDir, "contiguous", hx[0:2], hx[2:4], hx)
}

func (f *FilesystemStore) attrsPathFor(id arid.ID) string {
	s := id.String()
	return filepath.Join(f.BaseDir, "attrs", s[0:2], s+".cbor")
}

// GetByHash implements DataStore.
func (f *FilesystemStore) GetByHash(ctx context.Context, hash []byte) (io.ReadCloser, uint64, bool, error) {
	path := f.pathFor(hash)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, false, err
	}
	return file, uint64(info.Size()), true, nil
}

// PutByHash implements DataStore.
func (f *FilesystemStore) PutByHash(ctx context.Context, r io.Reader, expectedHash []byte) (hash []byte, size uint64, mismatched bool, err error) {
	tmp, err := os.CreateTemp(f.BaseDir, "datacache-write-*")
	if err != nil {
		return nil, 0, false, fmt.Errorf("datacache: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256simd.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	tmp.Close()
	if err != nil {
		return nil, 0, false, fmt.Errorf("datacache: writing temp file: %w", err)
	}

	sum := h.Sum(nil)
	if len(expectedHash) > 0 && !bytes.Equal(sum, expectedHash) {
		return sum, uint64(n), true, nil
	}

	finalPath := f.pathFor(sum)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, 0, false, fmt.Errorf("datacache: creating store directory: %w", err)
	}
	if _, statErr := os.Stat(finalPath); statErr == nil {
		// Already present under this hash; the payload is identical by
		// construction, so the temp file can simply be discarded.
		return sum, uint64(n), false, nil
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, 0, false, fmt.Errorf("datacache: finalizing store write: %w", err)
	}
	return sum, uint64(n), false, nil
}

// GetAttributes implements AttributesStore.
func (f *FilesystemStore) GetAttributes(ctx context.Context, id arid.ID) (DataAttributes, bool, error) {
	path := f.attrsPathFor(id)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DataAttributes{}, false, nil
	}
	if err != nil {
		return DataAttributes{}, false, err
	}
	var attrs DataAttributes
	if err := cborcanon.Unmarshal(raw, &attrs); err != nil {
		return DataAttributes{}, false, fmt.Errorf("datacache: decoding attributes for %s: %w", id.String(), err)
	}
	return attrs, true, nil
}

// PutAttributes implements AttributesStore.
func (f *FilesystemStore) PutAttributes(ctx context.Context, id arid.ID, attrs DataAttributes) error {
	path := f.attrsPathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("datacache: creating attrs directory: %w", err)
	}
	encoded, err := cborcanon.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("datacache: encoding attributes for %s: %w", id.String(), err)
	}
	return os.WriteFile(path, encoded, 0o644)
}
