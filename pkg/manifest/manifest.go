// Package manifest implements path resolution over Arweave path manifests,
// per spec.md §4.7: JSON documents of the shape
// { manifest: "arweave/paths", index: { id?, path? }, paths: { "<subpath>": { id } } }.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ar-io/gateway-core/pkg/arid"
	"github.com/ar-io/gateway-core/pkg/datasource"
	"github.com/ar-io/gateway-core/pkg/reqattrs"
)

// MaxManifestBytes bounds the size of a manifest body the resolver will
// read into memory, per spec.md §4.7 "MUST bound input size".
const MaxManifestBytes = 10 * 1024 * 1024

// MaxNestingDepth bounds JSON object/array nesting, per spec.md §4.7
// "reject deeply nested JSON to avoid memory exhaustion".
const MaxNestingDepth = 32

// maxIndexRecursion bounds index.path → paths lookup recursion; manifests
// are expected to resolve in one hop, this only guards against a
// pathological self-referencing document.
const maxIndexRecursion = 8

// Resolution is the result of a path lookup (spec.md §4.7's
// "{ resolved_id?, complete }").
type Resolution struct {
	ResolvedID arid.ID
	Resolved   bool
	Complete   bool
}

// IndexResolver consults an out-of-scope authoritative external index
// (e.g. a precomputed path→id table maintained by an indexing service).
// It returns Complete=true when it can definitively answer — hit or miss
// — sparing the resolver a manifest-body fetch.
type IndexResolver interface {
	ResolveFromIndex(ctx context.Context, id arid.ID, subpath string) (Resolution, error)
}

// NoIndexResolver always reports Complete=false, deferring every lookup
// to resolve_from_data. It's the default when no external index is wired.
type NoIndexResolver struct{}

// ResolveFromIndex implements IndexResolver.
func (NoIndexResolver) ResolveFromIndex(ctx context.Context, id arid.ID, subpath string) (Resolution, error) {
	return Resolution{Complete: false}, nil
}

// manifestDoc mirrors the JSON shape of an Arweave path manifest.
type manifestDoc struct {
	Manifest string                 `json:"manifest"`
	Index    *manifestIndexRef      `json:"index,omitempty"`
	Paths    map[string]manifestRef `json:"paths"`
}

type manifestIndexRef struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
}

type manifestRef struct {
	ID string `json:"id"`
}

// Resolver resolves a manifest-relative subpath to a concrete ID, first
// consulting an optional external index, then falling back to a
// streaming parse of the manifest body itself (spec.md §4.7).
type Resolver struct {
	Index IndexResolver
	Data  datasource.DataSource
}

// NewResolver builds a Resolver; if index is nil, NoIndexResolver is used.
func NewResolver(index IndexResolver, data datasource.DataSource) *Resolver {
	if index == nil {
		index = NoIndexResolver{}
	}
	return &Resolver{Index: index, Data: data}
}

// Resolve looks up subpath within the manifest identified by id.
func (r *Resolver) Resolve(ctx context.Context, id arid.ID, subpath string) (Resolution, error) {
	res, err := r.Index.ResolveFromIndex(ctx, id, subpath)
	if err != nil {
		return Resolution{}, fmt.Errorf("manifest: index lookup for %s: %w", id.String(), err)
	}
	if res.Complete {
		return res, nil
	}

	data, err := r.Data.GetData(ctx, id, nil, reqattrs.Attributes{})
	if err != nil {
		return Resolution{}, fmt.Errorf("manifest: fetching manifest body %s: %w", id.String(), err)
	}
	defer data.Stream.Abort()

	return ResolveFromData(newStreamReader(ctx, data.Stream), subpath)
}

// ResolveFromData implements spec.md §4.7's resolve_from_data: a
// size-bounded, depth-bounded streaming JSON parse of a manifest body,
// followed by the path lookup rules:
//   - empty subpath → index.id if present; else index.path → recursively
//     look up that path; else unresolved.
//   - exact match in paths → that entry's id.
//   - otherwise unresolved.
func ResolveFromData(body io.Reader, subpath string) (Resolution, error) {
	limited := io.LimitReader(body, MaxManifestBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return Resolution{}, fmt.Errorf("manifest: reading body: %w", err)
	}
	if len(raw) > MaxManifestBytes {
		return Resolution{}, fmt.Errorf("manifest: body exceeds %d bytes", MaxManifestBytes)
	}

	if err := checkNestingDepth(raw, MaxNestingDepth); err != nil {
		return Resolution{}, err
	}

	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Resolution{}, fmt.Errorf("manifest: invalid JSON: %w", err)
	}

	return resolvePath(doc, subpath, 0)
}

func resolvePath(doc manifestDoc, subpath string, depth int) (Resolution, error) {
	if subpath == "" {
		if doc.Index != nil && doc.Index.ID != "" {
			return parseResolvedID(doc.Index.ID)
		}
		if doc.Index != nil && doc.Index.Path != "" {
			if depth >= maxIndexRecursion {
				return Resolution{Complete: true}, nil
			}
			return resolvePath(doc, doc.Index.Path, depth+1)
		}
		return Resolution{Complete: true}, nil
	}

	if entry, ok := doc.Paths[subpath]; ok {
		return parseResolvedID(entry.ID)
	}
	return Resolution{Complete: true}, nil
}

func parseResolvedID(s string) (Resolution, error) {
	id, err := arid.Parse(s)
	if err != nil {
		return Resolution{}, fmt.Errorf("manifest: invalid id %q: %w", s, err)
	}
	return Resolution{ResolvedID: id, Resolved: true, Complete: true}, nil
}

// checkNestingDepth walks the JSON token stream counting container nesting,
// rejecting input whose depth exceeds maxDepth before a full unmarshal is
// attempted.
func checkNestingDepth(raw []byte, maxDepth int) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("manifest: scanning JSON structure: %w", err)
		}
		switch tok.(type) {
		case json.Delim:
			d := tok.(json.Delim)
			switch d {
			case '{', '[':
				depth++
				if depth > maxDepth {
					return fmt.Errorf("manifest: JSON nesting exceeds depth %d", maxDepth)
				}
			case '}', ']':
				depth--
			}
		}
	}
}

// streamReader adapts a datasource.ByteStream to io.Reader.
type streamReader struct {
	ctx    context.Context
	stream datasource.ByteStream
	buf    []byte
}

func newStreamReader(ctx context.Context, stream datasource.ByteStream) *streamReader {
	return &streamReader{ctx: ctx, stream: stream}
}

func (s *streamReader) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		data, ok, err := s.stream.Next(s.ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
