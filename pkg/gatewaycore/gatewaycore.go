// Package gatewaycore ties the peer manager, chunk/data pipelines, and
// manifest resolver into a single lifecycle-managed value, per spec.md §9
// "Global mutable state": "a GatewayCore value that owns the peer manager,
// caches, and source pipeline, with start()/stop() methods; all
// collaborators accept it by reference." Its Start/Stop pairing follows the
// teacher's pkg/agent/supervisor.go.
package gatewaycore

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	"github.com/ar-io/gateway-core/pkg/arid"
	"github.com/ar-io/gateway-core/pkg/datacache"
	"github.com/ar-io/gateway-core/pkg/datasource"
	"github.com/ar-io/gateway-core/pkg/gwerrors"
	"github.com/ar-io/gateway-core/pkg/manifest"
	"github.com/ar-io/gateway-core/pkg/peer"
	"github.com/ar-io/gateway-core/pkg/region"
	"github.com/ar-io/gateway-core/pkg/reqattrs"
)

// inFlightTTL is the short-lived result-caching window of spec.md §5's
// in-flight dedup clause ("a short TTL (30-60s) for stable-caching
// purposes"), applied on top of singleflight's own concurrent-call collapse.
const inFlightTTL = 45 * time.Second

// ArNSResolution is the result of resolving an ArNS name, surfaced on
// successful responses via the x-ar-io-arns-* headers (spec.md §6).
type ArNSResolution struct {
	ResolvedID string
	Basename   string
	Record     string
	TTLSeconds uint32
	ProcessID  string
	ResolvedAt time.Time
}

// NameResolver is the external ArNS registry collaborator. Acting as an
// authoritative registry is an explicit non-goal (spec.md §5 Non-goals); the
// core only consumes one.
type NameResolver interface {
	ResolveName(ctx context.Context, name string) (ArNSResolution, bool, error)
}

// Metrics is an observability seam. Prometheus wiring is named out of scope
// by spec.md §1 ("metric names out of scope"), so the default is a no-op;
// a real exporter implements this interface and is handed to New.
type Metrics interface {
	ObserveRequest(id arid.ID, cacheHit bool, duration time.Duration)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

// ObserveRequest implements Metrics.
func (NoopMetrics) ObserveRequest(arid.ID, bool, time.Duration) {}

// Deduper collapses concurrent callers for the same key onto one upstream
// call (golang.org/x/sync/singleflight) and additionally serves a
// short-TTL cached result to callers that arrive after completion
// (hashicorp/golang-lru/v2/expirable), per spec.md §5's dedup clause. It is
// used only for chain-fact and name-resolution lookups that return small,
// freely-shareable values — never for streamed payloads, which a single
// ByteStream cannot safely hand to more than one reader.
type Deduper[T any] struct {
	group singleflight.Group
	cache *lru.LRU[string, T]
}

// NewDeduper builds a Deduper whose short-TTL cache entries expire after ttl.
func NewDeduper[T any](ttl time.Duration) *Deduper[T] {
	return &Deduper[T]{cache: lru.NewLRU[string, T](4096, nil, ttl)}
}

// Do executes fn for key, collapsing concurrent callers and serving a cached
// result within the TTL window instead of re-invoking fn.
func (d *Deduper[T]) Do(key string, fn func() (T, error)) (T, error) {
	if v, ok := d.cache.Get(key); ok {
		return v, nil
	}
	vi, err, _ := d.group.Do(key, func() (interface{}, error) {
		result, fnErr := fn()
		if fnErr == nil {
			d.cache.Add(key, result)
		}
		return result, fnErr
	})
	return vi.(T), err
}

// blakeKey hashes kind and parts into a short hex fingerprint for use as a
// Deduper/cache key, following the teacher's content.NewCID role for blake3
// (internal, non-protocol fingerprinting, kept distinct from the
// protocol-mandated SHA-256 used over actual chunk bytes).
func blakeKey(kind string, parts ...string) string {
	var composite []byte
	composite = append(composite, kind...)
	for _, p := range parts {
		composite = append(composite, 0)
		composite = append(composite, p...)
	}
	sum := blake3.Sum256(composite)
	return hex.EncodeToString(sum[:16])
}

type offsetFact struct {
	offset uint64
	size   uint64
}

// dedupedChainSource wraps a datasource.ChainSource with the in-flight +
// short-TTL dedup of spec.md §5 ("blocks, txs, ArNS resolutions").
type dedupedChainSource struct {
	inner     datasource.ChainSource
	dataRoots *Deduper[[32]byte]
	offsets   *Deduper[offsetFact]
}

func newDedupedChainSource(inner datasource.ChainSource, ttl time.Duration) *dedupedChainSource {
	return &dedupedChainSource{
		inner:     inner,
		dataRoots: NewDeduper[[32]byte](ttl),
		offsets:   NewDeduper[offsetFact](ttl),
	}
}

// ResolveDataRoot implements datasource.ChainSource.
func (d *dedupedChainSource) ResolveDataRoot(ctx context.Context, id arid.ID) ([32]byte, error) {
	return d.dataRoots.Do(blakeKey("data_root", id.String()), func() ([32]byte, error) {
		return d.inner.ResolveDataRoot(ctx, id)
	})
}

// ResolveOffset implements datasource.ChainSource.
func (d *dedupedChainSource) ResolveOffset(ctx context.Context, id arid.ID) (uint64, uint64, error) {
	f, err := d.offsets.Do(blakeKey("offset", id.String()), func() (offsetFact, error) {
		offset, size, err := d.inner.ResolveOffset(ctx, id)
		return offsetFact{offset: offset, size: size}, err
	})
	return f.offset, f.size, err
}

type nameResult struct {
	res   ArNSResolution
	found bool
}

// dedupedNameResolver wraps a NameResolver with the same dedup scheme.
type dedupedNameResolver struct {
	inner NameResolver
	dedup *Deduper[nameResult]
}

func newDedupedNameResolver(inner NameResolver, ttl time.Duration) *dedupedNameResolver {
	return &dedupedNameResolver{inner: inner, dedup: NewDeduper[nameResult](ttl)}
}

// ResolveName implements NameResolver.
func (d *dedupedNameResolver) ResolveName(ctx context.Context, name string) (ArNSResolution, bool, error) {
	key := blakeKey("arns", reqattrs.NormalizeName(name))
	r, err := d.dedup.Do(key, func() (nameResult, error) {
		res, found, err := d.inner.ResolveName(ctx, name)
		return nameResult{res: res, found: found}, err
	})
	return r.res, r.found, err
}

// Config parameterizes a Core.
type Config struct {
	// InFlightTTL is the short-TTL cache window for chain-fact and
	// ArNS-resolution dedup, spec.md §5 "30-60s".
	InFlightTTL time.Duration
}

// DefaultConfig fills in spec.md §5's stated default.
func DefaultConfig() Config {
	return Config{InFlightTTL: inFlightTTL}
}

// Core owns the peer manager, the composed data pipeline, and the manifest
// resolver for one gateway node, per spec.md §9. It exposes a single
// Start/Stop lifecycle; every other method assumes Start has completed.
type Core struct {
	cfg Config
	log *logrus.Entry

	Peers     *peer.Manager
	Data      datasource.DataSource
	Manifests *manifest.Resolver
	Names     NameResolver
	Metrics   Metrics

	mu      sync.Mutex
	running bool
}

// New builds a Core. data is the fully composed DataSource pipeline
// (typically a *datacache.ReadThroughDataCache wrapping a
// *txchunks.TxChunksDataSource); New takes no chain source, and chain-fact
// dedup is applied beforehand with WrapChainSource. names is wrapped with
// in-flight dedup and may be nil if ArNS resolution is not wired; metrics
// may be nil, in which case NoopMetrics is used.
func New(cfg Config, peers *peer.Manager, data datasource.DataSource, manifests *manifest.Resolver, names NameResolver, metrics Metrics, log *logrus.Entry) *Core {
	d := DefaultConfig()
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = d.InFlightTTL
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if names != nil {
		names = newDedupedNameResolver(names, cfg.InFlightTTL)
	}
	return &Core{
		cfg:       cfg,
		log:       log,
		Peers:     peers,
		Data:      data,
		Manifests: manifests,
		Names:     names,
		Metrics:   metrics,
	}
}

// WrapChainSource applies the in-flight + short-TTL dedup of spec.md §5 to a
// raw chain-fact source, for callers assembling their own TxChunksDataSource
// before handing it to New.
func WrapChainSource(inner datasource.ChainSource, ttl time.Duration) datasource.ChainSource {
	if ttl <= 0 {
		ttl = inFlightTTL
	}
	return newDedupedChainSource(inner, ttl)
}

// Start begins the peer manager's background refresh loop. Safe to call
// once; a second call before Stop returns an error.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("gatewaycore: already running")
	}
	if c.Peers != nil {
		c.Peers.StartAutoRefresh(ctx)
	}
	c.running = true
	return nil
}

// Stop halts the peer manager's background refresh loop and waits for it to
// exit.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return fmt.Errorf("gatewaycore: not running")
	}
	if c.Peers != nil {
		c.Peers.StopAutoRefresh()
	}
	c.running = false
	return nil
}

// GetData resolves id[/subpath] to a ContiguousData stream, applying
// manifest path resolution (spec.md §4.7) whenever subpath is non-empty and
// a manifest resolver is wired, unless the pipeline's stored attributes
// report id as not a manifest; ids with no stored attributes are resolved.
// The returned Resolution reflects the outcome of that resolution (zero
// value, Complete=true, when resolution was skipped).
func (c *Core) GetData(ctx context.Context, id arid.ID, subpath string, r *region.Region, attrs reqattrs.Attributes) (datasource.ContiguousData, manifest.Resolution, error) {
	start := time.Now()
	data, res, err := c.getData(ctx, id, subpath, r, attrs)
	c.Metrics.ObserveRequest(id, err == nil && data.Cached, time.Since(start))
	return data, res, err
}

// attributesLookup is an optional capability a Core.Data pipeline may
// implement (datacache.ReadThroughDataCache does) to expose the sidecar
// DataAttributes record, letting getData skip manifest resolution for ids
// that are not manifests at all.
type attributesLookup interface {
	GetAttributes(ctx context.Context, id arid.ID) (datacache.DataAttributes, bool, error)
}

func (c *Core) getData(ctx context.Context, id arid.ID, subpath string, r *region.Region, attrs reqattrs.Attributes) (datasource.ContiguousData, manifest.Resolution, error) {
	if subpath == "" || c.Manifests == nil {
		data, err := c.Data.GetData(ctx, id, r, attrs)
		return data, manifest.Resolution{Complete: true}, err
	}

	if lookup, ok := c.Data.(attributesLookup); ok {
		if da, found, err := lookup.GetAttributes(ctx, id); err == nil && found && !da.IsManifest {
			data, err := c.Data.GetData(ctx, id, r, attrs)
			return data, manifest.Resolution{Complete: true}, err
		}
	}

	res, err := c.Manifests.Resolve(ctx, id, subpath)
	if err != nil {
		return datasource.ContiguousData{}, res, fmt.Errorf("gatewaycore: resolving manifest path for %s: %w", id.String(), err)
	}
	if !res.Resolved {
		return datasource.ContiguousData{}, res, gwerrors.NotFound("gatewaycore: no manifest entry for %s subpath %q", id.String(), subpath)
	}

	data, err := c.Data.GetData(ctx, res.ResolvedID, r, attrs)
	return data, res, err
}

// ResolveName resolves an ArNS name via the wired NameResolver, or reports
// not-found if none is configured.
func (c *Core) ResolveName(ctx context.Context, name string) (ArNSResolution, bool, error) {
	if c.Names == nil {
		return ArNSResolution{}, false, nil
	}
	return c.Names.ResolveName(ctx, name)
}
