// Package peer implements the PeerManager of spec.md §4.1: a live set of
// peer gateways classified by operation category, weighted random selection
// with success/failure feedback, and sync-bucket-aware offset filtering. Its
// mutex-guarded-map bookkeeping and Start/Stop ticker lifecycle follow the
// teacher's internal/dht routing table and pkg/agent/supervisor.go.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/dnscache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ar-io/gateway-core/pkg/etf"
)

// Category classifies a peer operation, per spec.md §4.1.
type Category string

const (
	CategoryChain     Category = "chain"
	CategoryGetChunk  Category = "get-chunk"
	CategoryPostChunk Category = "post-chunk"
)

const bucketSizeBytes = 10 * 1024 * 1024 * 1024 // 10 GiB, spec.md §3 "sync bucket"

// Config parameterizes a Manager.
type Config struct {
	TrustedNodeURL      string
	PreferredPeers      []string // spec.md §4.1: preferred get-chunk URLs enter at weight 100
	RefreshParallelism  int      // P_refresh, default 16
	PeerInfoTimeout     time.Duration // T_peer_info, default 3s
	RefreshInterval     time.Duration // T_refresh, default 10m
	BucketRefreshInterval time.Duration // T_bucket_refresh, default 5m
	WeightDelta         int // Δ_temp, default 5
	IgnoredPeers        map[string]struct{}
}

// DefaultConfig fills in spec.md §4.1's stated defaults.
func DefaultConfig() Config {
	return Config{
		RefreshParallelism:    16,
		PeerInfoTimeout:       3 * time.Second,
		RefreshInterval:       10 * time.Minute,
		BucketRefreshInterval: 5 * time.Minute,
		WeightDelta:           5,
	}
}

// dnsCacheRefreshInterval is how often NewHTTPClient's resolver re-resolves
// its cached hostnames. A gateway fans out GET requests to a constantly
// changing set of short-lived peer hostnames, so a plain net.Dialer would
// pay a fresh DNS round-trip on nearly every request; caching with periodic
// background refresh amortizes that cost the way ipfs/rainbow's gateway
// transport does.
const dnsCacheRefreshInterval = 5 * time.Minute

// NewHTTPClient builds an *http.Client suitable for a Manager, backed by a
// DNS-caching dialer (github.com/rs/dnscache). The returned stop function
// cancels the resolver's background refresh loop and should be called on
// shutdown alongside StopAutoRefresh.
func NewHTTPClient(timeout time.Duration) (client *http.Client, stop func()) {
	resolver := &dnscache.Resolver{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(dnsCacheRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resolver.Refresh(true)
			}
		}
	}()

	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}

	return &http.Client{Transport: transport, Timeout: timeout}, cancel
}

// Peer is the metadata the manager tracks per discovered gateway (spec.md §3).
type Peer struct {
	URL                string
	Height             int64
	Blocks             int64
	LastSeen           time.Time
	SyncBuckets        etf.SyncBuckets
	HasSyncBuckets     bool
	BucketsLastUpdated time.Time
}

type weightedEntry struct {
	url    string
	weight int
}

// Manager maintains the live peer set and serves weighted selection.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	log        *logrus.Entry

	mu         sync.RWMutex
	peers      map[string]*Peer                  // url -> metadata
	categories map[Category]map[string]*weightedEntry // category -> url -> entry

	refreshCancel context.CancelFunc
	refreshDone    chan struct{}
}

// New builds a Manager. httpClient must be non-nil; log may be nil, in which
// case nothing is logged. A non-nil log is expected to already carry
// request-scoped fields the caller wants on every log line.
func New(cfg Config, httpClient *http.Client, log *logrus.Entry) *Manager {
	d := DefaultConfig()
	if cfg.RefreshParallelism <= 0 {
		cfg.RefreshParallelism = d.RefreshParallelism
	}
	if cfg.PeerInfoTimeout <= 0 {
		cfg.PeerInfoTimeout = d.PeerInfoTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = d.RefreshInterval
	}
	if cfg.BucketRefreshInterval <= 0 {
		cfg.BucketRefreshInterval = d.BucketRefreshInterval
	}
	if cfg.WeightDelta <= 0 {
		cfg.WeightDelta = d.WeightDelta
	}

	m := &Manager{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log,
		peers:      make(map[string]*Peer),
		categories: make(map[Category]map[string]*weightedEntry),
	}
	for _, cat := range []Category{CategoryChain, CategoryGetChunk, CategoryPostChunk} {
		m.categories[cat] = make(map[string]*weightedEntry)
	}
	for _, url := range cfg.PreferredPeers {
		m.categories[CategoryGetChunk][url] = &weightedEntry{url: url, weight: 100}
	}
	return m
}

// defaultWeight returns the starting weight for a newly discovered peer in
// category, per spec.md §4.1: "discovered peers start at weight 1" for
// get-chunk, "weight 50" for other categories.
func defaultWeight(cat Category) int {
	if cat == CategoryGetChunk {
		return 1
	}
	return 50
}

// RefreshPeers fetches /peers from the trusted node and probes each host's
// /info with bounded parallelism, populating the peer map. Per spec.md §4.1
// it fails only when the trusted node itself is unreachable; per-peer probe
// failures are absorbed (counted, never surfaced).
func (m *Manager) RefreshPeers(ctx context.Context) error {
	hosts, err := m.fetchPeerList(ctx)
	if err != nil {
		return fmt.Errorf("peer: refresh_peers: trusted node unreachable: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.RefreshParallelism)

	var mu sync.Mutex
	discovered := make(map[string]*Peer, len(hosts))
	var probeFailures int

	for _, host := range hosts {
		host := host
		if _, ignored := m.cfg.IgnoredPeers[host]; ignored {
			continue
		}
		g.Go(func() error {
			p, err := m.probeInfo(gctx, host)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				probeFailures++
				return nil // absorbed: per-peer failures never fail the group
			}
			discovered[host] = p
			return nil
		})
	}
	_ = g.Wait() // errgroup never actually returns an error here; probes absorb their own

	m.mu.Lock()
	defer m.mu.Unlock()
	for url, p := range discovered {
		m.peers[url] = p
		for _, cat := range []Category{CategoryChain, CategoryGetChunk, CategoryPostChunk} {
			if _, exists := m.categories[cat][url]; !exists {
				m.categories[cat][url] = &weightedEntry{url: url, weight: defaultWeight(cat)}
			}
		}
	}

	// Garbage-collect peers absent from this refresh's probe set, per
	// spec.md §3's lifecycle ("garbage-collected on a later refresh when
	// absent from the trusted node's peer list") and §4.1's terminal
	// absent_on_refresh_eviction state. Ignored peers are skipped above
	// rather than absent, so they're exempt from eviction here.
	var evicted int
	for url := range m.peers {
		if _, ok := discovered[url]; ok {
			continue
		}
		if _, ignored := m.cfg.IgnoredPeers[url]; ignored {
			continue
		}
		delete(m.peers, url)
		for _, cat := range []Category{CategoryChain, CategoryGetChunk, CategoryPostChunk} {
			delete(m.categories[cat], url)
		}
		evicted++
	}

	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"discovered":     len(discovered),
			"probe_failures": probeFailures,
			"evicted":        evicted,
			"bucket_size":    humanize.IBytes(bucketSizeBytes),
		}).Debug("peer: refresh_peers complete")
	}
	return nil
}

func (m *Manager) fetchPeerList(ctx context.Context) ([]string, error) {
	url := m.cfg.TrustedNodeURL + "/peers"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer: GET %s: status %d", url, resp.StatusCode)
	}
	var hosts []string
	if err := json.NewDecoder(resp.Body).Decode(&hosts); err != nil {
		return nil, fmt.Errorf("peer: decode /peers response: %w", err)
	}
	return hosts, nil
}

type infoResponse struct {
	Blocks int64 `json:"blocks"`
	Height int64 `json:"height"`
}

func (m *Manager) probeInfo(ctx context.Context, host string) (*Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PeerInfoTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer: GET %s/info: status %d", host, resp.StatusCode)
	}
	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("peer: decode /info for %s: %w", host, err)
	}
	return &Peer{URL: host, Height: info.Height, Blocks: info.Blocks, LastSeen: time.Now()}, nil
}

// RefreshSyncBuckets probes every currently known peer's /sync_buckets
// endpoint with bounded parallelism, per spec.md §4.1. A parse/network
// failure for a peer clears its sync_buckets without removing the peer.
func (m *Manager) RefreshSyncBuckets(ctx context.Context) error {
	m.mu.RLock()
	urls := make([]string, 0, len(m.peers))
	for u := range m.peers {
		urls = append(urls, u)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.RefreshParallelism)

	for _, u := range urls {
		u := u
		g.Go(func() error {
			sb, err := m.fetchSyncBuckets(gctx, u)
			m.mu.Lock()
			defer m.mu.Unlock()
			p, ok := m.peers[u]
			if !ok {
				return nil
			}
			if err != nil {
				p.HasSyncBuckets = false
				if m.log != nil {
					m.log.WithError(err).WithField("peer", u).Debug("peer: sync_buckets parse failed, clearing")
				}
				return nil
			}
			p.SyncBuckets = sb
			p.HasSyncBuckets = true
			p.BucketsLastUpdated = time.Now()
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) fetchSyncBuckets(ctx context.Context, host string) (etf.SyncBuckets, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/sync_buckets", nil)
	if err != nil {
		return etf.SyncBuckets{}, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return etf.SyncBuckets{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return etf.SyncBuckets{}, fmt.Errorf("peer: GET %s/sync_buckets: status %d", host, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return etf.SyncBuckets{}, err
	}
	return etf.ParseSyncBuckets(body)
}

// SelectPeers samples count peers by weight, with replacement, from
// category's list. Returns an empty slice if the category has no peers.
func (m *Manager) SelectPeers(category Category, count int) []string {
	m.mu.RLock()
	entries := make([]weightedEntry, 0, len(m.categories[category]))
	for _, e := range m.categories[category] {
		entries = append(entries, *e)
	}
	m.mu.RUnlock()

	return weightedSample(entries, count)
}

// SelectPeersForOffset filters to peers whose sync_buckets contains
// floor(absoluteOffset / 10 GiB), falling back to SelectPeers(get-chunk, ...)
// if none qualify, per spec.md §4.1.
func (m *Manager) SelectPeersForOffset(absoluteOffset uint64, count int) []string {
	bucketIndex := absoluteOffset / bucketSizeBytes

	m.mu.RLock()
	var candidates []weightedEntry
	for url, e := range m.categories[CategoryGetChunk] {
		p, ok := m.peers[url]
		if !ok || !p.HasSyncBuckets {
			continue
		}
		if p.SyncBuckets.Contains(bucketIndex) {
			candidates = append(candidates, *e)
		}
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return m.SelectPeers(CategoryGetChunk, count)
	}
	return weightedSample(candidates, count)
}

// weightedSample performs proportional-random selection with replacement.
func weightedSample(entries []weightedEntry, count int) []string {
	if len(entries) == 0 || count <= 0 {
		return []string{}
	}
	// Deterministic ordering before sampling so results are reproducible for
	// a fixed RNG seed in tests, even though map iteration order upstream is
	// not.
	sort.Slice(entries, func(i, j int) bool { return entries[i].url < entries[j].url })

	total := 0
	for _, e := range entries {
		total += e.weight
	}
	if total <= 0 {
		return []string{}
	}

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		r := rand.Intn(total)
		cum := 0
		for _, e := range entries {
			cum += e.weight
			if r < cum {
				out = append(out, e.url)
				break
			}
		}
	}
	return out
}

// ReportSuccess increments url's weight in category by Δ_temp, capped at 100.
// Per spec.md §4.1, feedback for a peer not already in the category is a
// no-op, EXCEPT a brand-new preferred URL reported for get-chunk, which is
// added at the preferred weight of 100.
func (m *Manager) ReportSuccess(category Category, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.categories[category][url]
	if !ok {
		if category == CategoryGetChunk && m.isPreferred(url) {
			m.categories[category][url] = &weightedEntry{url: url, weight: 100}
		}
		return
	}
	e.weight += m.cfg.WeightDelta
	if e.weight > 100 {
		e.weight = 100
	}
}

// ReportFailure decrements url's weight in category by Δ_temp, floored at 1.
// A no-op for peers absent from the category's list.
func (m *Manager) ReportFailure(category Category, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.categories[category][url]
	if !ok {
		return
	}
	e.weight -= m.cfg.WeightDelta
	if e.weight < 1 {
		e.weight = 1
	}
}

func (m *Manager) isPreferred(url string) bool {
	for _, p := range m.cfg.PreferredPeers {
		if p == url {
			return true
		}
	}
	return false
}

// StartAutoRefresh schedules periodic refresh_peers and refresh_sync_buckets
// on their own tickers, stopping when ctx is cancelled or StopAutoRefresh is
// called. Mirrors the teacher's supervisor ticker+done-channel lifecycle
// (pkg/agent/supervisor.go).
func (m *Manager) StartAutoRefresh(ctx context.Context) {
	m.mu.Lock()
	if m.refreshCancel != nil {
		m.mu.Unlock()
		return // already running
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.refreshCancel = cancel
	m.refreshDone = make(chan struct{})
	m.mu.Unlock()

	go m.autoRefreshLoop(runCtx)
}

func (m *Manager) autoRefreshLoop(ctx context.Context) {
	defer close(m.refreshDone)

	peerTicker := time.NewTicker(m.cfg.RefreshInterval)
	defer peerTicker.Stop()
	bucketTicker := time.NewTicker(m.cfg.BucketRefreshInterval)
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-peerTicker.C:
			if err := m.RefreshPeers(ctx); err != nil && m.log != nil {
				m.log.WithError(err).Warn("peer: scheduled refresh_peers failed")
			}
		case <-bucketTicker.C:
			if err := m.RefreshSyncBuckets(ctx); err != nil && m.log != nil {
				m.log.WithError(err).Warn("peer: scheduled refresh_sync_buckets failed")
			}
		}
	}
}

// StopAutoRefresh cancels the auto-refresh loop and waits for it to exit.
func (m *Manager) StopAutoRefresh() {
	m.mu.Lock()
	cancel := m.refreshCancel
	done := m.refreshDone
	m.refreshCancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
