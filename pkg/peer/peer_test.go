package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-core/pkg/etf"
)

func newTestManager(t *testing.T, trustedNodeURL string) *Manager {
	t.Helper()
	cfg := Config{TrustedNodeURL: trustedNodeURL, RefreshParallelism: 4, PeerInfoTimeout: time.Second}
	return New(cfg, http.DefaultClient, nil)
}

func hostFromURL(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}

func TestRefreshPeersPopulatesCategories(t *testing.T) {
	peerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(infoResponse{Blocks: 100, Height: 100})
	}))
	defer peerSrv.Close()
	peerHost := hostFromURL(t, peerSrv.URL)

	trustedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/peers") {
			_ = json.NewEncoder(w).Encode([]string{peerHost})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer trustedSrv.Close()

	m := newTestManager(t, trustedSrv.URL)
	err := m.RefreshPeers(context.Background())
	require.NoError(t, err)

	selected := m.SelectPeers(CategoryGetChunk, 5)
	assert.Contains(t, selected, peerHost)
}

func TestRefreshPeersFailsWhenTrustedNodeUnreachable(t *testing.T) {
	m := newTestManager(t, "http://127.0.0.1:1")
	err := m.RefreshPeers(context.Background())
	assert.Error(t, err)
}

func TestRefreshPeersAbsorbsPerPeerProbeFailures(t *testing.T) {
	trustedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]string{"127.0.0.1:1"})
	}))
	defer trustedSrv.Close()

	m := newTestManager(t, trustedSrv.URL)
	err := m.RefreshPeers(context.Background())
	require.NoError(t, err, "unreachable peer probes must be absorbed, not surfaced")
	assert.Empty(t, m.SelectPeers(CategoryGetChunk, 5))
}

func TestRefreshPeersEvictsPeersAbsentFromLatestList(t *testing.T) {
	peerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(infoResponse{Blocks: 1, Height: 1})
	}))
	defer peerSrv.Close()
	peerHostA := hostFromURL(t, peerSrv.URL)

	otherPeerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(infoResponse{Blocks: 1, Height: 1})
	}))
	defer otherPeerSrv.Close()
	peerHostB := hostFromURL(t, otherPeerSrv.URL)

	var returnB atomic.Bool
	trustedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/peers") {
			if returnB.Load() {
				_ = json.NewEncoder(w).Encode([]string{peerHostB})
			} else {
				_ = json.NewEncoder(w).Encode([]string{peerHostA})
			}
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer trustedSrv.Close()

	m := newTestManager(t, trustedSrv.URL)
	require.NoError(t, m.RefreshPeers(context.Background()))
	assert.Contains(t, m.SelectPeers(CategoryGetChunk, 5), peerHostA)
	assert.Contains(t, m.peers, peerHostA)

	returnB.Store(true)
	require.NoError(t, m.RefreshPeers(context.Background()))

	assert.NotContains(t, m.peers, peerHostA, "peer absent from the latest /peers list must be evicted")
	for _, cat := range []Category{CategoryChain, CategoryGetChunk, CategoryPostChunk} {
		assert.NotContains(t, m.categories[cat], peerHostA)
	}
	assert.Contains(t, m.peers, peerHostB)
	assert.Contains(t, m.SelectPeers(CategoryGetChunk, 5), peerHostB)
}

func TestRefreshPeersDoesNotEvictIgnoredPeers(t *testing.T) {
	peerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(infoResponse{Blocks: 1, Height: 1})
	}))
	defer peerSrv.Close()
	peerHost := hostFromURL(t, peerSrv.URL)

	trustedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/peers") {
			_ = json.NewEncoder(w).Encode([]string{peerHost})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer trustedSrv.Close()

	cfg := Config{TrustedNodeURL: trustedSrv.URL, RefreshParallelism: 4, PeerInfoTimeout: time.Second}
	m := New(cfg, http.DefaultClient, nil)
	require.NoError(t, m.RefreshPeers(context.Background()))
	require.Contains(t, m.peers, peerHost)

	// Ignore the peer going forward; a subsequent refresh must not treat the
	// now-skipped-from-probing peer as absent and evict it.
	m.cfg.IgnoredPeers = map[string]struct{}{peerHost: {}}
	require.NoError(t, m.RefreshPeers(context.Background()))

	assert.Contains(t, m.peers, peerHost)
	assert.Contains(t, m.categories[CategoryGetChunk], peerHost)
}

func TestReportSuccessAndFailureBoundWeight(t *testing.T) {
	m := newTestManager(t, "http://unused")
	m.categories[CategoryGetChunk]["peer-a"] = &weightedEntry{url: "peer-a", weight: 98}

	m.ReportSuccess(CategoryGetChunk, "peer-a")
	m.ReportSuccess(CategoryGetChunk, "peer-a")
	assert.LessOrEqual(t, m.categories[CategoryGetChunk]["peer-a"].weight, 100)

	for i := 0; i < 50; i++ {
		m.ReportFailure(CategoryGetChunk, "peer-a")
	}
	assert.GreaterOrEqual(t, m.categories[CategoryGetChunk]["peer-a"].weight, 1)
}

func TestReportFeedbackIsNoOpForUnknownPeer(t *testing.T) {
	m := newTestManager(t, "http://unused")
	m.ReportSuccess(CategoryChain, "ghost")
	m.ReportFailure(CategoryChain, "ghost")
	assert.Empty(t, m.categories[CategoryChain])
}

func TestReportSuccessAddsBrandNewPreferredURL(t *testing.T) {
	cfg := Config{TrustedNodeURL: "http://unused", PreferredPeers: []string{"preferred-peer"}}
	m := New(cfg, http.DefaultClient, nil)

	// PreferredPeers are seeded at construction time; simulate a "brand new"
	// preferred URL added after the fact by removing it first.
	m.mu.Lock()
	delete(m.categories[CategoryGetChunk], "preferred-peer")
	m.mu.Unlock()

	m.ReportSuccess(CategoryGetChunk, "preferred-peer")

	m.mu.RLock()
	e, ok := m.categories[CategoryGetChunk]["preferred-peer"]
	m.mu.RUnlock()
	require.True(t, ok)
	assert.Equal(t, 100, e.weight)
}

func TestSelectPeersForOffsetFallsBackWhenNoneMatch(t *testing.T) {
	m := newTestManager(t, "http://unused")
	m.mu.Lock()
	m.categories[CategoryGetChunk]["fallback-peer"] = &weightedEntry{url: "fallback-peer", weight: 50}
	m.mu.Unlock()

	selected := m.SelectPeersForOffset(123456, 3)
	assert.Equal(t, []string{"fallback-peer", "fallback-peer", "fallback-peer"}, selected)
}

func TestSelectPeersForOffsetFiltersBySyncBucket(t *testing.T) {
	m := newTestManager(t, "http://unused")

	m.mu.Lock()
	m.categories[CategoryGetChunk]["has-bucket"] = &weightedEntry{url: "has-bucket", weight: 50}
	m.categories[CategoryGetChunk]["no-bucket"] = &weightedEntry{url: "no-bucket", weight: 50}
	m.peers["has-bucket"] = &Peer{
		URL: "has-bucket", HasSyncBuckets: true,
		SyncBuckets: etf.SyncBuckets{BucketSize: bucketSizeBytes, Indices: map[uint64]struct{}{0: {}}},
	}
	m.peers["no-bucket"] = &Peer{
		URL: "no-bucket", HasSyncBuckets: true,
		SyncBuckets: etf.SyncBuckets{BucketSize: bucketSizeBytes, Indices: map[uint64]struct{}{99: {}}},
	}
	m.mu.Unlock()

	selected := m.SelectPeersForOffset(0, 10)
	for _, s := range selected {
		assert.Equal(t, "has-bucket", s)
	}
	assert.NotEmpty(t, selected)
}

func TestStartStopAutoRefresh(t *testing.T) {
	trustedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]string{})
	}))
	defer trustedSrv.Close()

	cfg := Config{
		TrustedNodeURL:        trustedSrv.URL,
		RefreshInterval:       10 * time.Millisecond,
		BucketRefreshInterval: 10 * time.Millisecond,
	}
	m := New(cfg, http.DefaultClient, nil)
	m.StartAutoRefresh(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.StopAutoRefresh()
}
