package gatewaycore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-core/pkg/arid"
	"github.com/ar-io/gateway-core/pkg/datacache"
	"github.com/ar-io/gateway-core/pkg/datasource"
	"github.com/ar-io/gateway-core/pkg/gwerrors"
	"github.com/ar-io/gateway-core/pkg/manifest"
	"github.com/ar-io/gateway-core/pkg/region"
	"github.com/ar-io/gateway-core/pkg/reqattrs"
)

func TestDeduperCollapsesConcurrentCallers(t *testing.T) {
	d := NewDeduper[int](time.Minute)
	var calls atomic.Int32
	start := make(chan struct{})

	results := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func() {
			<-start
			v, err := d.Do("key", func() (int, error) {
				calls.Add(1)
				time.Sleep(10 * time.Millisecond)
				return 42, nil
			})
			require.NoError(t, err)
			results <- v
		}()
	}
	close(start)
	for i := 0; i < 8; i++ {
		assert.Equal(t, 42, <-results)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeduperServesCachedResultAfterCompletion(t *testing.T) {
	d := NewDeduper[int](time.Minute)
	var calls atomic.Int32

	v1, err := d.Do("key", func() (int, error) { calls.Add(1); return 7, nil })
	require.NoError(t, err)
	v2, err := d.Do("key", func() (int, error) { calls.Add(1); return 8, nil })
	require.NoError(t, err)

	assert.Equal(t, 7, v1)
	assert.Equal(t, 7, v2) // second call served from the TTL cache, not re-invoked
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeduperDoesNotCacheErrors(t *testing.T) {
	d := NewDeduper[int](time.Minute)
	var calls atomic.Int32
	wantErr := gwerrors.PeerUnavailable(nil, "boom")

	_, err := d.Do("key", func() (int, error) { calls.Add(1); return 0, wantErr })
	assert.ErrorIs(t, err, wantErr)

	v, err := d.Do("key", func() (int, error) { calls.Add(1); return 9, nil })
	require.NoError(t, err)
	assert.Equal(t, 9, v)
	assert.Equal(t, int32(2), calls.Load())
}

type fakeChain struct {
	dataRoot    [32]byte
	offset      uint64
	size        uint64
	err         error
	calls       atomic.Int32
}

func (f *fakeChain) ResolveDataRoot(ctx context.Context, id arid.ID) ([32]byte, error) {
	f.calls.Add(1)
	return f.dataRoot, f.err
}

func (f *fakeChain) ResolveOffset(ctx context.Context, id arid.ID) (uint64, uint64, error) {
	return f.offset, f.size, f.err
}

func TestWrapChainSourceDedupsConcurrentResolves(t *testing.T) {
	inner := &fakeChain{dataRoot: [32]byte{9}, offset: 100, size: 50}
	wrapped := WrapChainSource(inner, time.Minute)

	id := arid.ID{1}
	results := make(chan [32]byte, 4)
	for i := 0; i < 4; i++ {
		go func() {
			root, err := wrapped.ResolveDataRoot(context.Background(), id)
			require.NoError(t, err)
			results <- root
		}()
	}
	for i := 0; i < 4; i++ {
		got := <-results
		assert.Equal(t, inner.dataRoot, got)
	}
	assert.Equal(t, int32(1), inner.calls.Load())
}

type stubDataSource struct {
	data datasource.ContiguousData
	err  error
}

func (s *stubDataSource) GetData(ctx context.Context, id arid.ID, r *region.Region, attrs reqattrs.Attributes) (datasource.ContiguousData, error) {
	return s.data, s.err
}

func TestCoreGetDataPassesThroughWhenNoSubpath(t *testing.T) {
	want := datasource.ContiguousData{Size: 3}
	core := New(Config{}, nil, &stubDataSource{data: want}, nil, nil, nil, nil)

	got, res, err := core.GetData(context.Background(), arid.ID{1}, "", nil, reqattrs.Attributes{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, res.Complete)
	assert.False(t, res.Resolved)
}

type fakeIndex struct{}

func (fakeIndex) ResolveFromIndex(ctx context.Context, id arid.ID, subpath string) (manifest.Resolution, error) {
	return manifest.Resolution{Complete: false}, nil
}

type manifestBodySource struct {
	body       string
	targetData datasource.ContiguousData
	targetID   arid.ID
}

func (m *manifestBodySource) GetData(ctx context.Context, id arid.ID, r *region.Region, attrs reqattrs.Attributes) (datasource.ContiguousData, error) {
	if id == m.targetID {
		return m.targetData, nil
	}
	return datasource.ContiguousData{
		Stream: datasource.NewSliceStream([]byte(m.body)), Size: uint64(len(m.body)), SizeKnown: true,
	}, nil
}

func TestCoreGetDataResolvesManifestPath(t *testing.T) {
	manifestID := arid.ID{2}
	targetID, err := arid.FromBytes(make([]byte, 32))
	require.NoError(t, err)
	for i := range targetID {
		targetID[i] = 5
	}
	body := `{"manifest":"arweave/paths","paths":{"p":{"id":"` + targetID.String() + `"}}}`
	want := datasource.ContiguousData{Size: 99}

	src := &manifestBodySource{body: body, targetData: want, targetID: targetID}
	resolver := manifest.NewResolver(fakeIndex{}, src)
	core := New(Config{}, nil, src, resolver, nil, nil, nil)

	got, res, err := core.GetData(context.Background(), manifestID, "p", nil, reqattrs.Attributes{})
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, want, got)
}

func TestCoreGetDataUnresolvedSubpathReturnsNotFound(t *testing.T) {
	manifestID := arid.ID{3}
	body := `{"manifest":"arweave/paths","paths":{}}`
	src := &manifestBodySource{body: body}
	resolver := manifest.NewResolver(nil, src)
	core := New(Config{}, nil, src, resolver, nil, nil, nil)

	_, _, err := core.GetData(context.Background(), manifestID, "missing", nil, reqattrs.Attributes{})
	assert.True(t, gwerrors.HasCode(err, gwerrors.CodeNotFound))
}

type attrsCapableSource struct {
	*stubDataSource
	attrs map[arid.ID]datacache.DataAttributes
}

func (a *attrsCapableSource) GetAttributes(ctx context.Context, id arid.ID) (datacache.DataAttributes, bool, error) {
	da, ok := a.attrs[id]
	return da, ok, nil
}

func TestCoreGetDataSkipsManifestResolutionWhenNotAManifest(t *testing.T) {
	id := arid.ID{4}
	want := datasource.ContiguousData{Size: 11}
	src := &attrsCapableSource{
		stubDataSource: &stubDataSource{data: want},
		attrs:          map[arid.ID]datacache.DataAttributes{id: {IsManifest: false}},
	}
	resolver := manifest.NewResolver(nil, src)
	core := New(Config{}, nil, src, resolver, nil, nil, nil)

	got, res, err := core.GetData(context.Background(), id, "some/path", nil, reqattrs.Attributes{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, res.Complete)
	assert.False(t, res.Resolved)
}

type fakeNames struct {
	res   ArNSResolution
	found bool
	err   error
	calls atomic.Int32
}

func (f *fakeNames) ResolveName(ctx context.Context, name string) (ArNSResolution, bool, error) {
	f.calls.Add(1)
	return f.res, f.found, f.err
}

func TestCoreResolveNameDedupsAcrossCalls(t *testing.T) {
	names := &fakeNames{res: ArNSResolution{ResolvedID: "abc"}, found: true}
	core := New(Config{InFlightTTL: time.Minute}, nil, &stubDataSource{}, nil, names, nil, nil)

	r1, found1, err := core.ResolveName(context.Background(), "My-Name")
	require.NoError(t, err)
	r2, found2, err := core.ResolveName(context.Background(), "my-name")
	require.NoError(t, err)

	assert.True(t, found1)
	assert.True(t, found2)
	assert.Equal(t, "abc", r1.ResolvedID)
	assert.Equal(t, r1, r2)
	assert.Equal(t, int32(1), names.calls.Load())
}

func TestCoreResolveNameWithoutResolverReturnsNotFound(t *testing.T) {
	core := New(Config{}, nil, &stubDataSource{}, nil, nil, nil, nil)
	_, found, err := core.ResolveName(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCoreStartStopLifecycle(t *testing.T) {
	core := New(Config{}, nil, &stubDataSource{}, nil, nil, nil, nil)
	require.NoError(t, core.Start(context.Background()))
	assert.Error(t, core.Start(context.Background())) // already running
	require.NoError(t, core.Stop(context.Background()))
	assert.Error(t, core.Stop(context.Background())) // already stopped
}
