package txchunks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ar-io/gateway-core/pkg/arid"
	"github.com/ar-io/gateway-core/pkg/chunk"
	"github.com/ar-io/gateway-core/pkg/datasource"
	"github.com/ar-io/gateway-core/pkg/gwerrors"
	"github.com/ar-io/gateway-core/pkg/region"
	"github.com/ar-io/gateway-core/pkg/reqattrs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChain resolves a single fixed transaction regardless of id.
type fakeChain struct {
	dataRoot [32]byte
	txOffset uint64
	txSize   uint64
	err      error
}

func (f *fakeChain) ResolveDataRoot(ctx context.Context, id arid.ID) ([32]byte, error) {
	return f.dataRoot, f.err
}

func (f *fakeChain) ResolveOffset(ctx context.Context, id arid.ID) (uint64, uint64, error) {
	return f.txOffset, f.txSize, f.err
}

// fakeChunkSource serves fixed-size chunks sliced out of a single in-memory
// payload, keyed by relative offset.
type fakeChunkSource struct {
	payload   []byte
	chunkSize uint64
	calls     int32
	mu        sync.Mutex
	failAt    map[uint64]error
}

func (f *fakeChunkSource) GetChunk(ctx context.Context, p chunk.Params) (chunk.Chunk, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	err, shouldFail := f.failAt[p.RelativeOffset]
	f.mu.Unlock()
	if shouldFail {
		return chunk.Chunk{}, err
	}
	start := p.RelativeOffset
	if start >= uint64(len(f.payload)) {
		return chunk.Chunk{}, gwerrors.NotFound("offset %d beyond payload", start)
	}
	end := start + f.chunkSize
	if end > uint64(len(f.payload)) {
		end = uint64(len(f.payload))
	}
	data := f.payload[start:end]
	return chunk.Chunk{
		Metadata: chunk.Metadata{Offset: start, ChunkSize: uint64(len(data))},
		Data:     data,
	}, nil
}

func buildPayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestTxChunksFullStreamReconstructsPayload(t *testing.T) {
	payload := buildPayload(100)
	chain := &fakeChain{txOffset: uint64(len(payload)) - 1, txSize: uint64(len(payload))}
	src := &fakeChunkSource{payload: payload, chunkSize: 30}
	ds := &TxChunksDataSource{Chain: chain, Chunks: src}

	data, err := ds.GetData(context.Background(), arid.ID{}, nil, reqattrs.Attributes{})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), data.Size)
	assert.True(t, data.Verified)
	assert.True(t, data.Trusted)

	out, err := datasource.Drain(context.Background(), data.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestTxChunksFullStreamFirstChunkFailureIsNotFound(t *testing.T) {
	payload := buildPayload(50)
	chain := &fakeChain{txOffset: 49, txSize: 50}
	src := &fakeChunkSource{payload: payload, chunkSize: 30, failAt: map[uint64]error{0: assertErr}}
	ds := &TxChunksDataSource{Chain: chain, Chunks: src}

	_, err := ds.GetData(context.Background(), arid.ID{}, nil, reqattrs.Attributes{})
	require.Error(t, err)
	assert.True(t, gwerrors.HasCode(err, gwerrors.CodeNotFound))
}

func TestTxChunksRangeStreamTrimsPrefixAndSuffix(t *testing.T) {
	payload := buildPayload(100)
	chain := &fakeChain{txOffset: 99, txSize: 100}
	src := &fakeChunkSource{payload: payload, chunkSize: 30}
	ds := &TxChunksDataSource{Chain: chain, Chunks: src}

	r := &region.Region{Offset: 35, Size: 40} // [35, 75)
	data, err := ds.GetData(context.Background(), arid.ID{}, r, reqattrs.Attributes{})
	require.NoError(t, err)
	assert.Equal(t, uint64(40), data.Size)

	out, err := datasource.Drain(context.Background(), data.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload[35:75], out)
}

func TestTxChunksRangeStreamEmptyWhenStartEqualsEnd(t *testing.T) {
	payload := buildPayload(100)
	chain := &fakeChain{txOffset: 99, txSize: 100}
	src := &fakeChunkSource{payload: payload, chunkSize: 30}
	ds := &TxChunksDataSource{Chain: chain, Chunks: src}

	r := &region.Region{Offset: 20, Size: 0}
	data, err := ds.GetData(context.Background(), arid.ID{}, r, reqattrs.Attributes{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), data.Size)
	out, err := datasource.Drain(context.Background(), data.Stream)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTxChunksRangeStreamClampsEndToTxSize(t *testing.T) {
	payload := buildPayload(100)
	chain := &fakeChain{txOffset: 99, txSize: 100}
	src := &fakeChunkSource{payload: payload, chunkSize: 30}
	ds := &TxChunksDataSource{Chain: chain, Chunks: src}

	r := &region.Region{Offset: 80, Size: 1000} // end clamps to 100
	data, err := ds.GetData(context.Background(), arid.ID{}, r, reqattrs.Attributes{})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), data.Size)

	out, err := datasource.Drain(context.Background(), data.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload[80:100], out)
}

func TestTxChunksRangeStreamStartBeyondTxSizeIsUnsatisfiable(t *testing.T) {
	payload := buildPayload(100)
	chain := &fakeChain{txOffset: 99, txSize: 100}
	src := &fakeChunkSource{payload: payload, chunkSize: 30}
	ds := &TxChunksDataSource{Chain: chain, Chunks: src}

	r := &region.Region{Offset: 150, Size: 10}
	_, err := ds.GetData(context.Background(), arid.ID{}, r, reqattrs.Attributes{})
	require.Error(t, err)
	assert.True(t, gwerrors.HasCode(err, gwerrors.CodeRangeUnsatisfiable))
}

var assertErr = gwerrors.PeerUnavailable(nil, "simulated failure")
