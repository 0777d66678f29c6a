package chunk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ar-io/gateway-core/pkg/gwerrors"
	"github.com/ar-io/gateway-core/pkg/merkle"
	"github.com/ar-io/gateway-core/pkg/peer"
)

// DefaultPeerCount is N_peers: how many candidate peers PeerChunkSource asks
// PeerManager for per attempt (spec.md §4.2.2 step 1).
const DefaultPeerCount = 5

type chunkWireFormat struct {
	Chunk    string `json:"chunk"`
	DataPath string `json:"data_path"`
	TxPath   string `json:"tx_path"`
	Packing  string `json:"packing,omitempty"`
}

// PeerChunkSource implements Source by walking peers returned by a
// PeerManager, validating each candidate chunk cryptographically before
// accepting it, per spec.md §4.2.2. A validation failure is per-peer and
// never poisons the overall request (spec.md §4.2.2: "a dishonest peer
// produces only a single retry").
type PeerChunkSource struct {
	Peers      *peer.Manager
	HTTPClient *http.Client
	Timeout    time.Duration // T_chunk
	PeerCount  int           // N_peers
}

// GetChunk implements Source.
func (s *PeerChunkSource) GetChunk(ctx context.Context, p Params) (Chunk, error) {
	peerCount := s.PeerCount
	if peerCount <= 0 {
		peerCount = DefaultPeerCount
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	candidates := s.Peers.SelectPeersForOffset(p.AbsoluteOffset, peerCount)
	if len(candidates) == 0 {
		return Chunk{}, gwerrors.NotFound("chunk: no candidate peers for offset %d", p.AbsoluteOffset)
	}

	var errs []error
	for _, url := range candidates {
		c, err := s.fetchAndValidate(ctx, url, p, timeout)
		if err != nil {
			s.Peers.ReportFailure(peer.CategoryGetChunk, url)
			errs = append(errs, fmt.Errorf("peer %s: %w", url, err))
			continue
		}
		s.Peers.ReportSuccess(peer.CategoryGetChunk, url)
		return c, nil
	}

	return Chunk{}, &gwerrors.AllSourcesFailed{Errors: errs}
}

func (s *PeerChunkSource) fetchAndValidate(ctx context.Context, url string, p Params, timeout time.Duration) (Chunk, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := fmt.Sprintf("http://%s/chunk/%d", url, p.AbsoluteOffset)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Chunk{}, err
	}

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Chunk{}, gwerrors.PeerUnavailable(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Chunk{}, gwerrors.PeerUnavailable(nil, "status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Chunk{}, gwerrors.PeerUnavailable(err, "read body")
	}

	var wire chunkWireFormat
	if err := json.Unmarshal(body, &wire); err != nil {
		return Chunk{}, gwerrors.PeerUnavailable(err, "parse json")
	}

	data, err := base64.RawURLEncoding.DecodeString(wire.Chunk)
	if err != nil {
		return Chunk{}, gwerrors.PeerUnavailable(err, "decode chunk")
	}
	dataPath, err := base64.RawURLEncoding.DecodeString(wire.DataPath)
	if err != nil {
		return Chunk{}, gwerrors.PeerUnavailable(err, "decode data_path")
	}
	txPath, err := base64.RawURLEncoding.DecodeString(wire.TxPath)
	if err != nil {
		return Chunk{}, gwerrors.PeerUnavailable(err, "decode tx_path")
	}

	proof, err := merkle.ValidatePath(p.DataRoot, p.RelativeOffset, 0, p.TxSize, dataPath)
	if err != nil {
		return Chunk{}, gwerrors.ValidationFailed(err, "data_path validation failed")
	}

	actualHash := sha256Of(data)
	if actualHash != proof.DataHash {
		return Chunk{}, gwerrors.ValidationFailed(nil, "chunk data hash does not match proof leaf")
	}

	var blockZero [merkle.HashSize]byte
	if p.BlockTxRoot != blockZero {
		if _, err := merkle.ValidatePath(p.BlockTxRoot, p.AbsoluteOffset, 0, p.AbsoluteOffset+uint64(len(data)), txPath); err != nil {
			return Chunk{}, gwerrors.ValidationFailed(err, "tx_path validation failed")
		}
	}

	return Chunk{
		Metadata: Metadata{
			DataPath:  dataPath,
			TxPath:    txPath,
			Offset:    proof.ChunkStart,
			ChunkSize: proof.ChunkEnd - proof.ChunkStart,
		},
		Data:     data,
		DataHash: actualHash,
	}, nil
}
