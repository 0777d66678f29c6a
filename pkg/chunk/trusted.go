package chunk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ar-io/gateway-core/pkg/gwerrors"
	"github.com/ar-io/gateway-core/pkg/ratelimit"
)

// TrustedNodeSource implements spec.md §4.2.4: a single authoritative
// GET /chunk/{offset} against the configured trusted node, bypassing peer
// scoring, gated by a rate.Limiter and retried on HTTP 429 after debiting
// the limiter's token bucket so the next Acquire call absorbs the cooldown.
type TrustedNodeSource struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	MaxRetries int // spec.md §9: "max_attempts = 5" working default
}

// GetChunk implements Source.
func (t *TrustedNodeSource) GetChunk(ctx context.Context, p Params) (Chunk, error) {
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		chunk, status, err := t.attempt(ctx, p)
		if err == nil {
			return chunk, nil
		}
		lastErr = err

		if status == http.StatusTooManyRequests {
			t.Limiter.DebitForRetry(attempt)
			continue
		}
		// Non-429 failures are not retried here; the caller (SequentialDataSource
		// or a ChunkSource composite) decides whether to try a sibling source.
		return Chunk{}, err
	}
	return Chunk{}, gwerrors.PeerUnavailable(lastErr, "trusted node exhausted %d retries", maxRetries)
}

func (t *TrustedNodeSource) attempt(ctx context.Context, p Params) (Chunk, int, error) {
	release, err := t.Limiter.Acquire(ctx)
	if err != nil {
		return Chunk{}, 0, gwerrors.Cancelled(err)
	}
	defer release()

	endpoint := fmt.Sprintf("%s/chunk/%d", t.BaseURL, p.AbsoluteOffset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Chunk{}, 0, err
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Chunk{}, 0, gwerrors.PeerUnavailable(err, "trusted node request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Chunk{}, resp.StatusCode, gwerrors.PeerUnavailable(nil, "trusted node rate-limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return Chunk{}, resp.StatusCode, gwerrors.PeerUnavailable(nil, "trusted node status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Chunk{}, resp.StatusCode, gwerrors.PeerUnavailable(err, "read trusted node response")
	}

	var wire chunkWireFormat
	if err := json.Unmarshal(body, &wire); err != nil {
		return Chunk{}, resp.StatusCode, gwerrors.PermanentError(err, "trusted node returned malformed chunk JSON")
	}

	data, err := base64.RawURLEncoding.DecodeString(wire.Chunk)
	if err != nil {
		return Chunk{}, resp.StatusCode, gwerrors.PermanentError(err, "decode trusted node chunk")
	}
	dataPath, _ := base64.RawURLEncoding.DecodeString(wire.DataPath)
	txPath, _ := base64.RawURLEncoding.DecodeString(wire.TxPath)

	return Chunk{
		Metadata: Metadata{DataPath: dataPath, TxPath: txPath, Offset: p.RelativeOffset, ChunkSize: uint64(len(data))},
		Data:     data,
		DataHash: sha256Of(data),
	}, resp.StatusCode, nil
}
