// Package main implements a thin demonstration binary over pkg/gatewaycore:
// enough wiring to fetch an id (optionally through a manifest path) against
// a single trusted Arweave node and write the bytes to stdout, plus a peers
// command for inspecting the live peer set. A full gateway's HTTP surface,
// config loading, and Prometheus wiring are glue this binary does not
// attempt to provide.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ar-io/gateway-core/pkg/arid"
	"github.com/ar-io/gateway-core/pkg/chunk"
	"github.com/ar-io/gateway-core/pkg/datacache"
	"github.com/ar-io/gateway-core/pkg/datasource"
	"github.com/ar-io/gateway-core/pkg/gatewaycore"
	"github.com/ar-io/gateway-core/pkg/manifest"
	"github.com/ar-io/gateway-core/pkg/peer"
	"github.com/ar-io/gateway-core/pkg/ratelimit"
	"github.com/ar-io/gateway-core/pkg/reqattrs"
	"github.com/ar-io/gateway-core/pkg/txchunks"
)

// Build-time variables set by ldflags.
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "gatewaycore",
		Usage:   "fetch content through the gateway-core retrieval pipeline",
		Version: fmt.Sprintf("%s (built %s, %s)", version, buildTime, commitHash),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "trusted-node",
				Usage: "base URL of the trusted Arweave node",
				Value: "https://arweave.net",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory for the chunk and content-addressed data stores",
				Value: "./data",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			getCommand(),
			peersCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gatewaycore: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) *logrus.Entry {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.String("log-level")); err == nil {
		log.SetLevel(lvl)
	}
	return logrus.NewEntry(log).WithField("component", "gatewaycore")
}

// buildCore assembles the full retrieval pipeline of spec.md §4: peer
// manager, trusted-node chunk source wrapped in the hot/durable caches,
// transaction reconstruction, the content-addressed outer cache, and
// manifest path resolution — the same composition order as spec.md's
// component list (PeerManager -> ChunkSource pipeline -> TxChunksDataSource
// -> ReadThroughDataCache -> ManifestResolver).
func buildCore(c *cli.Context, log *logrus.Entry) (*gatewaycore.Core, func()) {
	trustedNode := c.String("trusted-node")
	dataDir := c.String("data-dir")

	httpClient, stopResolver := peer.NewHTTPClient(10 * time.Second)

	peers := peer.New(peer.Config{TrustedNodeURL: trustedNode}, httpClient, log.WithField("subsystem", "peer"))

	chain := &trustedChainSource{client: httpClient, base: trustedNode}
	dedupedChain := gatewaycore.WrapChainSource(chain, 0)

	trustedChunks := &chunk.TrustedNodeSource{
		BaseURL:    trustedNode,
		HTTPClient: httpClient,
		Limiter:    ratelimit.New(ratelimit.DefaultConfig()),
	}
	chunkStore := chunk.NewFilesystemStore(dataDir + "/chunks")
	chunkCache := chunk.NewReadThroughChunkDataCache(4096, chunkStore, trustedChunks, log.WithField("subsystem", "chunk"))

	txSource := &txchunks.TxChunksDataSource{Chain: dedupedChain, Chunks: chunkCache}

	blobStore := datacache.NewFilesystemStore(dataDir)
	dataCache := &datacache.ReadThroughDataCache{Attributes: blobStore, Store: blobStore, Inner: txSource}

	manifests := manifest.NewResolver(nil, dataCache)

	core := gatewaycore.New(gatewaycore.Config{}, peers, dataCache, manifests, nil, nil, log)

	cleanup := func() {
		stopResolver()
	}
	return core, cleanup
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "fetch an id (optionally a manifest-relative subpath) and write it to stdout",
		ArgsUsage: "<id> [subpath]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return cli.Exit("usage: gatewaycore get <id> [subpath]", 1)
			}
			id, err := arid.Parse(c.Args().Get(0))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid id: %v", err), 1)
			}
			subpath := c.Args().Get(1)

			log := newLogger(c)
			core, cleanup := buildCore(c, log)
			defer cleanup()

			ctx := context.Background()
			if err := core.Start(ctx); err != nil {
				return err
			}
			defer core.Stop(ctx)

			data, _, err := core.GetData(ctx, id, subpath, nil, reqattrs.Attributes{})
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}

			for {
				b, ok, err := data.Stream.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if _, err := os.Stdout.Write(b); err != nil {
					return err
				}
			}
		},
	}
}

func peersCommand() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "refresh and list the current peer set",
		Action: func(c *cli.Context) error {
			log := newLogger(c)
			core, cleanup := buildCore(c, log)
			defer cleanup()

			ctx := context.Background()
			if err := core.Peers.RefreshPeers(ctx); err != nil {
				return err
			}
			for _, url := range core.Peers.SelectPeers(peer.CategoryGetChunk, 50) {
				fmt.Println(url)
			}
			return nil
		},
	}
}

// trustedChainSource resolves chain facts straight from the trusted node's
// /tx/{id}/data_root and /tx/{id}/offset endpoints (spec.md §6).
type trustedChainSource struct {
	client *http.Client
	base   string
}

func (t *trustedChainSource) ResolveDataRoot(ctx context.Context, id arid.ID) ([32]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/tx/"+id.String()+"/data_root", nil)
	if err != nil {
		return [32]byte{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return [32]byte{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return [32]byte{}, fmt.Errorf("gatewaycore: GET data_root for %s: status %d", id.String(), resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return [32]byte{}, err
	}
	return decodeDataRoot(raw)
}

func (t *trustedChainSource) ResolveOffset(ctx context.Context, id arid.ID) (uint64, uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/tx/"+id.String()+"/offset", nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("gatewaycore: GET offset for %s: status %d", id.String(), resp.StatusCode)
	}
	return decodeOffsetResponse(resp.Body)
}

var _ datasource.ChainSource = (*trustedChainSource)(nil)

// decodeDataRoot decodes the trusted node's raw base64url data_root body
// (spec.md §6: "GET {trusted}/tx/{id}/data_root -> raw base64url").
func decodeDataRoot(raw []byte) ([32]byte, error) {
	var root [32]byte
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return root, fmt.Errorf("gatewaycore: decoding data_root: %w", err)
	}
	if len(decoded) != len(root) {
		return root, fmt.Errorf("gatewaycore: data_root has %d bytes, want %d", len(decoded), len(root))
	}
	copy(root[:], decoded)
	return root, nil
}

// offsetResponse mirrors spec.md §6's "{ offset: \"…\", size: \"…\" }"
// (string-encoded integers).
type offsetResponse struct {
	Offset string `json:"offset"`
	Size   string `json:"size"`
}

func decodeOffsetResponse(body io.Reader) (offset uint64, size uint64, err error) {
	var resp offsetResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return 0, 0, fmt.Errorf("gatewaycore: decoding offset response: %w", err)
	}
	offset, err = strconv.ParseUint(resp.Offset, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("gatewaycore: parsing offset %q: %w", resp.Offset, err)
	}
	size, err = strconv.ParseUint(resp.Size, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("gatewaycore: parsing size %q: %w", resp.Size, err)
	}
	return offset, size, nil
}
