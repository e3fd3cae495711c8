package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/polyfetch/polyfetch/internal/compressor"
	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/dlerror"
)

// WireEncodingHeader flags lz4-framed chunk payloads on the wire.
const WireEncodingHeader = "X-Content-Encoding"

// HTTPTransport fetches chunks from peers that expose the HTTP chunk API
// (see internal/seeder). It is the reference adapter; other protocols
// register their own implementations through the Registry.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport() *HTTPTransport {
	// Per-fetch deadlines come from the caller's context.
	return &HTTPTransport{client: &http.Client{}}
}

func (t *HTTPTransport) Protocol() string {
	return ProtocolHTTP
}

type httpHandle struct {
	peerID  string
	baseURL string
}

func (h *httpHandle) PeerID() string {
	return h.peerID
}

func (h *httpHandle) Close() error {
	return nil
}

// Connect probes the peer's ping endpoint and returns a handle on success.
func (t *HTTPTransport) Connect(ctx context.Context, peer descriptor.PeerRef) (Handle, error) {
	url := fmt.Sprintf("%s/api/v1/ping", peer.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ping request: %v", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, dlerror.New(dlerror.KindConnectionLost, fmt.Errorf("peer %s unreachable: %w", peer.PeerID, err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, dlerror.New(dlerror.KindPeerRefused, fmt.Errorf("peer %s refused connect: status %d", peer.PeerID, resp.StatusCode))
	}
	return &httpHandle{peerID: peer.PeerID, baseURL: peer.Address}, nil
}

// FetchChunk retrieves one chunk. A deadline on ctx maps to a Timeout
// failure; transport-level errors map to ConnectionLost so the scheduler
// reassigns the chunk.
func (t *HTTPTransport) FetchChunk(ctx context.Context, h Handle, fd *descriptor.FileDescriptor, chunkIndex int) ([]byte, error) {
	hh, ok := h.(*httpHandle)
	if !ok {
		return nil, fmt.Errorf("handle is not an HTTP handle")
	}

	url := fmt.Sprintf("%s/api/v1/chunk/%s/%d", hh.baseURL, fd.FileHash, chunkIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build chunk request: %v", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyFetchErr(chunkIndex, hh.peerID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		return nil, dlerror.Chunk(dlerror.KindPeerRefused, chunkIndex, hh.peerID,
			fmt.Errorf("peer refused chunk: status %d", resp.StatusCode))
	default:
		return nil, dlerror.Chunk(dlerror.KindConnectionLost, chunkIndex, hh.peerID,
			fmt.Errorf("chunk fetch failed: status %d", resp.StatusCode))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyFetchErr(chunkIndex, hh.peerID, err)
	}

	if resp.Header.Get(WireEncodingHeader) == "lz4" {
		payload, err = compressor.Decompress(payload)
		if err != nil {
			return nil, dlerror.Chunk(dlerror.KindCorruptChunk, chunkIndex, hh.peerID,
				fmt.Errorf("failed to decode wire payload: %w", err))
		}
	}
	return payload, nil
}

func (t *HTTPTransport) Disconnect(h Handle) error {
	return h.Close()
}

func classifyFetchErr(chunkIndex int, peerID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return dlerror.Chunk(dlerror.KindTimeout, chunkIndex, peerID, err)
	}
	if errors.Is(err, context.Canceled) {
		return dlerror.Chunk(dlerror.KindCanceled, chunkIndex, peerID, err)
	}
	return dlerror.Chunk(dlerror.KindConnectionLost, chunkIndex, peerID, err)
}
