package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/polyfetch/polyfetch/internal/compressor"
	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/dlerror"
)

func testDescriptor(data []byte, chunkSize int64) *descriptor.FileDescriptor {
	numChunks := int((int64(len(data)) + chunkSize - 1) / chunkSize)
	hashes := make([]string, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha256.Sum256(data[start:end])
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	fileSum := sha256.Sum256(data)
	return &descriptor.FileDescriptor{
		FileHash:    hex.EncodeToString(fileSum[:]),
		FileSize:    int64(len(data)),
		ChunkSize:   chunkSize,
		NumChunks:   numChunks,
		ChunkHashes: hashes,
		RootHash:    descriptor.ComputeRoot(hashes),
	}
}

// chunkServer is a minimal peer-side handler for transport tests.
func chunkServer(t *testing.T, data []byte, fd *descriptor.FileDescriptor, compress bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/chunk/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/chunk/"), "/")
		index, err := strconv.Atoi(parts[1])
		if err != nil {
			http.Error(w, "bad index", http.StatusBadRequest)
			return
		}
		offset, length := fd.ChunkRange(index)
		payload := data[offset : offset+length]
		if compress {
			compressed, cerr := compressor.Compress(payload)
			if cerr == nil {
				w.Header().Set(WireEncodingHeader, "lz4")
				payload = compressed
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	})
	return httptest.NewServer(mux)
}

func TestHTTPConnectAndFetch(t *testing.T) {
	data := bytes.Repeat([]byte("wire-data-"), 100)
	fd := testDescriptor(data, 256)
	server := chunkServer(t, data, fd, false)
	defer server.Close()

	tr := NewHTTPTransport()
	ref := descriptor.PeerRef{PeerID: "peer-a", Protocol: ProtocolHTTP, Address: server.URL}

	handle, err := tr.Connect(context.Background(), ref)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect(handle)
	if handle.PeerID() != "peer-a" {
		t.Errorf("handle peer id mismatch: %s", handle.PeerID())
	}

	got, err := tr.FetchChunk(context.Background(), handle, fd, 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	offset, length := fd.ChunkRange(1)
	if !bytes.Equal(got, data[offset:offset+length]) {
		t.Errorf("fetched chunk bytes mismatch")
	}
}

func TestHTTPFetchDecompressesWirePayload(t *testing.T) {
	data := bytes.Repeat([]byte{0x00}, 2048) // compresses well
	fd := testDescriptor(data, 1024)
	server := chunkServer(t, data, fd, true)
	defer server.Close()

	tr := NewHTTPTransport()
	handle, err := tr.Connect(context.Background(), descriptor.PeerRef{PeerID: "p", Protocol: ProtocolHTTP, Address: server.URL})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	got, err := tr.FetchChunk(context.Background(), handle, fd, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, data[:1024]) {
		t.Errorf("decompressed chunk bytes mismatch")
	}
}

func TestHTTPConnectRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr := NewHTTPTransport()
	_, err := tr.Connect(context.Background(), descriptor.PeerRef{PeerID: "p", Protocol: ProtocolHTTP, Address: server.URL})
	if dlerror.KindOf(err) != dlerror.KindPeerRefused {
		t.Errorf("expected %s, got %v", dlerror.KindPeerRefused, err)
	}
}

func TestHTTPConnectUnreachable(t *testing.T) {
	tr := NewHTTPTransport()
	_, err := tr.Connect(context.Background(), descriptor.PeerRef{PeerID: "p", Protocol: ProtocolHTTP, Address: "http://127.0.0.1:1"})
	if dlerror.KindOf(err) != dlerror.KindConnectionLost {
		t.Errorf("expected %s, got %v", dlerror.KindConnectionLost, err)
	}
}

func TestHTTPFetchRefusedStatus(t *testing.T) {
	data := []byte("abcd")
	fd := testDescriptor(data, 4)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/v1/chunk/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewHTTPTransport()
	handle, err := tr.Connect(context.Background(), descriptor.PeerRef{PeerID: "p", Protocol: ProtocolHTTP, Address: server.URL})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err = tr.FetchChunk(context.Background(), handle, fd, 0)
	if dlerror.KindOf(err) != dlerror.KindPeerRefused {
		t.Errorf("expected %s, got %v", dlerror.KindPeerRefused, err)
	}
}

func TestHTTPFetchTimeout(t *testing.T) {
	data := []byte("abcd")
	fd := testDescriptor(data, 4)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/v1/chunk/", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewHTTPTransport()
	handle, err := tr.Connect(context.Background(), descriptor.PeerRef{PeerID: "p", Protocol: ProtocolHTTP, Address: server.URL})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.FetchChunk(ctx, handle, fd, 0)
	if dlerror.KindOf(err) != dlerror.KindTimeout {
		t.Errorf("expected %s, got %v", dlerror.KindTimeout, err)
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewHTTPTransport())

	if !registry.Supports(ProtocolHTTP) {
		t.Errorf("expected http to be supported")
	}
	if registry.Supports(ProtocolWebRTC) {
		t.Errorf("webrtc must not be supported without a registered adapter")
	}
	if _, err := registry.ForProtocol(ProtocolBitTorrent); err == nil {
		t.Errorf("expected error for unregistered protocol")
	}
	tr, err := registry.ForProtocol(ProtocolHTTP)
	if err != nil {
		t.Fatalf("expected the http transport back: %v", err)
	}
	if tr.Protocol() != ProtocolHTTP {
		t.Errorf("unexpected protocol %s", tr.Protocol())
	}
}
