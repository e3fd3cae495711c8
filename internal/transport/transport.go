package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/polyfetch/polyfetch/internal/descriptor"
)

// Protocol tags for the transports a peer may speak.
const (
	ProtocolHTTP       = "http"
	ProtocolWebRTC     = "webrtc"
	ProtocolBlockX     = "blockx"
	ProtocolBitTorrent = "bittorrent"
)

// Handle is an open connection to one peer.
type Handle interface {
	PeerID() string
	Close() error
}

// Transport is the uniform chunk-fetch capability every protocol adapter
// implements. FetchChunk returns the plaintext chunk bytes, already
// decompressed if the transfer was lz4-framed on the wire. Failures are
// reported as dlerror kinds (Timeout, ConnectionLost, PeerRefused,
// CorruptChunk) so the scheduler can route them through the retry path.
type Transport interface {
	Protocol() string
	Connect(ctx context.Context, peer descriptor.PeerRef) (Handle, error)
	FetchChunk(ctx context.Context, h Handle, fd *descriptor.FileDescriptor, chunkIndex int) ([]byte, error)
	Disconnect(h Handle) error
}

// Registry is the factory keyed on protocol tag. The set of transports is
// closed at startup; selection picks peers whose tags have an adapter.
type Registry struct {
	transports map[string]Transport
	mu         sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
	}
}

// Register installs an adapter for its protocol tag.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Protocol()] = t
}

// ForProtocol returns the adapter for a tag.
func (r *Registry) ForProtocol(tag string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, exists := r.transports[tag]
	if !exists {
		return nil, fmt.Errorf("no transport registered for protocol %q", tag)
	}
	return t, nil
}

// Supports reports whether an adapter exists for a tag.
func (r *Registry) Supports(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.transports[tag]
	return exists
}
