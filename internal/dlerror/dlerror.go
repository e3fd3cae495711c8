package dlerror

import (
	"errors"
	"fmt"
)

// Kind classifies download failures so callers can pick the retry path.
type Kind string

const (
	KindNotFound                    Kind = "not_found"
	KindNoPeersAvailable            Kind = "no_peers_available"
	KindConnectionLost              Kind = "connection_lost"
	KindTimeout                     Kind = "timeout"
	KindPeerRefused                 Kind = "peer_refused"
	KindCorruptChunk                Kind = "corrupt_chunk"
	KindFileCorruption              Kind = "file_corruption"
	KindInsufficientReputationPeers Kind = "insufficient_reputation_peers"
	KindStorageError                Kind = "storage_error"
	KindDecryptionFailed            Kind = "decryption_failed"
	KindCanceled                    Kind = "canceled"
)

// Error carries the failure kind together with enough chunk/peer context
// for diagnostics.
type Error struct {
	Kind       Kind
	FileHash   string
	ChunkIndex int // -1 when the error is not chunk-scoped
	PeerID     string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.PeerID != "" {
		msg = fmt.Sprintf("%s (peer %s)", msg, e.PeerID)
	}
	if e.ChunkIndex >= 0 {
		msg = fmt.Sprintf("%s (chunk %d)", msg, e.ChunkIndex)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error that is not tied to a particular chunk.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, ChunkIndex: -1, Err: err}
}

// Newf formats a message into a new error of the given kind.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// Chunk creates an error scoped to a chunk served by a peer.
func Chunk(kind Kind, chunkIndex int, peerID string, err error) *Error {
	return &Error{Kind: kind, ChunkIndex: chunkIndex, PeerID: peerID, Err: err}
}

// KindOf extracts the failure kind, or empty string for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Retryable reports whether a failure of this kind should go through the
// ordinary retry/reassignment path instead of failing the session.
func Retryable(kind Kind) bool {
	switch kind {
	case KindConnectionLost, KindTimeout, KindPeerRefused, KindCorruptChunk:
		return true
	}
	return false
}

// PenalizesPeer reports whether the serving peer's reputation should take
// a hit for this failure. Only explicit fetch errors count; a bare peer
// disconnect is handled out of band and stays neutral.
func PenalizesPeer(kind Kind) bool {
	switch kind {
	case KindTimeout, KindPeerRefused, KindCorruptChunk, KindConnectionLost:
		return true
	}
	return false
}
