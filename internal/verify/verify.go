package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/dlerror"
)

// Verifier validates chunks and the assembled file against a descriptor's
// integrity manifest.
type Verifier struct {
	fd *descriptor.FileDescriptor
}

func NewVerifier(fd *descriptor.FileDescriptor) *Verifier {
	return &Verifier{fd: fd}
}

// ChunkHash computes the content hash of a chunk.
func ChunkHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChunk checks a received chunk against the manifest immediately
// after receipt. A mismatch is a CorruptChunk failure, distinct from a
// timeout, and additionally penalizes the serving peer.
func (v *Verifier) VerifyChunk(index int, data []byte) error {
	if index < 0 || index >= len(v.fd.ChunkHashes) {
		return dlerror.Newf(dlerror.KindCorruptChunk, "chunk index %d out of range", index)
	}
	_, wantLen := v.fd.ChunkRange(index)
	if int64(len(data)) != wantLen {
		return dlerror.Chunk(dlerror.KindCorruptChunk, index, "",
			fmt.Errorf("chunk size mismatch: expected %d, got %d", wantLen, len(data)))
	}
	got := ChunkHash(data)
	if got != v.fd.ChunkHashes[index] {
		return dlerror.Chunk(dlerror.KindCorruptChunk, index, "",
			fmt.Errorf("hash mismatch: expected %s, got %s", v.fd.ChunkHashes[index], got))
	}
	return nil
}

// VerifyAssembled re-reads the assembled output in index order, recomputes
// every chunk hash plus the manifest root and the whole-file hash. Any
// mismatch is a fatal FileCorruption error; the caller must not promote
// the output into its final location.
func (v *Verifier) VerifyAssembled(r io.Reader) error {
	fileHasher := sha256.New()
	chunkHashes := make([]string, 0, v.fd.NumChunks)

	buf := make([]byte, v.fd.ChunkSize)
	var total int64
	for index := 0; index < v.fd.NumChunks; index++ {
		_, length := v.fd.ChunkRange(index)
		n, err := io.ReadFull(r, buf[:length])
		if err != nil {
			return dlerror.Newf(dlerror.KindFileCorruption,
				"assembled file truncated at chunk %d: %v", index, err)
		}
		total += int64(n)

		chunkHashes = append(chunkHashes, ChunkHash(buf[:n]))
		fileHasher.Write(buf[:n])
	}

	if total != v.fd.FileSize {
		return dlerror.Newf(dlerror.KindFileCorruption,
			"assembled size %d does not match descriptor size %d", total, v.fd.FileSize)
	}

	for index, got := range chunkHashes {
		if got != v.fd.ChunkHashes[index] {
			return dlerror.Chunk(dlerror.KindFileCorruption, index, "",
				fmt.Errorf("assembled chunk hash mismatch"))
		}
	}

	if root := descriptor.ComputeRoot(chunkHashes); root != v.fd.RootHash {
		return dlerror.Newf(dlerror.KindFileCorruption,
			"manifest root mismatch: expected %s, got %s", v.fd.RootHash, root)
	}

	if fileHash := hex.EncodeToString(fileHasher.Sum(nil)); fileHash != v.fd.FileHash {
		return dlerror.Newf(dlerror.KindFileCorruption,
			"file hash mismatch: expected %s, got %s", v.fd.FileHash, fileHash)
	}
	return nil
}
