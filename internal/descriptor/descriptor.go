package descriptor

import (
	"fmt"
	"time"
)

// PeerRef identifies a candidate source for a file, tagged with the
// transport protocol it speaks.
type PeerRef struct {
	PeerID   string `json:"peer_id"`
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

// FileDescriptor describes a content-addressed file: its chunking layout,
// integrity manifest and candidate peers. Immutable once resolved.
type FileDescriptor struct {
	FileHash    string    `json:"file_hash"`
	FileSize    int64     `json:"file_size"`
	ChunkSize   int64     `json:"chunk_size"`
	NumChunks   int       `json:"num_chunks"`
	ChunkHashes []string  `json:"chunk_hashes"`
	RootHash    string    `json:"root_hash"`
	Compressed  bool      `json:"compressed"`
	Encrypted   bool      `json:"encrypted"`
	Peers       []PeerRef `json:"peers"`
	CreatedAt   int64     `json:"created_at"` // Unix timestamp
}

// Validate checks internal consistency of a resolved descriptor.
func (fd *FileDescriptor) Validate() error {
	if fd.FileHash == "" {
		return fmt.Errorf("descriptor missing file hash")
	}
	if fd.FileSize <= 0 {
		return fmt.Errorf("descriptor has invalid file size %d", fd.FileSize)
	}
	if fd.ChunkSize <= 0 {
		return fmt.Errorf("descriptor has invalid chunk size %d", fd.ChunkSize)
	}
	want := int((fd.FileSize + fd.ChunkSize - 1) / fd.ChunkSize)
	if fd.NumChunks != want {
		return fmt.Errorf("descriptor chunk count %d does not match size (want %d)", fd.NumChunks, want)
	}
	if len(fd.ChunkHashes) != fd.NumChunks {
		return fmt.Errorf("descriptor has %d chunk hashes for %d chunks", len(fd.ChunkHashes), fd.NumChunks)
	}
	if fd.RootHash == "" {
		return fmt.Errorf("descriptor missing root hash")
	}
	return nil
}

// ChunkRange returns the byte offset and length of a chunk within the file.
// The last chunk may be shorter than ChunkSize.
func (fd *FileDescriptor) ChunkRange(index int) (offset, length int64) {
	offset = int64(index) * fd.ChunkSize
	length = fd.ChunkSize
	if offset+length > fd.FileSize {
		length = fd.FileSize - offset
	}
	return offset, length
}

// DetermineChunkSize picks a chunk size tier for a given file size.
func DetermineChunkSize(fileSize int64) int64 {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}

// newDescriptor assembles a descriptor from a computed manifest.
func newDescriptor(fileHash string, fileSize, chunkSize int64, chunkHashes []string) *FileDescriptor {
	return &FileDescriptor{
		FileHash:    fileHash,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		NumChunks:   len(chunkHashes),
		ChunkHashes: chunkHashes,
		RootHash:    ComputeRoot(chunkHashes),
		CreatedAt:   time.Now().Unix(),
	}
}
