package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ComputeRoot derives the manifest root: the SHA-256 of the chunk hashes
// concatenated in index order.
func ComputeRoot(chunkHashes []string) string {
	h := sha256.New()
	for _, ch := range chunkHashes {
		raw, err := hex.DecodeString(ch)
		if err != nil {
			// Non-hex manifest entries still bind the root to the entry.
			raw = []byte(ch)
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildFromFile computes the full descriptor for a local file: content
// address, chunk layout and per-chunk hashes. This is the seeder-side
// counterpart of download verification.
func BuildFromFile(filePath string) (*FileDescriptor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %v", err)
	}
	fileSize := fileInfo.Size()
	if fileSize == 0 {
		return nil, fmt.Errorf("refusing to build descriptor for empty file")
	}
	chunkSize := DetermineChunkSize(fileSize)

	fileHasher := sha256.New()
	var chunkHashes []string

	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(file, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read chunk: %v", err)
		}
		if n == 0 {
			break
		}

		chunkHash := sha256.Sum256(buf[:n])
		chunkHashes = append(chunkHashes, hex.EncodeToString(chunkHash[:]))
		fileHasher.Write(buf[:n])

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}

	fileHash := hex.EncodeToString(fileHasher.Sum(nil))
	return newDescriptor(fileHash, fileSize, chunkSize, chunkHashes), nil
}
