package compressor

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Compress lz4-frames a chunk payload for the wire.
func Compress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	writer := lz4.NewWriter(&out)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %v", err)
	}
	return out.Bytes(), nil
}

// Decompress reverses Compress. Used on chunk payloads before they are
// handed to verification.
func Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	var out bytes.Buffer
	if _, err := io.Copy(&out, reader); err != nil {
		return nil, fmt.Errorf("decompression failed: %v", err)
	}
	return out.Bytes(), nil
}
