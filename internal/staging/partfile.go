package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/polyfetch/polyfetch/internal/dlerror"
)

// PartFile stages verified chunk bytes at their final offsets while a
// download runs. The file is only promoted into its final location by an
// atomic rename after whole-file verification.
type PartFile struct {
	path string
	file *os.File
	size int64
}

func partPath(dir, fileHash string) string {
	return filepath.Join(dir, fileHash+".part")
}

// Create opens a fresh part file sized to the full download. An existing
// part file for the same hash is reused, which is what makes resumed
// sessions cheap: completed chunks are already in place.
func Create(dir, fileHash string, size int64) (*PartFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to create staging directory: %w", err))
	}

	path := partPath(dir, fileHash)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to open part file: %w", err))
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to size part file: %w", err))
	}

	return &PartFile{path: path, file: file, size: size}, nil
}

// Exists reports whether a part file is already staged for a hash.
func Exists(dir, fileHash string) bool {
	_, err := os.Stat(partPath(dir, fileHash))
	return err == nil
}

// Path returns the staging location of the part file.
func (p *PartFile) Path() string {
	return p.path
}

// Size returns the staged file size.
func (p *PartFile) Size() int64 {
	return p.size
}

// WriteChunkAt places verified chunk bytes at their offset. Concurrent
// writers are safe as long as offsets never overlap, which the scheduler's
// one-InFlight-per-chunk invariant guarantees.
func (p *PartFile) WriteChunkAt(data []byte, offset int64) error {
	if _, err := p.file.WriteAt(data, offset); err != nil {
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to write chunk at %d: %w", offset, err))
	}
	return nil
}

// ReadChunkAt reads staged bytes back, used when re-verifying on resume.
func (p *PartFile) ReadChunkAt(buf []byte, offset int64) error {
	if _, err := p.file.ReadAt(buf, offset); err != nil {
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to read chunk at %d: %w", offset, err))
	}
	return nil
}

// Reader rewinds the part file for sequential whole-file verification.
func (p *PartFile) Reader() (io.Reader, error) {
	if err := p.file.Sync(); err != nil {
		return nil, dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to sync part file: %w", err))
	}
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return nil, dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to rewind part file: %w", err))
	}
	return p.file, nil
}

// Promote atomically renames the verified part file into its final
// location. Must only be called after whole-file verification passed.
func (p *PartFile) Promote(finalPath string) error {
	if err := p.file.Sync(); err != nil {
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to sync part file: %w", err))
	}
	if err := p.file.Close(); err != nil {
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to close part file: %w", err))
	}
	if dir := filepath.Dir(finalPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to create output directory: %w", err))
		}
	}
	if err := os.Rename(p.path, finalPath); err != nil {
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to promote part file: %w", err))
	}
	return nil
}

// Discard removes the staged bytes, used on cancel.
func (p *PartFile) Discard() error {
	p.file.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to remove part file: %w", err))
	}
	return nil
}

// Close flushes and closes without promoting or discarding, keeping the
// part file around for a later resume.
func (p *PartFile) Close() error {
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to sync part file: %w", err))
	}
	return p.file.Close()
}
