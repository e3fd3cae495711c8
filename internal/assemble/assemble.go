package assemble

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/dlerror"
	"github.com/polyfetch/polyfetch/internal/encryptor"
	"github.com/polyfetch/polyfetch/internal/staging"
	"github.com/polyfetch/polyfetch/internal/verify"
)

// Finalize runs whole-file verification over the staged part file and, only
// if it passes, promotes the output into its final location. For encrypted
// files decryption happens strictly after verification, and a decryption
// failure is its own error kind. On FileCorruption nothing is promoted.
func Finalize(fd *descriptor.FileDescriptor, part *staging.PartFile, outputPath, password string) error {
	v := verify.NewVerifier(fd)

	reader, err := part.Reader()
	if err != nil {
		return err
	}
	if err := v.VerifyAssembled(reader); err != nil {
		return err
	}

	if !fd.Encrypted {
		return part.Promote(outputPath)
	}

	// Verified ciphertext: decrypt into a temp file, then rename.
	ciphertext, err := readAll(part)
	if err != nil {
		return err
	}
	plaintext, err := encryptor.NewEncryptor().Decrypt(ciphertext, password)
	if err != nil {
		return dlerror.New(dlerror.KindDecryptionFailed, err)
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to create output directory: %w", err))
		}
	}
	tmpPath := outputPath + ".tmp"
	if err := os.WriteFile(tmpPath, plaintext, 0644); err != nil {
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to write decrypted output: %w", err))
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to promote decrypted output: %w", err))
	}
	return part.Discard()
}

func readAll(part *staging.PartFile) ([]byte, error) {
	reader, err := part.Reader()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, dlerror.New(dlerror.KindStorageError, fmt.Errorf("failed to read staged file: %w", err))
	}
	return data, nil
}
