// Package diff wraps the rsync-style binary diff engine used to avoid
// retransmitting unchanged regions of large artifacts. A signature is a
// compact per-block checksum stream of one file; a delta encodes a new file
// against an old file's signature. Applying a delta is the server's job and
// is not implemented here.
package diff

import (
	"bufio"
	"fmt"
	"os"

	"github.com/balena-os/librsync-go"
)

const (
	// signatureBlockLen is the block size the signature is computed over.
	signatureBlockLen = 2048
	// signatureStrongLen is the truncated strong-hash length per block.
	signatureStrongLen = 32

	streamBufferSize = 64 * 1024
)

// Engine produces signature and delta streams. Both operations run to
// completion once started; they cannot be interrupted mid-stream.
type Engine interface {
	Signature(srcPath, destPath string) error
	Delta(signaturePath, newPath, destPath string) error
}

type librsyncEngine struct{}

// NewEngine returns the librsync-backed engine.
func NewEngine() Engine {
	return librsyncEngine{}
}

// Signature streams srcPath through the signature algorithm into destPath.
func (librsyncEngine) Signature(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer src.Close() //nolint:errcheck

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create signature file: %w", err)
	}

	writer := bufio.NewWriterSize(dest, streamBufferSize)
	_, err = librsync.Signature(bufio.NewReaderSize(src, streamBufferSize), writer, signatureBlockLen, signatureStrongLen, librsync.BLAKE2_SIG_MAGIC)
	if err != nil {
		dest.Close() //nolint:errcheck
		return fmt.Errorf("compute signature: %w", err)
	}

	if err := writer.Flush(); err != nil {
		dest.Close() //nolint:errcheck
		return fmt.Errorf("flush signature file: %w", err)
	}
	if err := dest.Close(); err != nil {
		return fmt.Errorf("close signature file: %w", err)
	}
	return nil
}

// Delta streams newPath through the delta algorithm against the signature
// at signaturePath, writing the delta into destPath.
func (librsyncEngine) Delta(signaturePath, newPath, destPath string) error {
	signature, err := librsync.ReadSignatureFile(signaturePath)
	if err != nil {
		return fmt.Errorf("load signature: %w", err)
	}

	newFile, err := os.Open(newPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer newFile.Close() //nolint:errcheck

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create delta file: %w", err)
	}

	writer := bufio.NewWriterSize(dest, streamBufferSize)
	if err := librsync.Delta(signature, bufio.NewReaderSize(newFile, streamBufferSize), writer); err != nil {
		dest.Close() //nolint:errcheck
		return fmt.Errorf("compute delta: %w", err)
	}

	if err := writer.Flush(); err != nil {
		dest.Close() //nolint:errcheck
		return fmt.Errorf("flush delta file: %w", err)
	}
	if err := dest.Close(); err != nil {
		return fmt.Errorf("close delta file: %w", err)
	}
	return nil
}
