package diff

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

// repetitiveContent builds a payload that spans many signature blocks.
func repetitiveContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte('a' + i%23)
	}
	return content
}

func TestSignature(t *testing.T) {
	engine := NewEngine()
	dir := t.TempDir()

	t.Run("produces a signature stream", func(t *testing.T) {
		srcPath := writeFile(t, dir, "artifact.bin", repetitiveContent(100*1024))
		sigPath := filepath.Join(dir, "artifact.sig")

		require.NoError(t, engine.Signature(srcPath, sigPath))

		info, err := os.Stat(sigPath)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
		// The signature is a per-block digest stream, far smaller than the
		// input.
		assert.Less(t, info.Size(), int64(100*1024))
	})

	t.Run("deterministic for the same input", func(t *testing.T) {
		srcPath := writeFile(t, dir, "stable.bin", repetitiveContent(64*1024))
		firstPath := filepath.Join(dir, "first.sig")
		secondPath := filepath.Join(dir, "second.sig")

		require.NoError(t, engine.Signature(srcPath, firstPath))
		require.NoError(t, engine.Signature(srcPath, secondPath))

		first, err := os.ReadFile(firstPath)
		require.NoError(t, err)
		second, err := os.ReadFile(secondPath)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, second))
	})

	t.Run("missing input", func(t *testing.T) {
		err := engine.Signature(filepath.Join(dir, "missing.bin"), filepath.Join(dir, "out.sig"))
		require.Error(t, err)
	})
}

func TestDelta(t *testing.T) {
	engine := NewEngine()
	dir := t.TempDir()

	oldContent := repetitiveContent(256 * 1024)
	oldPath := writeFile(t, dir, "old.bin", oldContent)
	sigPath := filepath.Join(dir, "old.sig")
	require.NoError(t, engine.Signature(oldPath, sigPath))

	t.Run("unchanged file yields a near-empty delta", func(t *testing.T) {
		deltaPath := filepath.Join(dir, "same.delta")

		require.NoError(t, engine.Delta(sigPath, oldPath, deltaPath))

		info, err := os.Stat(deltaPath)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
		assert.Less(t, info.Size(), int64(len(oldContent))/10,
			"delta of an unchanged file should collapse to copy instructions")
	})

	t.Run("appended content yields a delta smaller than the new file", func(t *testing.T) {
		newContent := append(append([]byte{}, oldContent...), []byte("fresh trailing bytes")...)
		newPath := writeFile(t, dir, "new.bin", newContent)
		deltaPath := filepath.Join(dir, "append.delta")

		require.NoError(t, engine.Delta(sigPath, newPath, deltaPath))

		info, err := os.Stat(deltaPath)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
		assert.Less(t, info.Size(), int64(len(newContent)))
	})

	t.Run("corrupt signature file", func(t *testing.T) {
		badSigPath := writeFile(t, dir, "bad.sig", []byte("not a signature"))
		err := engine.Delta(badSigPath, oldPath, filepath.Join(dir, "bad.delta"))
		require.Error(t, err)
	})

	t.Run("missing new file", func(t *testing.T) {
		err := engine.Delta(sigPath, filepath.Join(dir, "missing.bin"), filepath.Join(dir, "missing.delta"))
		require.Error(t, err)
	})
}
