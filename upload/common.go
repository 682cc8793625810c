package upload

import (
	"crypto/md5" //nolint:gosec // digest algorithm dictated by the remote protocol
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// digestOfFile computes the base64-encoded MD5 content digest the record
// service declares and validates components with.
func digestOfFile(path string) (string, error) {
	hash := md5.New() //nolint:gosec

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}

func fileSizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// checkArtifact validates the upload candidate at entry: it must be
// openable and carry an extension (the record service derives the mime type
// and object naming from it).
func checkArtifact(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("artifact path is empty")
	}
	if filepath.Ext(path) == "" {
		return fmt.Errorf("artifact %s has no file extension", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	return file.Close()
}

var mimeTypes = map[string]string{
	".zip":    "application/zip",
	".gz":     "application/gzip",
	".tar":    "application/x-tar",
	".bundle": "application/octet-stream",
	".apk":    "application/vnd.android.package-archive",
	".ipa":    "application/octet-stream",
	".sig":    "application/x-rsync-signature",
	".delta":  "application/x-rsync-delta",
}

// mimeTypeFromExtension maps a file extension to the mime type declared on
// the record. Unknown extensions fall back to a generic binary type.
func mimeTypeFromExtension(extension string) string {
	if mimeType, ok := mimeTypes[strings.ToLower(extension)]; ok {
		return mimeType
	}
	return "application/octet-stream"
}
