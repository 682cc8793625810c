package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// DefaultChunkSizeBytes is the fixed multipart part size.
const DefaultChunkSizeBytes = 50 * units.MiB

// Progress reports transferred bytes against the component total.
type Progress func(done, total int64)

// DescriptorMismatchError is raised when the local candidate no longer
// matches the size or digest declared on the negotiated version descriptor.
type DescriptorMismatchError struct {
	Component ComponentType
	Field     string
	Local     string
	Remote    string
}

func (e *DescriptorMismatchError) Error() string {
	return fmt.Sprintf("%s %s does not match version descriptor (local %s, remote %s)",
		e.Component, e.Field, e.Local, e.Remote)
}

// Transport moves component bytes to the single-use URLs issued by the
// record service, in both simple and multipart categories.
type Transport struct {
	client     Client
	httpClient *http.Client
	chunkSize  int64
	logger     log.Logger
}

// NewTransport ...
func NewTransport(client Client, httpClient *http.Client, logger log.Logger) *Transport {
	return &Transport{
		client:     client,
		httpClient: httpClient,
		chunkSize:  DefaultChunkSizeBytes,
		logger:     logger,
	}
}

// UploadComponent transfers one component of the latest version. digest and
// size are the locally measured values of the payload at localPath; both are
// validated against the negotiated descriptor before any bytes move. A
// component whose descriptor already left the waiting state is a no-op, so a
// re-invoked upload skips work completed by a previous attempt.
func (t *Transport) UploadComponent(ctx context.Context, record *FileRecord, component ComponentType, localPath string, digest string, size int64, mimeType string, onProgress Progress) error {
	version := record.LatestVersion()
	if version == nil {
		return fmt.Errorf("record %s has no version to upload into", record.ID)
	}
	descriptor := version.Component(component)
	if descriptor == nil {
		return fmt.Errorf("version %d has no %s descriptor", version.Number, component)
	}

	if descriptor.Status != StatusWaiting {
		t.logger.Debugf("Component %s is in %s state, nothing to upload", component, descriptor.Status)
		return nil
	}

	if err := t.validateDescriptor(component, descriptor, localPath, digest, size); err != nil {
		return err
	}

	switch descriptor.Category {
	case CategorySimple:
		return t.simpleUpload(ctx, record, version.Number, component, localPath, digest, size, mimeType, onProgress)
	case CategoryMultipart:
		return t.multipartUpload(ctx, record, version.Number, component, localPath, size, mimeType, onProgress)
	default:
		return fmt.Errorf("unsupported upload category: %s", descriptor.Category)
	}
}

// validateDescriptor is the digest gate: the payload measured locally must
// be exactly what negotiation declared, otherwise the data changed between
// negotiation and transmission.
func (t *Transport) validateDescriptor(component ComponentType, descriptor *Descriptor, localPath string, digest string, size int64) error {
	if size != descriptor.SizeInBytes {
		return &DescriptorMismatchError{
			Component: component,
			Field:     "size",
			Local:     fmt.Sprintf("%d", size),
			Remote:    fmt.Sprintf("%d", descriptor.SizeInBytes),
		}
	}
	if digest != descriptor.ContentDigest {
		return &DescriptorMismatchError{
			Component: component,
			Field:     "digest",
			Local:     digest,
			Remote:    descriptor.ContentDigest,
		}
	}

	fileInfo, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s payload: %w", component, err)
	}
	if fileInfo.Size() != size {
		return &DescriptorMismatchError{
			Component: component,
			Field:     "size",
			Local:     fmt.Sprintf("%d", fileInfo.Size()),
			Remote:    fmt.Sprintf("%d", size),
		}
	}
	return nil
}

func (t *Transport) simpleUpload(ctx context.Context, record *FileRecord, versionNumber int, component ComponentType, localPath string, digest string, size int64, mimeType string, onProgress Progress) error {
	target, err := t.client.RequestUploadTarget(ctx, record.ID, versionNumber, component, 0)
	if err != nil {
		return err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			t.logger.Warnf("failed to close payload: %s", err)
		}
	}()

	_, err = t.put(ctx, target, file, size, mimeType, digest, func(done int64) {
		if onProgress != nil {
			onProgress(done, size)
		}
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", component, err)
	}

	return t.client.FinishUpload(ctx, record.ID, versionNumber, component, nil)
}

func (t *Transport) multipartUpload(ctx context.Context, record *FileRecord, versionNumber int, component ComponentType, localPath string, size int64, mimeType string, onProgress Progress) error {
	status, err := t.client.GetUploadStatus(ctx, record.ID, versionNumber, component)
	if err != nil {
		return err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			t.logger.Warnf("failed to close payload: %s", err)
		}
	}()

	// The floor policy is load-bearing: the final part absorbs any
	// remainder, so it can be up to one chunk short of twice the chunk size.
	numParts := numParts(size, t.chunkSize)
	buffer := make([]byte, 2*t.chunkSize)

	etags := append([]string{}, status.ETags...)
	var totalUploaded int64

	for partNumber := 1; partNumber <= numParts; partNumber++ {
		bytesToRead := t.chunkSize
		if partNumber == numParts {
			bytesToRead = size - totalUploaded
		}

		read, err := io.ReadFull(file, buffer[:bytesToRead])
		if err != nil {
			return fmt.Errorf("read part %d: %w", partNumber, err)
		}

		// Parts the service already accepted are skipped, but their bytes
		// were read above to keep the cursor aligned.
		if partNumber <= status.NextPartNumber {
			totalUploaded += int64(read)
			t.logger.Debugf("Part %d/%d already uploaded, skipping", partNumber, numParts)
			continue
		}

		t.logger.Debugf("Uploading part %d/%d (%s)", partNumber, numParts,
			units.HumanSizeWithPrecision(float64(read), 3))

		target, err := t.client.RequestUploadTarget(ctx, record.ID, versionNumber, component, partNumber)
		if err != nil {
			return err
		}

		alreadyUploaded := totalUploaded
		etag, err := t.put(ctx, target, bytes.NewReader(buffer[:read]), int64(read), mimeType, "", func(done int64) {
			if onProgress != nil {
				onProgress(alreadyUploaded+done, size)
			}
		})
		if err != nil {
			return fmt.Errorf("upload part %d: %w", partNumber, err)
		}
		if etag == "" {
			return fmt.Errorf("upload part %d: no ETag in response", partNumber)
		}

		etags = append(etags, etag)
		totalUploaded += int64(read)
	}

	return t.client.FinishUpload(ctx, record.ID, versionNumber, component, etags)
}

func (t *Transport) put(ctx context.Context, target UploadTarget, body io.Reader, size int64, mimeType string, contentDigest string, onProgress func(done int64)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, &progressReader{reader: body, onProgress: onProgress})
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	if contentDigest != "" {
		req.Header.Set("Content-MD5", contentDigest)
	}
	req.ContentLength = size

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("upload aborted: %w", ctx.Err())
		}
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", unwrapError(resp)
	}

	return resp.Header.Get("ETag"), nil
}

func numParts(size, chunkSize int64) int {
	parts := int(size / chunkSize)
	if parts < 1 {
		parts = 1
	}
	return parts
}

// progressReader reports the cumulative byte count after every read.
type progressReader struct {
	reader     io.Reader
	done       int64
	onProgress func(done int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.done += int64(n)
		if r.onProgress != nil {
			r.onProgress(r.done)
		}
	}
	return n, err
}
