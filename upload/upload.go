// Package upload implements the resumable, delta-aware artifact upload flow
// against the record service: negotiate a version record, pick full-file or
// binary-delta transmission, move the bytes in resumable parts and wait out
// the server-side processing pipeline.
package upload

import (
	"context"
	"errors"
)

// ErrAlreadyUpToDate is returned when the remote file already matches the
// local artifact and there is nothing to transmit. It is a short-circuit,
// not a failure.
var ErrAlreadyUpToDate = errors.New("the file to upload matches the remote file already")

// ErrProcessingTimeout is returned when server-side processing does not
// reach a terminal state within the size-scaled deadline.
var ErrProcessingTimeout = errors.New("timed out waiting for upload processing to complete")

// ErrUploadValidation is returned when the uploaded components do not reach
// the expected states after transfer.
var ErrUploadValidation = errors.New("upload validation failed")

// ErrPendingProcessing is returned when a previous upload of the record is
// still being processed and a new one cannot be initiated.
var ErrPendingProcessing = errors.New("a previous upload is still being processed, please try again later")

// StatusFunc receives coarse stage transitions and a human-readable detail.
type StatusFunc func(stage, detail string)

// ProgressFunc receives transferred bytes against the current component
// total, including parts completed by previous attempts.
type ProgressFunc func(done, total int64)

// UploadInput is the caller-provided description of a single upload.
type UploadInput struct {
	// ArtifactPath is the local build artifact. It must exist and carry a
	// file extension.
	ArtifactPath string
	// ExistingRecordID selects the remote record to upload a new version
	// into. When empty, a new record is created.
	ExistingRecordID string
	// FriendlyName is the display name used when creating a new record.
	// Defaults to the artifact path.
	FriendlyName string

	OnStatus   StatusFunc
	OnProgress ProgressFunc
}

// Uploader ...
type Uploader interface {
	Upload(ctx context.Context, input UploadInput) (string, error)
}

// Status stages reported through UploadInput.OnStatus.
const (
	stagePreparingFile   = "Preparing file for upload..."
	stagePreparingRemote = "Preparing server for upload..."
	stageUploading       = "Uploading artifact..."
	stageProcessing      = "Processing upload..."
)
