package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/artifactup/go-uploadutils/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

// decisionKind classifies the latest remote version against the local
// artifact. The chain of precedence is computed once and matched
// exhaustively instead of being spread over conditionals.
type decisionKind int

const (
	// decisionFresh: no reusable version, create a new one.
	decisionFresh decisionKind = iota
	// decisionUpToDate: the remote file already matches the local artifact.
	decisionUpToDate
	// decisionResumable: a previous attempt of the same content is pending
	// and may be resumed after size/digest validation.
	decisionResumable
	// decisionStaleDiscard: a pending version of different content must be
	// deleted before creating a new one.
	decisionStaleDiscard
)

type decision struct {
	kind   decisionKind
	reason string
}

// decide implements the retry classification: digest match against the
// latest file descriptor decides between up-to-date and resumable, a digest
// mismatch on a pending version marks it stale.
func decide(record *network.FileRecord, localDigest string) decision {
	latest := record.LatestVersion()
	if latest == nil {
		return decision{kind: decisionFresh}
	}

	if localDigest == latest.File.ContentDigest && latest.File.ContentDigest != "" {
		if latest.File.Status != network.StatusWaiting {
			return decision{kind: decisionUpToDate}
		}
		return decision{kind: decisionResumable}
	}

	if latest.WaitingForUpload() {
		return decision{kind: decisionStaleDiscard, reason: "latest version is an abandoned attempt of different content"}
	}

	return decision{kind: decisionFresh}
}

// plan is the chosen upload path for one invocation. It is transient and
// rebuilt on every call.
type plan struct {
	useDelta bool

	// fileDigest and fileSize describe the full artifact and are always
	// declared, so the server can validate the materialized file and a
	// later invocation can detect unchanged content.
	fileDigest string
	fileSize   int64

	sourcePath   string
	sourceDigest string
	sourceSize   int64

	signaturePath   string
	signatureDigest string
	signatureSize   int64
}

// sourceComponent is the component type the payload travels as.
func (p plan) sourceComponent() network.ComponentType {
	if p.useDelta {
		return network.ComponentDelta
	}
	return network.ComponentFile
}

// session carries the remote record and the upload plan through the whole
// flow, so no component relies on shared mutable state.
type session struct {
	record  *network.FileRecord
	plan    plan
	tempDir string
}

type negotiator struct {
	client network.Client
	logger log.Logger
}

func newNegotiator(client network.Client, logger log.Logger) *negotiator {
	return &negotiator{client: client, logger: logger}
}

// fetchRecord fetches the record by id, or creates a new one when no id is
// given. A NotFound answer for an existing id falls back to record creation
// exactly once.
func (n *negotiator) fetchRecord(ctx context.Context, artifactPath, existingID, friendlyName string) (*network.FileRecord, error) {
	extension := filepath.Ext(artifactPath)
	mimeType := mimeTypeFromExtension(extension)
	if friendlyName == "" {
		friendlyName = artifactPath
	}

	if existingID == "" {
		n.logger.Debugf("Creating new file record for artifact...")
		record, err := n.client.CreateFileRecord(ctx, friendlyName, mimeType, extension)
		if err != nil {
			return nil, fmt.Errorf("failed to create file record: %w", err)
		}
		return record, nil
	}

	n.logger.Debugf("Fetching file record %s...", existingID)
	record, err := n.client.GetFileRecord(ctx, existingID)
	if errors.Is(err, network.ErrFileRecordNotFound) {
		n.logger.Warnf("Couldn't find file record %s, creating a new one", existingID)
		record, err = n.client.CreateFileRecord(ctx, friendlyName, mimeType, extension)
		if err != nil {
			return nil, fmt.Errorf("failed to create file record: %w", err)
		}
		return record, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return record, nil
}

// discardLatest deletes the latest version and refetches the record. A
// record whose only version would be deleted is left alone: the new version
// simply supersedes it.
func (n *negotiator) discardLatest(ctx context.Context, record *network.FileRecord) (*network.FileRecord, error) {
	err := n.client.DeleteLatestVersion(ctx, record)
	if errors.Is(err, network.ErrOnlyVersion) {
		n.logger.Warnf("Can't delete the only version of record %s, a new version will supersede it", record.ID)
		return record, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete latest version: %w", err)
	}

	refreshed, err := n.client.GetFileRecord(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh record after version delete: %w", err)
	}
	return refreshed, nil
}

// resumableValid reports whether every component the plan will transmit
// exactly matches the size and digest declared on the pending version.
func resumableValid(latest *network.Version, p plan) bool {
	if latest == nil {
		return false
	}

	source := latest.File
	if p.useDelta {
		source = latest.Delta
	}

	return source.SizeInBytes == p.sourceSize &&
		source.ContentDigest == p.sourceDigest &&
		latest.Signature.SizeInBytes == p.signatureSize &&
		latest.Signature.ContentDigest == p.signatureDigest
}

// ensureVersion makes the latest version of the record match the plan:
// either a validated resumable prior attempt, or a freshly created version
// (after discarding an invalid one).
func (n *negotiator) ensureVersion(ctx context.Context, record *network.FileRecord, p plan, resumable bool) (*network.FileRecord, error) {
	if resumable {
		if resumableValid(record.LatestVersion(), p) {
			n.logger.Debugf("Using existing version record")
			return record, nil
		}

		n.logger.Debugf("Pending version doesn't match the local payload, discarding it")
		refreshed, err := n.discardLatest(ctx, record)
		if err != nil {
			return nil, err
		}
		record = refreshed
	}

	request := network.CreateVersionRequest{
		FileDigest:           p.fileDigest,
		FileSizeInBytes:      p.fileSize,
		SignatureDigest:      p.signatureDigest,
		SignatureSizeInBytes: p.signatureSize,
	}
	if p.useDelta {
		request.DeltaDigest = p.sourceDigest
		request.DeltaSizeInBytes = p.sourceSize
	}

	updated, err := n.client.CreateVersion(ctx, record.ID, request)
	if err != nil {
		return nil, fmt.Errorf("creating file version record failed: %w", err)
	}
	return updated, nil
}
