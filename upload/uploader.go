package upload

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/artifactup/go-uploadutils/upload/diff"
	"github.com/artifactup/go-uploadutils/upload/network"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
)

type uploadConfig struct {
	APIBaseURL     stepconf.Secret `env:"ARTIFACT_API_URL,required"`
	APIAccessToken stepconf.Secret `env:"ARTIFACT_API_ACCESS_TOKEN,required"`
	// StorageBucket switches component transfers to the direct
	// S3-compatible transport; presigned URLs are used when empty.
	StorageBucket      string          `env:"ARTIFACT_STORAGE_BUCKET"`
	StorageRegion      string          `env:"ARTIFACT_STORAGE_REGION"`
	AWSAccessKeyID     stepconf.Secret `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey stepconf.Secret `env:"AWS_SECRET_ACCESS_KEY"`
}

// componentTransport moves one component's bytes to the storage backend.
type componentTransport interface {
	UploadComponent(ctx context.Context, record *network.FileRecord, component network.ComponentType, localPath string, digest string, size int64, mimeType string, onProgress network.Progress) error
}

type uploader struct {
	envRepo      env.Repository
	logger       log.Logger
	pathProvider pathutil.PathProvider
	engine       diff.Engine

	// client, transport and poller can be provided for testing; when nil
	// they are built from the parsed config on the first Upload call.
	client    network.Client
	transport componentTransport
	poller    *processingPoller

	remoteConfigMu     sync.Mutex
	remoteConfigLoaded bool
	remoteConfig       network.RemoteConfig
}

// NewUploader creates a new artifact uploader instance. `engine` and
// `client` can be nil, unless you want to provide custom implementations.
func NewUploader(
	envRepo env.Repository,
	logger log.Logger,
	pathProvider pathutil.PathProvider,
	engine diff.Engine,
	client network.Client,
) *uploader {
	if engine == nil {
		engine = diff.NewEngine()
	}
	return &uploader{
		envRepo:      envRepo,
		logger:       logger,
		pathProvider: pathProvider,
		engine:       engine,
		client:       client,
	}
}

// Upload negotiates a version record for the artifact, transfers the
// payload (full file or delta) plus its signature, waits for server-side
// processing and returns the remote file URL. Temp files are cleaned up on
// every exit path.
func (u *uploader) Upload(ctx context.Context, input UploadInput) (string, error) {
	u.logger.TDebugf("Upload start")
	defer func() {
		u.logger.TDebugf("Upload done")
	}()

	if err := checkArtifact(input.ArtifactPath); err != nil {
		return "", fmt.Errorf("failed to validate artifact: %w", err)
	}

	config, err := u.createConfig()
	if err != nil {
		return "", fmt.Errorf("failed to parse inputs: %w", err)
	}

	client := u.client
	if client == nil {
		client = network.NewClient(retryhttp.NewClient(u.logger), string(config.APIBaseURL), string(config.APIAccessToken), u.logger)
	}

	remoteConfig, err := u.ensureRemoteConfig(ctx, client)
	if err != nil {
		return "", err
	}

	tracker := newUploadTracker(u.envRepo, u.logger)
	defer tracker.wait()

	negotiator := newNegotiator(client, u.logger)

	u.status(input, stagePreparingRemote, "Getting file record...")
	record, err := negotiator.fetchRecord(ctx, input.ArtifactPath, input.ExistingRecordID, input.FriendlyName)
	if err != nil {
		return "", err
	}
	u.logger.Debugf("Fetched record successfully: %s", record.Name)

	tempDir, err := u.pathProvider.CreateTempDir("artifact-upload-" + record.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create temp workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			u.logger.Warnf("Failed to clean up temp workspace: %s", err)
		}
	}()

	sess := &session{record: record, tempDir: tempDir}

	return u.run(ctx, input, config, client, negotiator, &tracker, sess, remoteConfig.DeltaCompression)
}

func (u *uploader) run(
	ctx context.Context,
	input UploadInput,
	config uploadConfig,
	client network.Client,
	negotiator *negotiator,
	tracker *uploadTracker,
	sess *session,
	deltaEnabled bool,
) (string, error) {
	var err error

	// A pending version whose shape doesn't match the current
	// delta-compression setting can only be discarded: the previous attempt
	// ran with the opposite setting.
	if latest := sess.record.LatestVersion(); latest != nil &&
		latest.WaitingForUpload() && latest.Delta.Declared() != deltaEnabled {
		u.status(input, stagePreparingRemote, "Cleaning up previous version")
		sess.record, err = negotiator.discardLatest(ctx, sess.record)
		if err != nil {
			return "", err
		}
	}

	// Self-heal from a server-side failure of the last upload.
	if latest := sess.record.LatestVersion(); latest != nil && latest.InErrorState() {
		u.logger.Warnf("Record %s: server failed to process the last upload, deleting failed version", sess.record.ID)
		u.status(input, stagePreparingRemote, "Cleaning up previous version")
		sess.record, err = negotiator.discardLatest(ctx, sess.record)
		if err != nil {
			return "", err
		}
	}

	if latest := sess.record.LatestVersion(); latest != nil && latest.HasPendingProcessing() {
		return "", ErrPendingProcessing
	}

	u.status(input, stagePreparingFile, "Generating file hash")
	fileDigest, err := digestOfFile(input.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("file digest generation failed: %w", err)
	}
	fileSize, err := fileSizeOf(input.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("failed to get artifact size: %w", err)
	}

	u.status(input, stagePreparingFile, "Checking for changes")
	resumable := false
	switch d := decide(sess.record, fileDigest); d.kind {
	case decisionUpToDate:
		u.logger.Debugf("New file hash matches remote file hash, nothing to upload")
		tracker.logUpToDate()
		return "", ErrAlreadyUpToDate
	case decisionResumable:
		u.logger.Debugf("Retrying previous upload")
		resumable = true
	case decisionStaleDiscard:
		u.logger.Debugf("Discarding pending version: %s", d.reason)
		u.status(input, stagePreparingRemote, "Cleaning up previous version")
		sess.record, err = negotiator.discardLatest(ctx, sess.record)
		if err != nil {
			return "", err
		}
	case decisionFresh:
	}

	u.status(input, stagePreparingFile, "Generating signature file")
	signaturePath := filepath.Join(sess.tempDir, "artifact.sig")
	if err := u.engine.Signature(input.ArtifactPath, signaturePath); err != nil {
		return "", fmt.Errorf("failed to generate file signature: %w", err)
	}
	signatureDigest, err := digestOfFile(signaturePath)
	if err != nil {
		return "", fmt.Errorf("signature digest generation failed: %w", err)
	}
	signatureSize, err := fileSizeOf(signaturePath)
	if err != nil {
		return "", fmt.Errorf("failed to get signature size: %w", err)
	}

	deltaPath, deltaSize := u.prepareDelta(ctx, input, client, sess, deltaEnabled)

	useDelta := deltaPath != "" && deltaSize > 0 && deltaSize < fileSize
	if deltaPath != "" && fileSize > 0 {
		u.logger.Debugf("Delta size %s (%.1f%%), full file size %s",
			units.HumanSizeWithPrecision(float64(deltaSize), 3),
			float64(deltaSize)/float64(fileSize)*100,
			units.HumanSizeWithPrecision(float64(fileSize), 3))
	}
	if useDelta {
		u.logger.Infof("Uploading file delta")
	} else {
		u.logger.Infof("Uploading full file")
	}

	sess.plan = plan{
		useDelta:        useDelta,
		fileDigest:      fileDigest,
		fileSize:        fileSize,
		sourcePath:      input.ArtifactPath,
		sourceDigest:    fileDigest,
		sourceSize:      fileSize,
		signaturePath:   signaturePath,
		signatureDigest: signatureDigest,
		signatureSize:   signatureSize,
	}
	if useDelta {
		deltaDigest, err := digestOfFile(deltaPath)
		if err != nil {
			return "", fmt.Errorf("delta digest generation failed: %w", err)
		}
		sess.plan.sourcePath = deltaPath
		sess.plan.sourceDigest = deltaDigest
		sess.plan.sourceSize = deltaSize
	}

	u.status(input, stagePreparingRemote, "Creating file version record...")
	sess.record, err = negotiator.ensureVersion(ctx, sess.record, sess.plan, resumable)
	if err != nil {
		return "", err
	}

	transport, err := u.createTransport(ctx, config, client)
	if err != nil {
		return "", err
	}
	poller := u.poller
	if poller == nil {
		poller = newPoller(client, u.logger)
	}

	transferStartTime := time.Now()

	source := sess.plan.sourceComponent()
	sourceMimeType := sess.record.MimeType
	if useDelta {
		sourceMimeType = mimeTypeFromExtension(".delta")
		u.status(input, stageUploading, "Uploading file delta...")
	} else {
		u.status(input, stageUploading, "Uploading file...")
	}
	err = transport.UploadComponent(ctx, sess.record, source, sess.plan.sourcePath,
		sess.plan.sourceDigest, sess.plan.sourceSize, sourceMimeType, network.Progress(input.OnProgress))
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", source, err)
	}
	sess.record, err = poller.awaitComponent(ctx, sess.record, source)
	if err != nil {
		return "", err
	}

	u.status(input, stageUploading, "Uploading file signature...")
	err = transport.UploadComponent(ctx, sess.record, network.ComponentSignature, sess.plan.signaturePath,
		sess.plan.signatureDigest, sess.plan.signatureSize, mimeTypeFromExtension(".sig"), network.Progress(input.OnProgress))
	if err != nil {
		return "", fmt.Errorf("failed to upload signature: %w", err)
	}
	sess.record, err = poller.awaitComponent(ctx, sess.record, network.ComponentSignature)
	if err != nil {
		return "", err
	}

	transferTime := time.Since(transferStartTime).Round(time.Second)
	tracker.logArtifactTransferred(transferTime, sess.plan.sourceSize+sess.plan.signatureSize, fileSize, useDelta)
	u.logger.Donef("Artifact transferred in %s", transferTime)

	u.status(input, stageUploading, "Validating upload...")
	if err := validateUploaded(sess.record, useDelta); err != nil {
		return "", err
	}

	u.status(input, stageProcessing, "Checking file status")
	processingStartTime := time.Now()
	sess.record, err = poller.awaitProcessing(ctx, sess.record)
	if err != nil {
		return "", err
	}
	tracker.logProcessingFinished(time.Since(processingStartTime).Round(time.Second))

	fileURL := sess.record.FileURL()
	if fileURL == "" {
		return "", fmt.Errorf("upload finished but record %s has no file URL", sess.record.ID)
	}

	u.logger.Donef("Artifact uploaded")
	return fileURL, nil
}

// prepareDelta downloads the previous version's signature and computes a
// delta candidate. Every failure here degrades to a full-file upload
// instead of failing the flow.
func (u *uploader) prepareDelta(ctx context.Context, input UploadInput, client network.Client, sess *session, deltaEnabled bool) (string, int64) {
	if !deltaEnabled || !sess.record.HasExistingVersion() {
		return "", 0
	}

	u.status(input, stagePreparingRemote, "Downloading previous version signature")
	previousSignaturePath := filepath.Join(sess.tempDir, "previous.sig")
	if err := client.DownloadSignature(ctx, sess.record, previousSignaturePath); err != nil {
		u.logger.Warnf("Couldn't download previous signature, uploading full file: %s", err)
		return "", 0
	}

	u.status(input, stagePreparingFile, "Creating file delta")
	deltaPath := filepath.Join(sess.tempDir, "artifact.delta")
	if err := u.engine.Delta(previousSignaturePath, input.ArtifactPath, deltaPath); err != nil {
		u.logger.Warnf("Delta creation failed, uploading full file: %s", err)
		return "", 0
	}

	deltaSize, err := fileSizeOf(deltaPath)
	if err != nil {
		u.logger.Warnf("Couldn't get delta size, uploading full file: %s", err)
		return "", 0
	}
	return deltaPath, deltaSize
}

// createTransport picks the presigned-URL transport, or the direct S3 one
// when bucket coordinates are configured.
func (u *uploader) createTransport(ctx context.Context, config uploadConfig, client network.Client) (componentTransport, error) {
	if u.transport != nil {
		return u.transport, nil
	}

	if config.StorageBucket == "" {
		// Part PUTs go through a plain client on purpose: transparent
		// retries would cross the resume boundary, recovery is re-invoke
		// and resume.
		return network.NewTransport(client, &http.Client{}, u.logger), nil
	}

	s3Transport, err := network.NewS3Transport(ctx, network.S3UploadParams{
		Region:          config.StorageRegion,
		Bucket:          config.StorageBucket,
		AccessKeyID:     string(config.AWSAccessKeyID),
		SecretAccessKey: string(config.AWSSecretAccessKey),
	}, u.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage transport: %w", err)
	}
	return &s3ComponentTransport{s3: s3Transport, client: client}, nil
}

// s3ComponentTransport adapts the direct-to-bucket transport to the
// component transfer flow: after the bytes land in the bucket the record
// service still gets its finish call.
type s3ComponentTransport struct {
	s3 interface {
		UploadComponent(ctx context.Context, record *network.FileRecord, component network.ComponentType, localPath string, digest string, size int64, mimeType string) error
	}
	client network.Client
}

func (t *s3ComponentTransport) UploadComponent(ctx context.Context, record *network.FileRecord, component network.ComponentType, localPath string, digest string, size int64, mimeType string, onProgress network.Progress) error {
	if err := t.s3.UploadComponent(ctx, record, component, localPath, digest, size, mimeType); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(size, size)
	}
	return t.client.FinishUpload(ctx, record.ID, record.LatestVersionNumber(), component, nil)
}

func (u *uploader) createConfig() (uploadConfig, error) {
	var config uploadConfig
	if err := stepconf.NewInputParser(u.envRepo).Parse(&config); err != nil {
		return uploadConfig{}, err
	}
	return config, nil
}

// ensureRemoteConfig fetches the server-controlled feature switches once
// per uploader lifetime. Safe to call repeatedly; a failed fetch is retried
// on the next call.
func (u *uploader) ensureRemoteConfig(ctx context.Context, client network.Client) (network.RemoteConfig, error) {
	u.remoteConfigMu.Lock()
	defer u.remoteConfigMu.Unlock()

	if u.remoteConfigLoaded {
		return u.remoteConfig, nil
	}

	remoteConfig, err := client.GetRemoteConfig(ctx)
	if err != nil {
		return network.RemoteConfig{}, fmt.Errorf("failed to fetch remote configuration: %w", err)
	}

	u.remoteConfig = remoteConfig
	u.remoteConfigLoaded = true
	return u.remoteConfig, nil
}

func (u *uploader) status(input UploadInput, stage, detail string) {
	u.logger.Debugf("%s %s", stage, detail)
	if input.OnStatus != nil {
		input.OnStatus(stage, detail)
	}
}
