package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/artifactup/go-uploadutils/upload/network"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakePathProvider creates temp dirs under a test-owned base so tests can
// assert they were cleaned up.
type fakePathProvider struct {
	base    string
	created []string
}

func (p *fakePathProvider) CreateTempDir(prefix string) (string, error) {
	dir := filepath.Join(p.base, fmt.Sprintf("%s-%d", prefix, len(p.created)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	p.created = append(p.created, dir)
	return dir, nil
}

// fakeEngine writes fixed signature/delta payloads instead of running
// librsync.
type fakeEngine struct {
	signatureContent []byte
	deltaContent     []byte
	signatureErr     error
	deltaErr         error

	signatureCalls int
	deltaCalls     int
}

func (e *fakeEngine) Signature(srcPath, destPath string) error {
	e.signatureCalls++
	if e.signatureErr != nil {
		return e.signatureErr
	}
	content := e.signatureContent
	if content == nil {
		content = []byte("fake signature")
	}
	return os.WriteFile(destPath, content, 0600)
}

func (e *fakeEngine) Delta(signaturePath, newPath, destPath string) error {
	e.deltaCalls++
	if e.deltaErr != nil {
		return e.deltaErr
	}
	if _, err := os.Stat(signaturePath); err != nil {
		return err
	}
	return os.WriteFile(destPath, e.deltaContent, 0600)
}

// fakeClient is an in-memory record service. FinishUpload moves the finished
// component to complete; finishing the transmitted payload also materializes
// the file component, like the real pipeline does after delta application.
type fakeClient struct {
	remoteConfig    network.RemoteConfig
	remoteConfigErr error

	records          map[string]*network.FileRecord
	signatureContent []byte

	createRecordCalls      int
	getRecordCalls         int
	createVersionCalls     int
	deleteVersionCalls     int
	uploadTargetCalls      int
	finishUploadCalls      int
	uploadStatusCalls      int
	downloadSignatureCalls int

	lastCreateVersionRequest network.CreateVersionRequest

	getFileRecordFn      func(id string) (*network.FileRecord, error)
	downloadSignatureErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		records: map[string]*network.FileRecord{},
	}
}

func (c *fakeClient) GetRemoteConfig(ctx context.Context) (network.RemoteConfig, error) {
	return c.remoteConfig, c.remoteConfigErr
}

func (c *fakeClient) CreateFileRecord(ctx context.Context, name, mimeType, extension string) (*network.FileRecord, error) {
	c.createRecordCalls++
	record := &network.FileRecord{
		ID:        fmt.Sprintf("record-%d", len(c.records)+1),
		Name:      name,
		MimeType:  mimeType,
		Extension: extension,
	}
	c.records[record.ID] = record
	return copyRecord(record), nil
}

func (c *fakeClient) GetFileRecord(ctx context.Context, id string) (*network.FileRecord, error) {
	c.getRecordCalls++
	if c.getFileRecordFn != nil {
		return c.getFileRecordFn(id)
	}
	record, ok := c.records[id]
	if !ok {
		return nil, network.ErrFileRecordNotFound
	}
	return copyRecord(record), nil
}

func (c *fakeClient) CreateVersion(ctx context.Context, recordID string, request network.CreateVersionRequest) (*network.FileRecord, error) {
	c.createVersionCalls++
	c.lastCreateVersionRequest = request

	record, ok := c.records[recordID]
	if !ok {
		return nil, network.ErrFileRecordNotFound
	}

	version := network.Version{
		Number: record.LatestVersionNumber() + 1,
		File: network.Descriptor{
			ContentDigest: request.FileDigest,
			SizeInBytes:   request.FileSizeInBytes,
			Status:        network.StatusWaiting,
			Category:      network.CategorySimple,
		},
		Signature: network.Descriptor{
			ContentDigest: request.SignatureDigest,
			SizeInBytes:   request.SignatureSizeInBytes,
			Status:        network.StatusWaiting,
			Category:      network.CategorySimple,
		},
	}
	if request.DeltaDigest != "" {
		version.Delta = network.Descriptor{
			ContentDigest: request.DeltaDigest,
			SizeInBytes:   request.DeltaSizeInBytes,
			Status:        network.StatusWaiting,
			Category:      network.CategorySimple,
		}
	}

	record.Versions = append(record.Versions, version)
	return copyRecord(record), nil
}

func (c *fakeClient) DeleteLatestVersion(ctx context.Context, record *network.FileRecord) error {
	c.deleteVersionCalls++
	stored, ok := c.records[record.ID]
	if !ok {
		return network.ErrFileRecordNotFound
	}
	if len(stored.Versions) == 0 {
		return fmt.Errorf("record %s has no version to delete", record.ID)
	}
	if len(stored.Versions) == 1 {
		return network.ErrOnlyVersion
	}
	stored.Versions = stored.Versions[:len(stored.Versions)-1]
	return nil
}

func (c *fakeClient) RequestUploadTarget(ctx context.Context, recordID string, version int, component network.ComponentType, partNumber int) (network.UploadTarget, error) {
	c.uploadTargetCalls++
	return network.UploadTarget{
		URL: fmt.Sprintf("https://storage.example.com/%s/%d/%s/%d", recordID, version, component, partNumber),
	}, nil
}

func (c *fakeClient) FinishUpload(ctx context.Context, recordID string, version int, component network.ComponentType, etags []string) error {
	c.finishUploadCalls++
	c.completeComponent(recordID, component)
	return nil
}

func (c *fakeClient) GetUploadStatus(ctx context.Context, recordID string, version int, component network.ComponentType) (network.UploadStatus, error) {
	c.uploadStatusCalls++
	return network.UploadStatus{}, nil
}

func (c *fakeClient) DownloadSignature(ctx context.Context, record *network.FileRecord, destPath string) error {
	c.downloadSignatureCalls++
	if c.downloadSignatureErr != nil {
		return c.downloadSignatureErr
	}
	content := c.signatureContent
	if content == nil {
		content = []byte("previous signature")
	}
	return os.WriteFile(destPath, content, 0600)
}

// completeComponent flips the given component of the latest version to
// complete. Completing file or delta also marks the file component complete
// and serves it from a URL.
func (c *fakeClient) completeComponent(recordID string, component network.ComponentType) {
	record, ok := c.records[recordID]
	if !ok {
		return
	}
	latest := record.LatestVersion()
	if latest == nil {
		return
	}

	if descriptor := latest.Component(component); descriptor != nil {
		descriptor.Status = network.StatusComplete
	}
	if component == network.ComponentFile || component == network.ComponentDelta {
		latest.File.Status = network.StatusComplete
		latest.File.URL = fmt.Sprintf("https://cdn.example.com/%s/%d", recordID, latest.Number)
	}
	if component == network.ComponentSignature {
		latest.Signature.URL = fmt.Sprintf("https://cdn.example.com/%s/%d.sig", recordID, latest.Number)
	}
}

func copyRecord(record *network.FileRecord) *network.FileRecord {
	clone := *record
	clone.Versions = append([]network.Version{}, record.Versions...)
	return &clone
}

// fakeTransport records component uploads and drives the fake service's
// state machine instead of moving bytes.
type fakeTransport struct {
	client *fakeClient

	uploads       []fakeUpload
	failComponent network.ComponentType
	failErr       error
}

type fakeUpload struct {
	component network.ComponentType
	localPath string
	digest    string
	size      int64
	mimeType  string
}

func (t *fakeTransport) UploadComponent(ctx context.Context, record *network.FileRecord, component network.ComponentType, localPath string, digest string, size int64, mimeType string, onProgress network.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.failErr != nil && component == t.failComponent {
		return t.failErr
	}

	t.uploads = append(t.uploads, fakeUpload{
		component: component,
		localPath: localPath,
		digest:    digest,
		size:      size,
		mimeType:  mimeType,
	})
	if onProgress != nil {
		onProgress(size, size)
	}
	t.client.completeComponent(record.ID, component)
	return nil
}
