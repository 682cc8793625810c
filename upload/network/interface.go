package network

import "context"

// Client is the record-service surface the upload flow consumes.
type Client interface {
	GetRemoteConfig(ctx context.Context) (RemoteConfig, error)
	CreateFileRecord(ctx context.Context, name, mimeType, extension string) (*FileRecord, error)
	GetFileRecord(ctx context.Context, id string) (*FileRecord, error)
	CreateVersion(ctx context.Context, recordID string, request CreateVersionRequest) (*FileRecord, error)
	DeleteLatestVersion(ctx context.Context, record *FileRecord) error
	RequestUploadTarget(ctx context.Context, recordID string, version int, component ComponentType, partNumber int) (UploadTarget, error)
	FinishUpload(ctx context.Context, recordID string, version int, component ComponentType, etags []string) error
	GetUploadStatus(ctx context.Context, recordID string, version int, component ComponentType) (UploadStatus, error)
	DownloadSignature(ctx context.Context, record *FileRecord, destPath string) error
}
