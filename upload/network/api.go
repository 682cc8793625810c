package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// ErrFileRecordNotFound ...
var ErrFileRecordNotFound = errors.New("no file record found for the provided id")

// ErrOnlyVersion is returned when deleting the latest version would delete
// the last remaining version of the record.
var ErrOnlyVersion = errors.New("record has a single version, deleting it would delete the file")

// settleDelay is how long to wait after a version-mutating call before
// issuing dependent reads, to let the write get through the servers.
const settleDelay = 750 * time.Millisecond

// APIError is a non-2xx answer from the record service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	settleDelay time.Duration
	logger      log.Logger
}

// NewClient creates a record-service client on top of the provided retrying
// HTTP client.
func NewClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) Client {
	return &apiClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		settleDelay: settleDelay,
		logger:      logger,
	}
}

func (c *apiClient) GetRemoteConfig(ctx context.Context) (RemoteConfig, error) {
	var config RemoteConfig
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/config", c.baseURL), nil, &config)
	if err != nil {
		return RemoteConfig{}, fmt.Errorf("fetch remote config: %w", err)
	}
	return config, nil
}

func (c *apiClient) CreateFileRecord(ctx context.Context, name, mimeType, extension string) (*FileRecord, error) {
	requestBody := map[string]string{
		"name":      name,
		"mimeType":  mimeType,
		"extension": extension,
	}

	var record FileRecord
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/file", c.baseURL), requestBody, &record)
	if err != nil {
		return nil, fmt.Errorf("create file record: %w", err)
	}
	return &record, nil
}

func (c *apiClient) GetFileRecord(ctx context.Context, id string) (*FileRecord, error) {
	var record FileRecord
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/file/%s", c.baseURL, id), nil, &record)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrFileRecordNotFound
		}
		return nil, fmt.Errorf("get file record: %w", err)
	}
	return &record, nil
}

func (c *apiClient) CreateVersion(ctx context.Context, recordID string, request CreateVersionRequest) (*FileRecord, error) {
	var record FileRecord
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/file/%s", c.baseURL, recordID), request, &record)
	if err != nil {
		return nil, fmt.Errorf("create version record: %w", err)
	}
	if err := c.settle(ctx); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *apiClient) DeleteLatestVersion(ctx context.Context, record *FileRecord) error {
	versionNumber := record.LatestVersionNumber()
	if versionNumber <= 0 {
		return fmt.Errorf("record %s has no version to delete", record.ID)
	}
	if len(record.Versions) == 1 {
		return ErrOnlyVersion
	}

	url := fmt.Sprintf("%s/file/%s/%d", c.baseURL, record.ID, versionNumber)
	if err := c.doJSON(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("delete version %d: %w", versionNumber, err)
	}
	return c.settle(ctx)
}

func (c *apiClient) RequestUploadTarget(ctx context.Context, recordID string, version int, component ComponentType, partNumber int) (UploadTarget, error) {
	url := fmt.Sprintf("%s/file/%s/%d/%s/start", c.baseURL, recordID, version, component)
	if partNumber > 0 {
		url = fmt.Sprintf("%s?partNumber=%d", url, partNumber)
	}

	var target UploadTarget
	if err := c.doJSON(ctx, http.MethodPut, url, nil, &target); err != nil {
		return UploadTarget{}, fmt.Errorf("request upload URL: %w", err)
	}
	if target.URL == "" {
		return UploadTarget{}, fmt.Errorf("request upload URL: empty URL in response")
	}
	return target, nil
}

func (c *apiClient) FinishUpload(ctx context.Context, recordID string, version int, component ComponentType, etags []string) error {
	url := fmt.Sprintf("%s/file/%s/%d/%s/finish", c.baseURL, recordID, version, component)
	requestBody := map[string]interface{}{}
	if etags != nil {
		requestBody["etags"] = etags
	}

	if err := c.doJSON(ctx, http.MethodPut, url, requestBody, nil); err != nil {
		return fmt.Errorf("finish upload: %w", err)
	}
	return c.settle(ctx)
}

func (c *apiClient) GetUploadStatus(ctx context.Context, recordID string, version int, component ComponentType) (UploadStatus, error) {
	url := fmt.Sprintf("%s/file/%s/%d/%s/status", c.baseURL, recordID, version, component)

	var status UploadStatus
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &status); err != nil {
		return UploadStatus{}, fmt.Errorf("query upload status: %w", err)
	}
	return status, nil
}

// DownloadSignature fetches the signature of the newest fully processed
// version into destPath.
func (c *apiClient) DownloadSignature(ctx context.Context, record *FileRecord, destPath string) error {
	var signatureURL string
	for i := len(record.Versions) - 1; i >= 0; i-- {
		v := record.Versions[i]
		if v.Deleted || v.Signature.Status != StatusComplete {
			continue
		}
		signatureURL = v.Signature.URL
		break
	}
	if signatureURL == "" {
		return fmt.Errorf("record %s has no downloadable signature", record.ID)
	}

	downloader := got.New()
	downloader.Client = c.httpClient.StandardClient()

	if err := downloader.Do(got.NewDownload(ctx, signatureURL, destPath)); err != nil {
		return fmt.Errorf("download previous signature: %w", err)
	}
	return nil
}

func (c *apiClient) doJSON(ctx context.Context, method, url string, requestBody interface{}, response interface{}) error {
	var rawBody []byte
	if requestBody != nil {
		var err error
		rawBody, err = json.Marshal(requestBody)
		if err != nil {
			return err
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, rawBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	if rawBody != nil {
		req.Header.Set("Content-type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	if response == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(response)
}

// settle waits out the post-write delay unless the context is cancelled
// first.
func (c *apiClient) settle(ctx context.Context) error {
	if c.settleDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.settleDelay):
		return nil
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(errorResp)}
}
