package network

// Status is the lifecycle state of a component descriptor as tracked by the
// artifact service.
type Status string

// Component descriptor states. Waiting and Processing are non-terminal.
const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal reports whether the status is one the server will not move away
// from on its own.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Category is the upload strategy the service assigned to a component.
type Category string

// Upload categories.
const (
	CategorySimple    Category = "simple"
	CategoryMultipart Category = "multipart"
)

// ComponentType identifies one of the three binary payloads of a version.
type ComponentType string

// Version components.
const (
	ComponentFile      ComponentType = "file"
	ComponentDelta     ComponentType = "delta"
	ComponentSignature ComponentType = "signature"
)

// Descriptor is the service-side record of a single version component.
type Descriptor struct {
	FileName      string   `json:"fileName,omitempty"`
	URL           string   `json:"url,omitempty"`
	SizeInBytes   int64    `json:"sizeInBytes"`
	ContentDigest string   `json:"md5"`
	Status        Status   `json:"status"`
	Category      Category `json:"category"`
}

// Declared reports whether the component was announced at version creation.
// An undeclared component has no size and no digest.
func (d Descriptor) Declared() bool {
	return d.SizeInBytes > 0 || d.ContentDigest != ""
}

// Version is one uploaded (or in-flight) revision of a file record.
type Version struct {
	Number    int        `json:"version"`
	File      Descriptor `json:"file"`
	Delta     Descriptor `json:"delta"`
	Signature Descriptor `json:"signature"`
	CreatedAt string     `json:"created_at,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// Component returns the descriptor for the given component type.
func (v *Version) Component(component ComponentType) *Descriptor {
	switch component {
	case ComponentFile:
		return &v.File
	case ComponentDelta:
		return &v.Delta
	case ComponentSignature:
		return &v.Signature
	}
	return nil
}

// WaitingForUpload reports whether any component of the version still
// expects bytes from the client.
func (v *Version) WaitingForUpload() bool {
	return v.File.Status == StatusWaiting ||
		(v.Delta.Declared() && v.Delta.Status == StatusWaiting) ||
		v.Signature.Status == StatusWaiting
}

// InErrorState reports whether the server failed to process any component of
// the version.
func (v *Version) InErrorState() bool {
	return v.File.Status == StatusError ||
		v.Delta.Status == StatusError ||
		v.Signature.Status == StatusError
}

// HasPendingProcessing reports whether the server-side pipeline is still
// working on any component of the version.
func (v *Version) HasPendingProcessing() bool {
	return v.File.Status == StatusProcessing ||
		v.Delta.Status == StatusProcessing ||
		v.Signature.Status == StatusProcessing
}

// FileRecord is the identity of a remotely stored file and its version
// history. Only the latest version is ever mutated.
type FileRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
	Extension string    `json:"extension"`
	Versions  []Version `json:"versions"`
}

// LatestVersion returns the newest version of the record, or nil for a
// record with no versions yet.
func (r *FileRecord) LatestVersion() *Version {
	if len(r.Versions) == 0 {
		return nil
	}
	return &r.Versions[len(r.Versions)-1]
}

// LatestVersionNumber returns the number of the newest version, or 0 when
// the record has none.
func (r *FileRecord) LatestVersionNumber() int {
	v := r.LatestVersion()
	if v == nil {
		return 0
	}
	return v.Number
}

// HasExistingVersion reports whether at least one version finished
// processing successfully, meaning a previous signature is available for
// delta computation.
func (r *FileRecord) HasExistingVersion() bool {
	for i := range r.Versions {
		if r.Versions[i].File.Status == StatusComplete && !r.Versions[i].Deleted {
			return true
		}
	}
	return false
}

// FileURL is the address the fully processed artifact is served from.
func (r *FileRecord) FileURL() string {
	v := r.LatestVersion()
	if v == nil {
		return ""
	}
	return v.File.URL
}

// UploadStatus is the resume state of a multipart component upload.
// NextPartNumber is the count of parts the service has already accepted;
// ETags holds one receipt per accepted part, in part order.
type UploadStatus struct {
	NextPartNumber int      `json:"nextPartNumber"`
	ETags          []string `json:"etags"`
}

// UploadTarget is a single-use destination for a component (or part) PUT.
type UploadTarget struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RemoteConfig carries the server-controlled feature switches the upload
// flow depends on.
type RemoteConfig struct {
	DeltaCompression bool `json:"deltaCompression"`
}

// CreateVersionRequest declares the size and digest of every component that
// the new version will carry. The file pair is always declared so the
// service can validate the materialized file; the delta pair is added only
// when the payload travels as a delta.
type CreateVersionRequest struct {
	FileDigest           string `json:"fileMd5,omitempty"`
	FileSizeInBytes      int64  `json:"fileSizeInBytes,omitempty"`
	DeltaDigest          string `json:"deltaMd5,omitempty"`
	DeltaSizeInBytes     int64  `json:"deltaSizeInBytes,omitempty"`
	SignatureDigest      string `json:"signatureMd5"`
	SignatureSizeInBytes int64  `json:"signatureSizeInBytes"`
}
