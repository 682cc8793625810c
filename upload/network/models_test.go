package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusWaiting.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusError.Terminal())
}

func TestDescriptorDeclared(t *testing.T) {
	assert.False(t, Descriptor{}.Declared())
	assert.True(t, Descriptor{SizeInBytes: 1}.Declared())
	assert.True(t, Descriptor{ContentDigest: "ZGlnZXN0"}.Declared())
}

func TestVersionComponent(t *testing.T) {
	version := &Version{
		File:      Descriptor{FileName: "f"},
		Delta:     Descriptor{FileName: "d"},
		Signature: Descriptor{FileName: "s"},
	}

	assert.Equal(t, "f", version.Component(ComponentFile).FileName)
	assert.Equal(t, "d", version.Component(ComponentDelta).FileName)
	assert.Equal(t, "s", version.Component(ComponentSignature).FileName)
	assert.Nil(t, version.Component("bogus"))
}

func TestVersionWaitingForUpload(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		want    bool
	}{
		{
			name: "file waiting",
			version: Version{
				File:      Descriptor{Status: StatusWaiting},
				Signature: Descriptor{Status: StatusComplete},
			},
			want: true,
		},
		{
			name: "signature waiting",
			version: Version{
				File:      Descriptor{Status: StatusComplete},
				Signature: Descriptor{Status: StatusWaiting},
			},
			want: true,
		},
		{
			name: "declared delta waiting",
			version: Version{
				File:      Descriptor{Status: StatusComplete},
				Delta:     Descriptor{ContentDigest: "x", SizeInBytes: 1, Status: StatusWaiting},
				Signature: Descriptor{Status: StatusComplete},
			},
			want: true,
		},
		{
			name: "undeclared delta is ignored",
			version: Version{
				File:      Descriptor{Status: StatusComplete},
				Delta:     Descriptor{Status: StatusWaiting},
				Signature: Descriptor{Status: StatusComplete},
			},
			want: false,
		},
		{
			name: "everything terminal",
			version: Version{
				File:      Descriptor{Status: StatusComplete},
				Signature: Descriptor{Status: StatusComplete},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.version.WaitingForUpload())
		})
	}
}

func TestVersionStateHelpers(t *testing.T) {
	errored := Version{File: Descriptor{Status: StatusError}}
	assert.True(t, errored.InErrorState())
	assert.False(t, errored.HasPendingProcessing())

	processing := Version{Signature: Descriptor{Status: StatusProcessing}}
	assert.False(t, processing.InErrorState())
	assert.True(t, processing.HasPendingProcessing())
}

func TestFileRecordVersionAccess(t *testing.T) {
	empty := &FileRecord{ID: "record-1"}
	assert.Nil(t, empty.LatestVersion())
	assert.Equal(t, 0, empty.LatestVersionNumber())
	assert.Empty(t, empty.FileURL())

	record := &FileRecord{
		ID: "record-1",
		Versions: []Version{
			{Number: 1, File: Descriptor{URL: "https://cdn.example.com/1"}},
			{Number: 2, File: Descriptor{URL: "https://cdn.example.com/2"}},
		},
	}
	assert.Equal(t, 2, record.LatestVersionNumber())
	assert.Equal(t, "https://cdn.example.com/2", record.FileURL())
}

func TestFileRecordHasExistingVersion(t *testing.T) {
	tests := []struct {
		name   string
		record FileRecord
		want   bool
	}{
		{
			name:   "no versions",
			record: FileRecord{},
			want:   false,
		},
		{
			name: "only pending versions",
			record: FileRecord{Versions: []Version{
				{File: Descriptor{Status: StatusWaiting}},
			}},
			want: false,
		},
		{
			name: "complete version",
			record: FileRecord{Versions: []Version{
				{File: Descriptor{Status: StatusComplete}},
				{File: Descriptor{Status: StatusWaiting}},
			}},
			want: true,
		},
		{
			name: "deleted versions are ignored",
			record: FileRecord{Versions: []Version{
				{Deleted: true, File: Descriptor{Status: StatusComplete}},
			}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.HasExistingVersion())
		})
	}
}
