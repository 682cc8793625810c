package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newUploadTracker(envRepo env.Repository, logger log.Logger) uploadTracker {
	p := analytics.Properties{
		"project_id": envRepo.Get("ARTIFACT_PROJECT_ID"),
		"ci":         envRepo.Get("CI") == "true",
	}
	return uploadTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *uploadTracker) logArtifactTransferred(transferTime time.Duration, transferredBytes int64, fullSizeBytes int64, usedDelta bool) {
	properties := analytics.Properties{
		"transfer_time_s":   transferTime.Truncate(time.Second).Seconds(),
		"transferred_bytes": transferredBytes,
		"full_size_bytes":   fullSizeBytes,
		"used_delta":        usedDelta,
	}
	t.tracker.Enqueue("artifact_upload_transferred", properties)
}

func (t *uploadTracker) logProcessingFinished(processingTime time.Duration) {
	properties := analytics.Properties{
		"processing_time_s": processingTime.Truncate(time.Second).Seconds(),
	}
	t.tracker.Enqueue("artifact_upload_processed", properties)
}

func (t *uploadTracker) logUpToDate() {
	t.tracker.Enqueue("artifact_upload_skipped_up_to_date", analytics.Properties{})
}

func (t *uploadTracker) wait() {
	t.tracker.Wait()
}
