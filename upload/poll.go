package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/artifactup/go-uploadutils/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	processingInitialDelay = 2 * time.Second
	processingMaxDelay     = 10 * time.Second

	// The processing deadline scales with payload size: one timeout unit
	// per 50MiB, each unit worth 120s, clamped to [120s, 600s].
	processingTimeoutUnitSize = 50 * units.MiB
	processingTimeoutPerUnit  = 120 * time.Second
	processingMaxTimeout      = 600 * time.Second
)

// processingTimeoutForSize returns the deadline for server-side processing
// of a payload of the given size.
func processingTimeoutForSize(sizeInBytes int64) time.Duration {
	timeout := time.Duration(sizeInBytes/processingTimeoutUnitSize) * processingTimeoutPerUnit
	if timeout < processingTimeoutPerUnit {
		return processingTimeoutPerUnit
	}
	if timeout > processingMaxTimeout {
		return processingMaxTimeout
	}
	return timeout
}

// processingPoller drives the refresh loops against the record service with
// doubling backoff and a size-scaled deadline.
type processingPoller struct {
	client network.Client
	logger log.Logger

	initialDelay   time.Duration
	maxDelay       time.Duration
	timeoutForSize func(int64) time.Duration
}

func newPoller(client network.Client, logger log.Logger) *processingPoller {
	return &processingPoller{
		client:         client,
		logger:         logger,
		initialDelay:   processingInitialDelay,
		maxDelay:       processingMaxDelay,
		timeoutForSize: processingTimeoutForSize,
	}
}

// awaitComponent refreshes the record until the component descriptor of the
// latest version leaves the waiting state, meaning the service acknowledged
// the finished upload.
func (p *processingPoller) awaitComponent(ctx context.Context, record *network.FileRecord, component network.ComponentType) (*network.FileRecord, error) {
	descriptor := record.LatestVersion().Component(component)
	return p.await(ctx, record, p.timeoutForSize(descriptor.SizeInBytes), func(r *network.FileRecord) bool {
		d := r.LatestVersion().Component(component)
		return d != nil && d.Status == network.StatusWaiting
	})
}

// awaitProcessing refreshes the record until no component of the latest
// version is moving through the server-side pipeline anymore.
func (p *processingPoller) awaitProcessing(ctx context.Context, record *network.FileRecord) (*network.FileRecord, error) {
	timeout := p.timeoutForSize(record.LatestVersion().File.SizeInBytes)
	return p.await(ctx, record, timeout, func(r *network.FileRecord) bool {
		return r.LatestVersion().HasPendingProcessing()
	})
}

// await polls the record with doubling backoff while pending() holds.
func (p *processingPoller) await(ctx context.Context, record *network.FileRecord, timeout time.Duration, pending func(*network.FileRecord) bool) (*network.FileRecord, error) {
	delay := p.initialDelay
	deadline := time.Now().Add(timeout)

	for pending(record) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("couldn't verify upload: %w", ErrProcessingTimeout)
		}
		p.logger.Debugf("Checking status in %v", delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		refreshed, err := p.refresh(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		record = refreshed

		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}

	return record, nil
}

// refresh re-fetches the record. A 400 answer is retried: the service
// returns it transiently while a version write is still settling.
func (p *processingPoller) refresh(ctx context.Context, recordID string) (*network.FileRecord, error) {
	for {
		record, err := p.client.GetFileRecord(ctx, recordID)
		if err == nil {
			return record, nil
		}

		var apiErr *network.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			p.logger.Debugf("Record refresh answered 400, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.initialDelay):
			}
			continue
		}

		return nil, fmt.Errorf("couldn't verify upload status: %w", err)
	}
}

// validateUploaded is the pass before declaring success: the transmitted
// components must be complete, and the companion of the {file, delta} pair
// must have left the waiting state, otherwise the server never queued the
// derivation of the un-transmitted component.
func validateUploaded(record *network.FileRecord, usedDelta bool) error {
	latest := record.LatestVersion()
	if latest == nil {
		return fmt.Errorf("%w: record has no version", ErrUploadValidation)
	}

	uploaded := latest.File
	companion := latest.Delta
	if usedDelta {
		uploaded = latest.Delta
		companion = latest.File
	}

	if uploaded.Status != network.StatusComplete || latest.Signature.Status != network.StatusComplete {
		return fmt.Errorf("%w: uploaded components are not complete", ErrUploadValidation)
	}
	if companion.Status == network.StatusWaiting {
		return fmt.Errorf("%w: companion component is still in waiting status", ErrUploadValidation)
	}
	return nil
}
