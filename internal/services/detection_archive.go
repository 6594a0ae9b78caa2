package services

import (
	"context"
	"fmt"

	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DetectionStore persists detection verdicts.
type DetectionStore interface {
	RecordDetection(ctx context.Context, userID int64, verdict models.DetectionVerdict, snapshotKey string) (int64, error)
}

// SnapshotUploader stores the frame a verdict was produced from.
type SnapshotUploader interface {
	UploadSnapshot(ctx context.Context, bucketName, objectName string, data []byte) (string, error)
}

// DetectionArchive records finished detection windows. Snapshots are only
// uploaded for verdicts that found a cat, and an upload failure never
// prevents the verdict from being stored.
type DetectionArchive struct {
	store    DetectionStore
	uploader SnapshotUploader
	bucket   string
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewDetectionArchive creates an archive. uploader may be nil to disable snapshots.
func NewDetectionArchive(store DetectionStore, uploader SnapshotUploader, bucket string, clock clockwork.Clock, logger zerolog.Logger) *DetectionArchive {
	return &DetectionArchive{
		store:    store,
		uploader: uploader,
		bucket:   bucket,
		clock:    clock,
		logger:   logger.With().Str("component", "detection_archive").Logger(),
	}
}

// Archive stores verdict for userID along with an optional snapshot of frame.
func (a *DetectionArchive) Archive(ctx context.Context, userID int64, verdict models.DetectionVerdict, frame []byte) (int64, error) {
	key := ""
	if a.uploader != nil && verdict.CatDetected && len(frame) > 0 {
		object := fmt.Sprintf("detections/%d/%s.jpg", userID, a.clock.Now().UTC().Format("20060102T150405.000"))
		if _, err := a.uploader.UploadSnapshot(ctx, a.bucket, object, frame); err != nil {
			a.logger.Warn().Err(err).Str("object", object).Msg("snapshot upload failed")
		} else {
			key = object
		}
	}

	id, err := a.store.RecordDetection(ctx, userID, verdict, key)
	if err != nil {
		return 0, fmt.Errorf("archive detection: %w", err)
	}
	a.logger.Debug().Int64("id", id).Str("outcome", string(verdict.Outcome)).Str("snapshot", key).Msg("detection archived")
	return id, nil
}
