package services_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/benmeehan/pet-feeder/internal/mocks"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/internal/services"
	"github.com/benmeehan/pet-feeder/pkg/file"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLocalSnapshotStore_WritesUnderBucket(t *testing.T) {
	dir := t.TempDir()
	store := services.NewLocalSnapshotStore(dir, file.NewFileService())
	frame := []byte{0xFF, 0xD8, 0xFF, 0xD9}

	path, err := store.UploadSnapshot(context.Background(), "snapshots", "detections/7/a.jpg", frame)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "snapshots", "detections", "7", "a.jpg"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, frame, data)
}

func TestLocalSnapshotStore_RejectsEscapingPaths(t *testing.T) {
	files := new(mocks.MockFileOperations)
	store := services.NewLocalSnapshotStore(t.TempDir(), files)

	_, err := store.UploadSnapshot(context.Background(), "..", "../etc/passwd", []byte{1})

	assert.Error(t, err)
	files.AssertNotCalled(t, "WriteFileRaw", mock.Anything, mock.Anything)
}

func TestLocalSnapshotStore_WriteFailure(t *testing.T) {
	files := new(mocks.MockFileOperations)
	files.On("WriteFileRaw", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	store := services.NewLocalSnapshotStore("/data", files)

	_, err := store.UploadSnapshot(context.Background(), "snapshots", "detections/1/a.jpg", []byte{1})

	assert.ErrorContains(t, err, "disk full")
}

func TestDetectionArchive_LocalSnapshotKey(t *testing.T) {
	dir := t.TempDir()
	store := new(mockDetectionStore)
	verdict := models.DetectionVerdict{Outcome: models.OutcomeDetected, CatDetected: true}
	key := "detections/7/20240501T083015.250.jpg"
	store.On("RecordDetection", mock.Anything, int64(7), verdict, key).Return(int64(1), nil)
	archive := services.NewDetectionArchive(store, services.NewLocalSnapshotStore(dir, file.NewFileService()),
		"snapshots", clockwork.NewFakeClockAt(archiveNow), zerolog.Nop())

	_, err := archive.Archive(context.Background(), 7, verdict, []byte{0xFF, 0xD8, 0xFF, 0xD9})

	require.NoError(t, err)
	store.AssertExpectations(t)
	assert.FileExists(t, filepath.Join(dir, "snapshots", filepath.FromSlash(key)))
}
