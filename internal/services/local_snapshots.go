package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/benmeehan/pet-feeder/pkg/file"
)

// LocalSnapshotStore keeps detection snapshots on disk under dir/bucket/object.
// It stands in for object storage when that is disabled or unreachable.
type LocalSnapshotStore struct {
	dir   string
	files file.FileOperations
}

// NewLocalSnapshotStore creates a store rooted at dir.
func NewLocalSnapshotStore(dir string, files file.FileOperations) *LocalSnapshotStore {
	return &LocalSnapshotStore{dir: dir, files: files}
}

// UploadSnapshot writes data and returns the file path.
func (s *LocalSnapshotStore) UploadSnapshot(ctx context.Context, bucketName, objectName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel := filepath.Clean(filepath.Join(bucketName, filepath.FromSlash(objectName)))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot path %q escapes %s", objectName, s.dir)
	}
	path := filepath.Join(s.dir, rel)
	if err := s.files.WriteFileRaw(path, data); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}
