// Package filestore keeps webcam snapshots on the local filesystem, one directory per exam attempt.
package filestore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// SnapshotStore writes <dir>/<exam>/<candidate>/<unix nanos>_<id><ext>.
type SnapshotStore struct {
	dir string
}

var _ proctor.SnapshotStore = (*SnapshotStore)(nil)

func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating snapshot directory")
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) attemptDir(key proctor.SessionKey) (string, error) {
	if !core.IsIdentifier(key.ExamID) || !core.IsIdentifier(key.CandidateID) {
		return "", proctor.ErrNotFound
	}
	return filepath.Join(s.dir, key.ExamID, key.CandidateID), nil
}

func (s *SnapshotStore) SaveSnapshot(_ context.Context, snap proctor.Snapshot) error {
	dir, err := s.attemptDir(proctor.SessionKey{ExamID: snap.ExamID, CandidateID: snap.CandidateID})
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrap(err, "creating attempt directory")
	}

	// write then rename so readers never see a partial image
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err = tmp.Write(snap.Data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing snapshot")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "closing snapshot")
	}
	return errors.Wrap(os.Rename(tmp.Name(), filepath.Join(dir, fileName(snap))), "storing snapshot")
}

// ListSnapshots returns the snapshots of an attempt, oldest first, without their data.
func (s *SnapshotStore) ListSnapshots(_ context.Context, key proctor.SessionKey) ([]proctor.Snapshot, error) {
	dir, err := s.attemptDir(key)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []proctor.Snapshot{}, nil
		}
		return nil, errors.Wrap(err, "reading attempt directory")
	}

	snaps := make([]proctor.Snapshot, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if snap, ok := parseName(key, entry.Name()); ok {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].TakenAt.Before(snaps[j].TakenAt) })
	return snaps, nil
}

// GetSnapshot returns one snapshot with its data.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, key proctor.SessionKey, id string) (proctor.Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, key)
	if err != nil {
		return proctor.Snapshot{}, err
	}
	for _, snap := range snaps {
		if snap.ID != id {
			continue
		}
		dir, _ := s.attemptDir(key)
		snap.Data, err = os.ReadFile(filepath.Join(dir, fileName(snap)))
		if err != nil {
			return proctor.Snapshot{}, errors.Wrap(err, "reading snapshot")
		}
		return snap, nil
	}
	return proctor.Snapshot{}, proctor.ErrNotFound
}

func fileName(snap proctor.Snapshot) string {
	ext, ok := extensions[snap.ContentType]
	if !ok {
		ext = ".img"
	}
	return strconv.FormatInt(snap.TakenAt.UnixNano(), 10) + "_" + snap.ID + ext
}

func parseName(key proctor.SessionKey, name string) (proctor.Snapshot, bool) {
	ext := filepath.Ext(name)
	parts := strings.SplitN(strings.TrimSuffix(name, ext), "_", 2)
	if len(parts) != 2 {
		return proctor.Snapshot{}, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return proctor.Snapshot{}, false
	}

	contentType := "application/octet-stream"
	for ct, e := range extensions {
		if e == ext {
			contentType = ct
			break
		}
	}
	return proctor.Snapshot{
		ID:          parts[1],
		ExamID:      key.ExamID,
		CandidateID: key.CandidateID,
		ContentType: contentType,
		TakenAt:     time.Unix(0, nanos).UTC(),
	}, true
}
