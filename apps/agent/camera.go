package main

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core/candidate"
	"github.com/trezcool/proctor/core/vision"
)

var errNoCamera = errors.New("no camera configured")

// dirCamera reads webcam frames the capture helper keeps writing into dir.
// The newest image is the current frame; a frame older than maxAge means the camera is off.
type dirCamera struct {
	dir     string
	maxAge  time.Duration
	stopped int32
}

var _ candidate.Camera = (*dirCamera)(nil)

// openDirCamera returns the camera opener of dir.
func openDirCamera(dir string, maxAge time.Duration) func(ctx context.Context) (candidate.Camera, error) {
	return func(context.Context) (candidate.Camera, error) {
		if dir == "" {
			return nil, errNoCamera
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, errors.Wrap(err, "opening camera directory")
		}
		if !info.IsDir() {
			return nil, errors.Errorf("%s is not a directory", dir)
		}
		return &dirCamera{dir: dir, maxAge: maxAge}, nil
	}
}

func (c *dirCamera) Capture(ctx context.Context) (vision.Frame, error) {
	if atomic.LoadInt32(&c.stopped) == 1 {
		return vision.Frame{}, vision.ErrNoFrame
	}
	path, modTime, err := c.newest()
	if err != nil {
		return vision.Frame{}, err
	}
	if path == "" {
		return vision.Frame{}, vision.ErrNoFrame
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return vision.Frame{}, errors.Wrap(err, "reading frame")
	}

	frame := vision.Frame{
		Format:     http.DetectContentType(data),
		Data:       data,
		CapturedAt: modTime,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		frame.Width, frame.Height = cfg.Width, cfg.Height
	}
	return frame, nil
}

// Enabled reports whether a fresh frame exists.
func (c *dirCamera) Enabled() bool {
	if c.Ended() {
		return false
	}
	path, modTime, err := c.newest()
	return err == nil && path != "" && time.Since(modTime) <= c.maxAge
}

func (c *dirCamera) Ended() bool { return atomic.LoadInt32(&c.stopped) == 1 }

func (c *dirCamera) Stop() { atomic.StoreInt32(&c.stopped, 1) }

func (c *dirCamera) newest() (path string, modTime time.Time, err error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "listing frames")
	}
	for _, entry := range entries {
		if entry.IsDir() || !isImage(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed meanwhile
		}
		if path == "" || info.ModTime().After(modTime) {
			path, modTime = filepath.Join(c.dir, entry.Name()), info.ModTime()
		}
	}
	return path, modTime, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
