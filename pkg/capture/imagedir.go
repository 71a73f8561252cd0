// Package capture provides frame sources that need no camera hardware.
package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ImageDir replays still images from a directory (or a single file) in
// lexical order, then reports io.EOF unless Repeat is set.
type ImageDir struct {
	paths    []string
	next     int
	repeat   bool
	interval time.Duration
	last     time.Time
}

// ImageDirOption configures an ImageDir.
type ImageDirOption func(*ImageDir)

// Repeat restarts from the first image instead of ending.
func Repeat() ImageDirOption {
	return func(d *ImageDir) { d.repeat = true }
}

// Pace spaces frames at least interval apart, emulating a camera frame rate.
func Pace(interval time.Duration) ImageDirOption {
	return func(d *ImageDir) { d.interval = interval }
}

// NewImageDir lists .jpg, .jpeg and .png files under path.
func NewImageDir(path string, opts ...ImageDirOption) (*ImageDir, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var paths []string
	if fi.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(entry.Name())) {
			case ".jpg", ".jpeg", ".png":
				paths = append(paths, filepath.Join(path, entry.Name()))
			}
		}
		sort.Strings(paths)
	} else {
		paths = []string{path}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", path)
	}

	d := &ImageDir{paths: paths}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Len returns the number of images.
func (d *ImageDir) Len() int {
	return len(d.paths)
}

// Next decodes the next image.
func (d *ImageDir) Next(ctx context.Context) (image.Image, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	if d.next >= len(d.paths) {
		if !d.repeat {
			return nil, io.EOF
		}
		d.next = 0
	}
	path := d.paths[d.next]
	d.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func (d *ImageDir) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.interval <= 0 || d.last.IsZero() {
		d.last = time.Now()
		return nil
	}
	if remaining := d.interval - time.Since(d.last); remaining > 0 {
		t := time.NewTimer(remaining)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	d.last = time.Now()
	return nil
}

// Close is a no-op; files are closed after each decode.
func (d *ImageDir) Close() error {
	return nil
}
