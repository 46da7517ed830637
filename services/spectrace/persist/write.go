// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// stagedFile is a fully written temp file waiting to be renamed over its
// target.
type stagedFile struct {
	path   string
	target string
	tmp    string
}

// write stages every changed document, then renames the staged files into
// place. A failed rename restores the files already replaced and removes
// the remaining temp files.
func (p *plan) write() ([]string, error) {
	paths := p.changed()
	staged := make([]stagedFile, 0, len(paths))
	cleanup := func(from int) {
		for _, s := range staged[from:] {
			os.Remove(s.tmp)
		}
	}

	for _, path := range paths {
		target := p.sources.Abs(path)
		tmp, err := stageFile(target, p.docs[path].Bytes())
		if err != nil {
			cleanup(0)
			return nil, fmt.Errorf("%w: staging %s: %v", ErrWriteFailed, path, err)
		}
		staged = append(staged, stagedFile{path: path, target: target, tmp: tmp})
	}

	written := make([]string, 0, len(staged))
	for i, s := range staged {
		if err := os.Rename(s.tmp, s.target); err != nil {
			slog.Error("replay rename failed, restoring written files",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
			cleanup(i)
			p.restore(written)
			return nil, fmt.Errorf("%w: %s: %v", ErrWriteFailed, s.path, err)
		}
		written = append(written, s.path)
	}
	return written, nil
}

// restore puts back the original content of written files and removes
// files the replay created.
func (p *plan) restore(written []string) {
	for _, path := range written {
		target := p.sources.Abs(path)
		var err error
		if p.exists[path] {
			var tmp string
			if tmp, err = stageFile(target, p.original[path]); err == nil {
				err = os.Rename(tmp, target)
			}
		} else {
			err = os.Remove(target)
		}
		if err != nil {
			slog.Error("restoring file failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// stageFile writes data to a synced temp file next to target, with the
// target's permissions, and returns the temp path.
func stageFile(target string, data []byte) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	perm := fs.FileMode(0644)
	if info, err := os.Stat(target); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".spectrace-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("syncing to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return "", fmt.Errorf("setting permissions: %w", err)
	}

	success = true
	return tmpPath, nil
}
