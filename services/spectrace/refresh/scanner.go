// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/parser"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ScanResult holds the fragments of a set of files.
type ScanResult struct {
	// Contents are the fragments in path order, then document order.
	Contents []*parser.ParsedContent

	// ModTimes are the modification times of every file read, including
	// files that produced no fragments.
	ModTimes map[string]time.Time

	// FileErrors are files that could not be read or parsed.
	FileErrors []graph.FileError
}

// Scanner reads and parses source files.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Scanner struct {
	sources     Sources
	concurrency int
}

// NewScanner creates a scanner over sources. concurrency <= 0 uses
// GOMAXPROCS.
func NewScanner(sources Sources, concurrency int) *Scanner {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &Scanner{sources: sources, concurrency: concurrency}
}

// Sources returns the scanner's source configuration.
func (s *Scanner) Sources() Sources { return s.sources }

// ScanAll discovers and parses every matching file.
func (s *Scanner) ScanAll(ctx context.Context) (*ScanResult, error) {
	found, err := s.sources.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return s.ScanFiles(ctx, sortedKeys(found))
}

// ScanFiles parses the given root-relative paths.
//
// Description:
//
//	Files are read and parsed in parallel. A file that cannot be read or
//	parsed becomes a FileError and does not stop the scan; only context
//	cancellation does. Each fragment's metadata carries the file's
//	modification time.
//
// Inputs:
//
//	ctx - Cancels the scan.
//	paths - Root-relative, slash-separated paths.
//
// Outputs:
//
//	*ScanResult - Fragments, modification times and per-file errors.
//	error - Non-nil only when ctx was cancelled.
func (s *Scanner) ScanFiles(ctx context.Context, paths []string) (*ScanResult, error) {
	ctx, span := startRefreshSpan(ctx, "refresh.Scanner.ScanFiles", s.sources.Root)
	defer span.End()
	span.SetAttributes(attribute.Int("file_count", len(paths)))

	type fileScan struct {
		contents []*parser.ParsedContent
		modTime  time.Time
		err      error
		read     bool
	}
	scans := make([]fileScan, len(paths))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, rel := range paths {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			contents, modTime, err := s.parseFile(rel)
			scans[i] = fileScan{contents: contents, modTime: modTime, err: err, read: !modTime.IsZero()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ScanResult{
		ModTimes:   make(map[string]time.Time, len(paths)),
		FileErrors: make([]graph.FileError, 0),
	}
	for i, rel := range paths {
		sc := scans[i]
		if sc.read {
			result.ModTimes[rel] = sc.modTime
		}
		if sc.err != nil {
			result.FileErrors = append(result.FileErrors, graph.FileError{FilePath: rel, Err: sc.err})
			slog.Warn("skipping file",
				slog.String("path", rel),
				slog.String("error", sc.err.Error()),
			)
			continue
		}
		result.Contents = append(result.Contents, sc.contents...)
	}
	span.SetAttributes(
		attribute.Int("fragment_count", len(result.Contents)),
		attribute.Int("error_count", len(result.FileErrors)),
	)
	return result, nil
}

// parseFile reads and parses one file. A zero modTime means the file could
// not be read.
func (s *Scanner) parseFile(rel string) ([]*parser.ParsedContent, time.Time, error) {
	class := s.sources.Classify(rel)
	p, err := parserFor(class)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s", err, rel)
	}

	abs := s.sources.Abs(rel)
	info, err := os.Stat(abs)
	if err != nil {
		filesParsedTotal.WithLabelValues(class.String(), "error").Inc()
		return nil, time.Time{}, fmt.Errorf("stat: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		filesParsedTotal.WithLabelValues(class.String(), "error").Inc()
		return nil, time.Time{}, fmt.Errorf("read: %w", err)
	}

	contents, err := p.Parse(rel, data)
	if err != nil {
		filesParsedTotal.WithLabelValues(class.String(), "error").Inc()
		return nil, info.ModTime(), err
	}
	for _, c := range contents {
		c.SourceContext.Metadata[parser.MetaModTime] = info.ModTime()
	}
	filesParsedTotal.WithLabelValues(class.String(), "ok").Inc()
	return contents, info.ModTime(), nil
}
