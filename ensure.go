package sftpclient

import (
	"path"
	"strings"

	"go.uber.org/multierr"
)

// SegmentOutcome records what happened to one directory segment.
type SegmentOutcome struct {
	// Segment is the single directory name.
	Segment string

	// Path is the segments walked so far, joined with "/".
	Path string

	// Created is true when the segment did not exist and mkdir succeeded.
	Created bool

	// Err is non-nil when the channel could not be moved into the segment.
	// It wraps ErrRemoteDirectoryCreateFailed.
	Err error
}

// EnsureReport is the per-segment result of EnsureDir.
type EnsureReport struct {
	Dir      string
	Segments []SegmentOutcome

	// Skipped lists segments never attempted because a strict pass stopped early.
	Skipped []string
}

// Complete reports whether every segment was entered.
func (r EnsureReport) Complete() bool {
	if len(r.Skipped) > 0 {
		return false
	}
	for _, s := range r.Segments {
		if s.Err != nil {
			return false
		}
	}
	return true
}

// Err combines the errors of all failed segments, or returns nil.
func (r EnsureReport) Err() error {
	var err error
	for _, s := range r.Segments {
		err = multierr.Append(err, s.Err)
	}
	return err
}

// Created lists the paths of segments that were created during the pass.
func (r EnsureReport) Created() []string {
	var created []string
	for _, s := range r.Segments {
		if s.Created {
			created = append(created, s.Path)
		}
	}
	return created
}

// splitSegments splits dir on "/" and drops blank segments.
func splitSegments(dir string) []string {
	var segments []string
	for _, s := range strings.Split(dir, "/") {
		if strings.TrimSpace(s) != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// EnsureDir walks dir one segment at a time from the channel's current
// directory, creating segments that cannot be entered, and leaves the channel
// in the deepest segment it reached. An empty or blank dir is a no-op.
//
// With EnsureBestEffort every segment is attempted even after a failure; with
// EnsureStrict the walk stops at the first segment that cannot be entered.
func EnsureDir(ch Channel, dir string, policy EnsurePolicy, log Logger) EnsureReport {
	if log == nil {
		log = nopLogger()
	}

	report := EnsureReport{Dir: dir}
	segments := splitSegments(dir)

	for i, segment := range segments {
		outcome := ensureSegment(ch, segment, log)
		outcome.Path = path.Join(segments[:i+1]...)
		report.Segments = append(report.Segments, outcome)

		if outcome.Err != nil && policy != EnsureBestEffort {
			report.Skipped = append(report.Skipped, segments[i+1:]...)
			break
		}
	}

	return report
}

func ensureSegment(ch Channel, segment string, log Logger) SegmentOutcome {
	outcome := SegmentOutcome{Segment: segment}

	if err := ch.Cd(segment); err == nil {
		log.Debugf("change directory %s", segment)
		return outcome
	}

	mkErr := ch.Mkdir(segment)
	if mkErr != nil {
		log.Errorf("create directory failure, directory: %s: %v", segment, mkErr)
	} else {
		log.Infof("create directory %s", segment)
		outcome.Created = true
	}

	if cdErr := ch.Cd(segment); cdErr != nil {
		log.Errorf("change directory failure, directory: %s: %v", segment, cdErr)
		outcome.Err = wrapErr(ErrRemoteDirectoryCreateFailed, "ensure", segment, multierr.Combine(mkErr, cdErr))
		return outcome
	}

	log.Debugf("change directory %s", segment)
	return outcome
}
