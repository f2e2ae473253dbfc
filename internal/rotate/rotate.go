/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package rotate implements the placeholder+dotfile atomic file publication
// protocol: opening a capture file reserves a uniquely-suffixed placeholder
// name derived from the current time and probe name, then creates a hidden
// dotfile that receives the actual writes. Publishing renames the dotfile
// onto the reserved placeholder, a same-directory rename and therefore
// atomic with respect to a crash. A dotfile left behind by a prior crash is
// removed once and a fresh one created in its place.
package rotate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const timeLayout = "20060102150405"

// PlaceholderName returns the published file name for a probe, given the
// capture's start time: <YYYYMMDDhhmmss>_<probename>.
func PlaceholderName(probe string, start time.Time) string {
	return fmt.Sprintf("%s_%s", start.UTC().Format(timeLayout), probe)
}

// dotfileName returns the hidden working name for a probe: "." followed by
// the probe name. The placeholder's timestamp and suffix are not part of it,
// so a probe has a single dotfile name in a directory.
func dotfileName(probe string) string {
	return "." + probe
}

// File represents one capture file moving through the placeholder -> dotfile
// -> published lifecycle. Open reserves a uniquely-suffixed placeholder name
// and creates the dotfile; Publish renames the dotfile onto the
// reserved placeholder path; Abort removes both without publishing.
type File struct {
	dotPath  string
	phPath   string
	f        *os.File
	bytesAny bool // true once at least one byte has been written
}

// Open reserves dir/<ts>_<probe>[.NNNNNN] as a zero-byte placeholder, then
// creates dir/.<probe> for writing. If the dotfile already exists (a crash
// remnant from a prior run that never published or cleaned up), Open removes
// it once and retries; a second failure is returned to the caller.
func Open(dir, probe string, perm os.FileMode) (*File, error) {
	start := time.Now()
	ph, err := reservePlaceholder(dir, PlaceholderName(probe, start), perm)
	if err != nil {
		return nil, err
	}

	dot := filepath.Join(dir, dotfileName(probe))
	f, err := os.OpenFile(dot, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if os.IsExist(err) {
		if rmErr := os.Remove(dot); rmErr != nil {
			os.Remove(ph)
			return nil, fmt.Errorf("rotate: crash-remnant dotfile %s could not be removed: %w", dot, rmErr)
		}
		f, err = os.OpenFile(dot, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	}
	if err != nil {
		os.Remove(ph)
		return nil, fmt.Errorf("rotate: open dotfile %s: %w", dot, err)
	}
	return &File{dotPath: dot, phPath: ph, f: f}, nil
}

// Handle returns the underlying *os.File for the stream writer to wrap.
func (rf *File) Handle() *os.File { return rf.f }

// MarkWritten records that at least one byte has gone into the file, used by
// Publish to decide whether an empty file should be discarded instead.
func (rf *File) MarkWritten() { rf.bytesAny = true }

// Publish finalizes the dotfile: if nothing was ever written to it, both the
// dotfile and the reserved placeholder are removed and Publish returns
// ("", nil). Otherwise the dotfile is flushed, closed, and atomically renamed
// onto the placeholder path reserved at Open, which is returned.
func (rf *File) Publish() (string, error) {
	if !rf.bytesAny {
		rf.f.Close()
		os.Remove(rf.dotPath)
		os.Remove(rf.phPath)
		return "", nil
	}
	if err := rf.f.Sync(); err != nil {
		rf.f.Close()
		return "", fmt.Errorf("rotate: sync %s: %w", rf.dotPath, err)
	}
	if err := rf.f.Close(); err != nil {
		return "", fmt.Errorf("rotate: close %s: %w", rf.dotPath, err)
	}
	if err := os.Rename(rf.dotPath, rf.phPath); err != nil {
		return "", fmt.Errorf("rotate: publish rename %s -> %s: %w", rf.dotPath, rf.phPath, err)
	}
	return rf.phPath, nil
}

// Abort discards the in-flight dotfile and its reserved placeholder without
// publishing, used on a fatal write/close error where the partial file must
// not become visible.
func (rf *File) Abort() error {
	rf.f.Close()
	err := os.Remove(rf.dotPath)
	if rf.phPath != "" {
		if rmErr := os.Remove(rf.phPath); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// reservePlaceholder atomically creates a zero-byte file at dir/base (or, on
// a name collision, dir/base.NNNNNN) so the eventual publish rename always
// has a pre-claimed, collision-free target. The placeholder is created and
// immediately closed; Publish later overwrites it via rename.
func reservePlaceholder(dir, base string, perm os.FileMode) (string, error) {
	candidate := filepath.Join(dir, base)
	f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err == nil {
		f.Close()
		return candidate, nil
	}
	if !os.IsExist(err) {
		return "", fmt.Errorf("rotate: reserve placeholder %s: %w", candidate, err)
	}
	for i := 1; i < 1_000_000; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s.%06d", base, i))
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			f.Close()
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("rotate: reserve placeholder %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("rotate: could not find a unique placeholder name for %s in %s", base, dir)
}
