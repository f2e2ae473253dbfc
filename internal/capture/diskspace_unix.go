//go:build linux || darwin
// +build linux darwin

/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package capture

import "golang.org/x/sys/unix"

// statfs reports free and total non-privileged bytes for the filesystem
// containing path, using the platform's Statfs_t block counts.
func statfs(path string) (freeBytes, totalBytes uint64, err error) {
	var st unix.Statfs_t
	if err = unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	// Bavail (blocks available to unprivileged users) rather than Bfree
	// (which includes the root-reserved pool) is what admission control
	// should treat as genuinely usable.
	freeBytes = st.Bavail * bsize
	totalBytes = st.Blocks * bsize
	return freeBytes, totalBytes, nil
}
