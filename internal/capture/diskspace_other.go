//go:build !linux && !darwin
// +build !linux,!darwin

/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package capture

import "errors"

// statfs has no implementation on this platform. Admission is only ever
// evaluated when a minimum-free or maximum-used threshold is configured
// (see Engine.checkAdmission), so an operator who wants to run here simply
// leaves both thresholds at zero; if they do set one, the open fails fatally
// rather than silently skip a check the operator explicitly asked for.
func statfs(path string) (freeBytes, totalBytes uint64, err error) {
	return 0, 0, errors.New("capture: disk-space admission is not supported on this platform")
}
