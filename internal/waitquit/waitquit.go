/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package waitquit provides the daemon's shutdown-signal wait, matching the
// ingester framework's own signal-wait helper.
package waitquit

import (
	"os"
	"os/signal"
	"syscall"
)

// Wait blocks until SIGHUP, SIGINT, or SIGTERM is received and returns it.
func Wait() os.Signal {
	quit := make(chan os.Signal, 1)
	defer close(quit)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	return <-quit
}
