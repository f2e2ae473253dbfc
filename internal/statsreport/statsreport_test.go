/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package statsreport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowforge/flowcapd/internal/probe"
	"github.com/stretchr/testify/require"
)

func TestWriteProducesSortedSnapshot(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	stats := map[string]probe.Stats{
		"edge2": {Received: 5, Forwarded: 4, Lost: 1},
		"edge1": {Received: 9, Forwarded: 9, Malformed: 2},
	}
	require.NoError(t, Write(dir, "inst-1", stamp, stats))

	b, err := os.ReadFile(filepath.Join(dir, fileName))
	require.NoError(t, err)

	var doc document
	require.NoError(t, json.Unmarshal(b, &doc))
	require.Equal(t, "inst-1", doc.InstanceID)
	require.Len(t, doc.Probes, 2)
	require.Equal(t, "edge1", doc.Probes[0].Probe)
	require.Equal(t, "edge2", doc.Probes[1].Probe)
}

func TestWriteOverwritesPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Now()
	require.NoError(t, Write(dir, "inst-1", stamp, map[string]probe.Stats{"edge1": {Received: 1}}))
	require.NoError(t, Write(dir, "inst-1", stamp, map[string]probe.Stats{"edge1": {Received: 2}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
