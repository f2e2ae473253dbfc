/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package statsreport periodically publishes a snapshot of every probe's
// counters next to the capture output, for an operator or the downstream
// forwarder to poll without needing a metrics endpoint. Grounded on the
// ingester framework's atomic state-file writes (ingesters/utils/state.go),
// which commit a whole file at once via a temp-file-then-rename instead of
// the incremental dotfile-and-placeholder protocol the capture files use.
package statsreport

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dchest/safefile"
	"github.com/flowforge/flowcapd/internal/probe"
)

const fileName = ".flowcapd-stats.json"

// Snapshot is one probe's counters at the moment stats were last cleared.
// The instant the snapshot was taken is recorded once per document, in
// written_at, not per probe.
type Snapshot struct {
	Probe     string `json:"probe"`
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Lost      uint64 `json:"lost"`
	Malformed uint64 `json:"malformed"`
}

// document is the on-disk shape written to fileName.
type document struct {
	InstanceID string     `json:"instance_id"`
	WrittenAt  time.Time  `json:"written_at"`
	Probes     []Snapshot `json:"probes"`
}

// Write atomically (same-directory temp file plus rename, via safefile)
// commits a stats snapshot to dir/.flowcapd-stats.json. stamp is the wall
// time to record, passed in rather than read here so callers can keep this
// package's output deterministic under test.
func Write(dir, instanceID string, stamp time.Time, stats map[string]probe.Stats) error {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := document{InstanceID: instanceID, WrittenAt: stamp}
	for _, name := range names {
		s := stats[name]
		doc.Probes = append(doc.Probes, Snapshot{
			Probe:     name,
			Received:  s.Received,
			Forwarded: s.Forwarded,
			Lost:      s.Lost,
			Malformed: s.Malformed,
		})
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("statsreport: marshal: %w", err)
	}

	f, err := safefile.Create(dir+"/"+fileName, 0o640)
	if err != nil {
		return fmt.Errorf("statsreport: create: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		n := f.Name()
		f.File.Close()
		os.Remove(n)
		return fmt.Errorf("statsreport: write: %w", err)
	}
	if err := f.Commit(); err != nil {
		n := f.Name()
		f.File.Close()
		os.Remove(n)
		return fmt.Errorf("statsreport: commit: %w", err)
	}
	return nil
}
