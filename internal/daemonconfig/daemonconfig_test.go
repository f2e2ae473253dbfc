/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flowcapd.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o640))
	return path
}

const validConfig = `
[global]
Output-Dir = /var/spool/flowcapd
Max-File-Size = 100k
Rotate-Interval = 60s

[probe "edge1"]
Bind-String = 0.0.0.0:9995
Decoder = netflowv5
Sensors = edge1

[sensor "edge1"]
External-Decider = interface:1,2
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(100*1024), c.MaxFileSize)
	require.Contains(t, c.Probes, "edge1")
	require.Contains(t, c.Sensors, "edge1")
	require.Contains(t, c.Deciders, "edge1")
	require.Equal(t, []string{"edge1"}, c.ProbeSensors["edge1"])
	require.NotEqual(t, "", c.InstanceID.String())
}

func TestLoadRejectsMissingOutputDir(t *testing.T) {
	path := writeConfig(t, `
[probe "edge1"]
Bind-String = 0.0.0.0:9995
Decoder = netflowv5
Sensors = edge1

[sensor "edge1"]
External-Decider = interface:1
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrMissingOutDir)
}

func TestLoadRejectsMissingExternalDecider(t *testing.T) {
	path := writeConfig(t, `
[global]
Output-Dir = /var/spool/flowcapd

[probe "edge1"]
Bind-String = 0.0.0.0:9995
Decoder = netflowv5
Sensors = edge1

[sensor "edge1"]
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "external decider")
}

func TestLoadRejectsMixedDeciderFamilies(t *testing.T) {
	path := writeConfig(t, `
[global]
Output-Dir = /var/spool/flowcapd

[probe "edge1"]
Bind-String = 0.0.0.0:9995
Decoder = netflowv5
Sensors = edge1

[sensor "edge1"]
External-Decider = interface:1
Internal-Decider = ipblock:10.0.0.0/8
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "mixes")
}

func TestLoadRejectsUnknownDecoder(t *testing.T) {
	path := writeConfig(t, `
[global]
Output-Dir = /var/spool/flowcapd

[probe "edge1"]
Bind-String = 0.0.0.0:9995
Decoder = gopher
Sensors = edge1

[sensor "edge1"]
External-Decider = interface:1
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrUnknownDecoder)
}

func TestLoadRejectsProbeMissingSensors(t *testing.T) {
	path := writeConfig(t, `
[global]
Output-Dir = /var/spool/flowcapd

[probe "edge1"]
Bind-String = 0.0.0.0:9995
Decoder = netflowv5

[sensor "edge1"]
External-Decider = interface:1
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrMissingSensors)
}

func TestLoadRejectsProbeUnknownSensor(t *testing.T) {
	path := writeConfig(t, `
[global]
Output-Dir = /var/spool/flowcapd

[probe "edge1"]
Bind-String = 0.0.0.0:9995
Decoder = netflowv5
Sensors = ghost

[sensor "edge1"]
External-Decider = interface:1
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrUnknownSensor)
}

func TestDumpEffective(t *testing.T) {
	path := writeConfig(t, validConfig)
	c, err := Load(path)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "effective.conf")
	require.NoError(t, DumpEffective(out, c))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(b), "Instance-ID")
	require.Contains(t, string(b), "edge1")
}
