/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package daemonconfig loads the daemon's INI-style configuration file: one
// Global section of shared settings, one or more named Probe sections (a
// listening source feeding one or more sensors), and one or more named
// Sensor sections (a network decider). Field names follow the gcfg
// convention of Capitalized_Words mapping onto hyphenated INI keys.
package daemonconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flowforge/flowcapd/internal/sensor"
	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/gravwell/gcfg"
	"github.com/inhies/go-bytesize"
)

const maxConfigSize = 2 * 1024 * 1024 // 2MB, already generous for an INI file

var (
	ErrConfigTooLarge = errors.New("daemonconfig: config file too large")
	ErrNoProbes       = errors.New("daemonconfig: no Probe sections defined")
	ErrMissingBind    = errors.New("daemonconfig: Probe section missing Bind-String")
	ErrMissingDecoder = errors.New("daemonconfig: Probe section missing Decoder")
	ErrUnknownDecoder = errors.New("daemonconfig: unrecognized Decoder value")
	ErrMissingOutDir  = errors.New("daemonconfig: Global section missing Output-Dir")
	ErrMissingSensors = errors.New("daemonconfig: Probe section references no Sensor")
	ErrUnknownSensor  = errors.New("daemonconfig: Probe references an undefined Sensor")
)

// Global holds settings shared by every probe: where files land, how big
// they may grow, how often they rotate, and the disk-space admission
// thresholds the capture engine enforces before opening a new one.
type Global struct {
	Output_Dir         string
	Record_Version     int
	Compression        string
	Max_File_Size      string
	Rotate_Interval    string
	Align_To_Clock     bool
	Stats_Interval     string
	Min_Free_Space     string
	Max_Used_Percent   float64
	Per_File_Allowance float64
	File_Perm          int
	Log_Level          string
	Log_File           string
}

// Probe is one listening source: a bind address (optionally prefixed with a
// "udp://", "tcp://", or "file://" scheme; bare addresses default to udp),
// which decoder family to run, and the comma-separated list of Sensor
// section names this probe's records are classified against, in order.
type Probe struct {
	Bind_String        string
	Decoder            string // "netflowv5" or "ipfix" (covers NetFlow v9 too; sFlow is not decoded)
	Buffer_Records     int
	Sensors            string
	Zero_Packets_Quirk bool
}

// Sensor is one network decider: an ID and the decider strings that classify
// a record a probe feeding this sensor produced into a flow-type bucket.
type Sensor struct {
	ID               uint16
	External_Decider string // required; one of "interface:...", "ipblock:...", "ipset:..."
	Internal_Decider string
	Null_Decider     string
}

type rawConfig struct {
	Global Global
	Probe  map[string]*Probe
	Sensor map[string]*Sensor
}

// Config is the fully parsed and verified configuration.
type Config struct {
	Global  Global
	Probes  map[string]*Probe
	Sensors map[string]*Sensor

	// Deciders holds the verified, ready-to-classify sensor.Sensor built
	// from each Sensor section's decider strings, keyed by section name.
	Deciders map[string]*sensor.Sensor

	// ProbeSensors maps a probe's section name to the ordered list of
	// sensor names it feeds, as parsed from that Probe section's
	// comma-separated Sensors field.
	ProbeSensors map[string][]string

	// InstanceID uniquely identifies this daemon invocation, generated once
	// at load time and carried through the startup log line and the stats
	// snapshot so two runs writing to the same destination directory can
	// always be told apart in logs.
	InstanceID uuid.UUID

	MaxFileSize    int64
	RotateInterval time.Duration
	StatsInterval  time.Duration
	MinFreeBytes   uint64
}

// Load reads and verifies an INI config file at path.
func Load(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("daemonconfig: stat %s: %w", path, err)
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigTooLarge
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("daemonconfig: read %s: %w", path, err)
	}

	var raw rawConfig
	if err := gcfg.ReadStringInto(&raw, string(b)); err != nil {
		return nil, fmt.Errorf("daemonconfig: parse %s: %w", path, err)
	}
	return verify(&raw)
}

func verify(raw *rawConfig) (*Config, error) {
	if raw.Global.Output_Dir == "" {
		return nil, ErrMissingOutDir
	}
	if len(raw.Probe) == 0 {
		return nil, ErrNoProbes
	}

	deciders := make(map[string]*sensor.Sensor, len(raw.Sensor))
	for name, s := range raw.Sensor {
		snr, err := sensor.New(name, s.ID, s.External_Decider, s.Internal_Decider, s.Null_Decider)
		if err != nil {
			return nil, fmt.Errorf("daemonconfig: %w", err)
		}
		deciders[name] = snr
	}

	probeSensors := make(map[string][]string, len(raw.Probe))
	for name, p := range raw.Probe {
		if p.Bind_String == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingBind, name)
		}
		if p.Decoder == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingDecoder, name)
		}
		switch p.Decoder {
		case "netflowv5", "ipfix":
		default:
			return nil, fmt.Errorf("%w: %s (probe %s)", ErrUnknownDecoder, p.Decoder, name)
		}

		var names []string
		for _, s := range strings.Split(p.Sensors, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				names = append(names, s)
			}
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingSensors, name)
		}
		for _, s := range names {
			if _, ok := raw.Sensor[s]; !ok {
				return nil, fmt.Errorf("%w: probe %s references %s", ErrUnknownSensor, name, s)
			}
		}
		probeSensors[name] = names
	}

	c := &Config{
		Global:       raw.Global,
		Probes:       raw.Probe,
		Sensors:      raw.Sensor,
		Deciders:     deciders,
		ProbeSensors: probeSensors,
		InstanceID:   uuid.New(),
	}

	if raw.Global.Record_Version == 0 {
		c.Global.Record_Version = 5
	}
	if raw.Global.Max_File_Size != "" {
		sz, err := bytesize.Parse(raw.Global.Max_File_Size)
		if err != nil {
			return nil, fmt.Errorf("daemonconfig: Max-File-Size: %w", err)
		}
		c.MaxFileSize = int64(sz)
	}
	if raw.Global.Min_Free_Space != "" {
		sz, err := bytesize.Parse(raw.Global.Min_Free_Space)
		if err != nil {
			return nil, fmt.Errorf("daemonconfig: Min-Free-Space: %w", err)
		}
		c.MinFreeBytes = uint64(sz)
	}
	if raw.Global.Rotate_Interval != "" {
		d, err := time.ParseDuration(raw.Global.Rotate_Interval)
		if err != nil {
			return nil, fmt.Errorf("daemonconfig: Rotate-Interval: %w", err)
		}
		c.RotateInterval = d
	} else {
		c.RotateInterval = 5 * time.Minute
	}
	if raw.Global.Stats_Interval != "" {
		d, err := time.ParseDuration(raw.Global.Stats_Interval)
		if err != nil {
			return nil, fmt.Errorf("daemonconfig: Stats-Interval: %w", err)
		}
		c.StatsInterval = d
	} else {
		c.StatsInterval = time.Minute
	}
	return c, nil
}

// DumpEffective atomically writes a human-readable rendering of the loaded
// configuration to path, for the daemon's --dump-config diagnostic flag.
// The write is atomic (temp file + rename) so a reader never observes a
// partially written dump.
func DumpEffective(path string, c *Config) error {
	var out []byte
	out = append(out, fmt.Sprintf("Instance-ID = %s\n", c.InstanceID)...)
	out = append(out, fmt.Sprintf("Output-Dir = %s\n", c.Global.Output_Dir)...)
	out = append(out, fmt.Sprintf("Record-Version = %d\n", c.Global.Record_Version)...)
	out = append(out, fmt.Sprintf("Max-File-Size = %d\n", c.MaxFileSize)...)
	out = append(out, fmt.Sprintf("Rotate-Interval = %s\n", c.RotateInterval)...)
	out = append(out, fmt.Sprintf("Min-Free-Bytes = %d\n", c.MinFreeBytes)...)
	for name, p := range c.Probes {
		out = append(out, fmt.Sprintf("[Probe %q]\nBind-String = %s\nDecoder = %s\nSensors = %s\nZero-Packets-Quirk = %v\n",
			name, p.Bind_String, p.Decoder, p.Sensors, p.Zero_Packets_Quirk)...)
	}
	for name, s := range c.Sensors {
		out = append(out, fmt.Sprintf("[Sensor %q]\nID = %d\n", name, s.ID)...)
	}
	return renameio.WriteFile(path, out, 0o640)
}
