/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/flowforge/flowcapd/internal/capture"
	"github.com/flowforge/flowcapd/internal/daemonconfig"
	"github.com/flowforge/flowcapd/internal/flowrec"
	"github.com/flowforge/flowcapd/internal/logging"
	"github.com/flowforge/flowcapd/internal/probe"
	"github.com/flowforge/flowcapd/internal/sensor"
	"github.com/flowforge/flowcapd/internal/statsreport"
	"github.com/flowforge/flowcapd/internal/stream"
	"github.com/flowforge/flowcapd/internal/waitquit"
	"github.com/flowforge/flowcapd/internal/wire"
	"github.com/inhies/go-bytesize"
	"golang.org/x/sync/errgroup"
)

var (
	sensorConfig    = flag.String("sensor-configuration", "", "Location of the probe/sensor configuration file")
	verifyConfig    = flag.Bool("verify-sensor-config", false, "Parse the sensor configuration and exit")
	verifyVerbose   = flag.Bool("verify-sensor-config-verbose", false, "With -verify-sensor-config, also print probe names")
	destDir         = flag.String("destination-directory", "", "Directory dotfiles and placeholders are written to")
	maxFileSize     = flag.String("max-file-size", "", "Maximum size of a capture file before it rotates (k/m/g/t suffixes)")
	timeoutSeconds  = flag.Int("timeout", 60, "Close-interval period, in seconds (1..2^32-2)")
	clockAlign      = flag.Bool("clock-time", false, "Align rotation boundaries to the wall clock instead of open time")
	clockOffsetSecs = flag.Int("clock-time-offset", 0, "Offset in seconds applied to the clock-time alignment boundary")
	freeMin         = flag.String("freespace-minimum", "1g", "Minimum free space the destination filesystem must retain")
	maxUsedPercent  = flag.Float64("space-maximum-percent", 98.00, "Maximum percent of the destination filesystem allowed in use")
	probesFilter    = flag.String("probes", "", "Comma-separated whitelist of probe names to run (default: all)")
	fcVersion       = flag.Int("fc-version", 5, "On-disk record version to write (2..5)")
	compressionFlag = flag.String("compression-method", "none", "Stream compression method: none, gzip, or zstd")
	logLevelFlag    = flag.String("log-level", "INFO", "Minimum log level: DEBUG, INFO, WARN, ERROR, CRITICAL")
	logFile         = flag.String("log-file", "", "Optional path to append structured logs to, in addition to stderr")
	dumpConfig      = flag.String("dump-config", "", "Write the effective configuration to this path and exit")
)

const (
	minFcVersion = 2
	maxFcVersion = 5
)

func main() {
	flag.Parse()

	lg := logging.New(os.Stderr, logging.ParseLevel(*logLevelFlag))
	if *logFile != "" {
		fl, err := logging.NewFile(*logFile, logging.ParseLevel(*logLevelFlag))
		if err != nil {
			lg.Critical("failed to open log file", logging.KV("path", *logFile), logging.KVErr(err))
			os.Exit(1)
		}
		lg = fl
	}

	if *sensorConfig == "" {
		lg.Critical("missing required flag", logging.KV("flag", "-sensor-configuration"))
		os.Exit(1)
	}
	cfg, err := daemonconfig.Load(*sensorConfig)
	if err != nil {
		lg.Critical("failed to load sensor configuration", logging.KV("path", *sensorConfig), logging.KVErr(err))
		os.Exit(1)
	}

	if *verifyConfig {
		names := sortedProbeNames(cfg)
		if *verifyVerbose {
			fmt.Fprintf(os.Stdout, "valid configuration, %d probe(s): %s\n", len(names), strings.Join(names, ", "))
		} else {
			fmt.Fprintln(os.Stdout, "valid configuration")
		}
		os.Exit(0)
	}

	if *dumpConfig != "" {
		if err := daemonconfig.DumpEffective(*dumpConfig, cfg); err != nil {
			lg.Critical("failed to dump effective configuration", logging.KV("path", *dumpConfig), logging.KVErr(err))
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "wrote effective configuration to %s\n", *dumpConfig)
		os.Exit(0)
	}

	if *destDir == "" {
		lg.Critical("missing required flag", logging.KV("flag", "-destination-directory"))
		os.Exit(1)
	}
	if *maxFileSize == "" {
		lg.Critical("missing required flag", logging.KV("flag", "-max-file-size"))
		os.Exit(1)
	}
	if *fcVersion < minFcVersion || *fcVersion > maxFcVersion {
		lg.Critical("fc-version out of range", logging.KV("value", *fcVersion), logging.KV("min", minFcVersion), logging.KV("max", maxFcVersion))
		os.Exit(1)
	}

	captureCfg, err := buildCaptureConfig(cfg)
	if err != nil {
		lg.Critical("invalid runtime configuration", logging.KVErr(err))
		os.Exit(1)
	}
	captureCfg.Logger = lg

	names := allowedProbeNames(cfg, *probesFilter)
	if len(names) == 0 {
		lg.Critical("no probes selected to run", logging.KV("filter", *probesFilter))
		os.Exit(1)
	}

	engine := capture.New(captureCfg)
	probes, err := startProbes(engine, cfg, names, lg)
	if err != nil {
		lg.Critical("failed to start probes", logging.KVErr(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return engine.Run(egCtx)
	})
	eg.Go(func() error {
		return statsLoop(egCtx, captureCfg.StatsInterval, cfg.InstanceID.String(), captureCfg.Dir, probes, lg)
	})
	eg.Go(func() error {
		select {
		case err := <-engine.Fatal():
			lg.Error("capture engine reported a fatal error", logging.KVErr(err))
			cancel()
			return err
		case <-egCtx.Done():
			return nil
		}
	})
	eg.Go(func() error {
		sig := waitquit.Wait()
		lg.Info("received shutdown signal", logging.KV("signal", sig))
		engine.Shutdown()
		cancel()
		return nil
	})

	lg.Info("flowcapd running", logging.KV("instance", cfg.InstanceID), logging.KV("probes", strings.Join(names, ",")), logging.KV("dest", captureCfg.Dir))

	runErr := eg.Wait()
	for _, p := range probes {
		p.Close()
	}
	if runErr != nil {
		lg.Critical("flowcapd exiting with error", logging.KVErr(runErr))
		os.Exit(1)
	}
	lg.Info("flowcapd stopped cleanly")
}

func sortedProbeNames(cfg *daemonconfig.Config) []string {
	names := make([]string, 0, len(cfg.Probes))
	for name := range cfg.Probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// allowedProbeNames intersects every probe name in cfg with the --probes
// whitelist, or returns every probe name when no whitelist was given.
func allowedProbeNames(cfg *daemonconfig.Config, filter string) []string {
	if filter == "" {
		return sortedProbeNames(cfg)
	}
	want := map[string]bool{}
	for _, n := range strings.Split(filter, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			want[n] = true
		}
	}
	var out []string
	for name := range cfg.Probes {
		if want[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func buildCaptureConfig(cfg *daemonconfig.Config) (capture.Config, error) {
	sz, err := bytesize.Parse(*maxFileSize)
	if err != nil {
		return capture.Config{}, fmt.Errorf("max-file-size: %w", err)
	}
	if uint64(sz) > 0xFFFFFFFF {
		return capture.Config{}, fmt.Errorf("max-file-size exceeds 2^32-1 bytes")
	}

	free, err := bytesize.Parse(*freeMin)
	if err != nil {
		return capture.Config{}, fmt.Errorf("freespace-minimum: %w", err)
	}

	if *timeoutSeconds < 1 || int64(*timeoutSeconds) > int64(^uint32(0))-1 {
		return capture.Config{}, fmt.Errorf("timeout out of range: %d", *timeoutSeconds)
	}

	comp, err := parseCompression(*compressionFlag)
	if err != nil {
		return capture.Config{}, err
	}

	statsInterval := cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = time.Minute
	}

	return capture.Config{
		Dir:              *destDir,
		FilePerm:         uint32(cfg.Global.File_Perm),
		RecordVersion:    *fcVersion,
		Compression:      comp,
		MaxFileSize:      int64(sz),
		RotateInterval:   time.Duration(*timeoutSeconds) * time.Second,
		AlignToClock:     *clockAlign,
		ClockOffset:      time.Duration(*clockOffsetSecs) * time.Second,
		StatsInterval:    statsInterval,
		MinFreeBytes:     uint64(free),
		MaxUsedPercent:   *maxUsedPercent,
		PerFileAllowance: cfg.Global.Per_File_Allowance,
	}, nil
}

func parseCompression(s string) (stream.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return stream.CompressionNone, nil
	case "gzip":
		return stream.CompressionGzip, nil
	case "zstd":
		return stream.CompressionZstd, nil
	default:
		return 0, fmt.Errorf("compression-method: unrecognized value %q", s)
	}
}

// startProbes builds a decoder and RecordSource for every selected probe,
// wires each one's classifier chain, and starts its listener. A probe that
// fails to build its decoder, bind, or start its receive loop is logged and
// skipped rather than aborting the rest; the daemon only fails outright if
// every selected probe fails this way.
func startProbes(engine *capture.Engine, cfg *daemonconfig.Config, names []string, lg *logging.Logger) ([]*probe.Probe, error) {
	ctx := context.Background()
	var probes []*probe.Probe
	for _, name := range names {
		p, ok := cfg.Probes[name]
		if !ok {
			lg.Warn("selected probe has no configuration", logging.KV("probe", name))
			continue
		}

		snrs := make([]*sensor.Sensor, 0, len(cfg.ProbeSensors[name]))
		for _, sn := range cfg.ProbeSensors[name] {
			snrs = append(snrs, cfg.Deciders[sn])
		}

		var pr *probe.Probe
		decoder, err := buildDecoder(p.Decoder, snrs, p.Zero_Packets_Quirk, func(n uint64) { pr.AddLost(n) })
		if err != nil {
			lg.Error("failed to build decoder, probe will not start", logging.KV("probe", name), logging.KVErr(err))
			continue
		}

		pr = probe.New(name, decoder, p.Buffer_Records)
		if err := pr.Listen(p.Bind_String); err != nil {
			lg.Error("failed to bind probe, probe will not start", logging.KV("probe", name), logging.KV("bind", p.Bind_String), logging.KVErr(err))
			continue
		}
		if err := pr.Start(ctx); err != nil {
			lg.Error("failed to start probe receive loop, probe will not start", logging.KV("probe", name), logging.KVErr(err))
			pr.Close()
			continue
		}
		lg.Info("probe listening", logging.KV("probe", name), logging.KV("bind", p.Bind_String), logging.KV("decoder", p.Decoder))

		engine.AddSource(pr)
		probes = append(probes, pr)
	}
	if len(probes) == 0 {
		return nil, fmt.Errorf("no probe could be started")
	}
	return probes, nil
}

func buildDecoder(kind string, snrs []*sensor.Sensor, zeroPacketsQuirk bool, lossSink func(uint64)) (probe.Decoder, error) {
	if len(snrs) == 0 {
		return nil, fmt.Errorf("no sensors configured")
	}
	defaultID := snrs[0].ID
	switch kind {
	case "netflowv5":
		d := wire.NewNFv5Decoder()
		d.SetZeroPacketsQuirk(zeroPacketsQuirk)
		src := wire.NewNFv5Source(d, defaultID, lossSink)
		return classifyingDecoder{next: src, snrs: snrs}, nil
	case "ipfix":
		d := wire.NewTemplateDecoder()
		d.SetZeroPacketsQuirk(zeroPacketsQuirk)
		src := wire.NewTemplateSource(d, defaultID)
		return classifyingDecoder{next: src, snrs: snrs}, nil
	default:
		return nil, fmt.Errorf("unrecognized decoder %q", kind)
	}
}

// classifyingDecoder wraps a wire decoder so every record it produces is
// stamped with the flow type and sensor ID of the first of the probe's
// configured sensors whose network decider claims it; a record none of them
// claim keeps the probe's first sensor as a default, unclassified.
type classifyingDecoder struct {
	next probe.Decoder
	snrs []*sensor.Sensor
}

func (c classifyingDecoder) Decode(buf []byte, src net.IP) ([]flowrec.Record, error) {
	recs, err := c.next.Decode(buf, src)
	for i := range recs {
		matched := c.snrs[0]
		ft := sensor.FlowTypeUnclassified
		for _, snr := range c.snrs {
			if t := snr.Classify(&recs[i]); t != sensor.FlowTypeUnclassified {
				matched = snr
				ft = t
				break
			}
		}
		recs[i].SensorID = matched.ID
		recs[i].FlowType = uint16(ft)
	}
	return recs, err
}

func statsLoop(ctx context.Context, interval time.Duration, instanceID, dir string, probes []*probe.Probe, lg *logging.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			snapshot := make(map[string]probe.Stats, len(probes))
			for _, p := range probes {
				st := p.LogStatsAndClear()
				snapshot[p.ProbeName()] = st
				lg.Info("probe stats", logging.KV("probe", p.ProbeName()),
					logging.KV("received", st.Received), logging.KV("forwarded", st.Forwarded),
					logging.KV("lost", st.Lost), logging.KV("malformed", st.Malformed))
			}
			if err := statsreport.Write(dir, instanceID, time.Now(), snapshot); err != nil {
				lg.Warn("failed to write stats snapshot", logging.KVErr(err))
			}
		}
	}
}
