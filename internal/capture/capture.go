/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package capture implements the per-probe capture engine: one goroutine per
// probe drains its decoded records into the currently open file, opening a
// new one lazily and closing the current one on a timer, a size threshold,
// or daemon shutdown. Every reader moves through the same three states:
// NoFile, Open, and Closing.
package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flowforge/flowcapd/internal/flowrec"
	"github.com/flowforge/flowcapd/internal/logging"
	"github.com/flowforge/flowcapd/internal/rotate"
	"github.com/flowforge/flowcapd/internal/stream"
)

// State is a reader's position in the NoFile -> Open -> Closing lifecycle.
type State int

const (
	StateNoFile State = iota
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNoFile:
		return "no-file"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// RecordSource is what a reader drains: a named, already-running feed of
// decoded records. *probe.Probe satisfies this.
type RecordSource interface {
	ProbeName() string
	Records() <-chan flowrec.Record
}

// DiskAdmissionError wraps a failed admission check; this and any
// write/close/rename failure are fatal to the daemon per the engine's error
// contract, surfaced on the engine's Fatal channel rather than retried.
type DiskAdmissionError struct {
	Dir string
	Err error
}

func (e *DiskAdmissionError) Error() string {
	return fmt.Sprintf("capture: disk admission failed for %s: %v", e.Dir, e.Err)
}
func (e *DiskAdmissionError) Unwrap() error { return e.Err }

// Config governs every reader's rotation policy and the engine's shared
// disk-space admission thresholds.
type Config struct {
	Dir            string
	FilePerm       uint32
	RecordVersion  int
	Compression    stream.Compression
	MaxFileSize    int64         // bytes; 0 disables size-based rotation
	RotateInterval time.Duration // 0 disables timer-based rotation
	AlignToClock   bool          // align rotation boundaries to RotateInterval's wall-clock grid
	ClockOffset    time.Duration // shifts the AlignToClock grid away from the UTC epoch
	StatsInterval  time.Duration

	MinFreeBytes     uint64  // M
	MaxUsedPercent   float64 // P
	PerFileAllowance float64 // multiplier applied to MaxFileSize to get A; 0 defaults to 1.15

	// Logger receives the close-path summary lines. A nil Logger disables
	// close logging entirely (used by tests that don't care about it).
	Logger *logging.Logger
}

func (c Config) allowancePerFile() uint64 {
	mult := c.PerFileAllowance
	if mult <= 0 {
		mult = 1.15
	}
	return uint64(float64(c.MaxFileSize) * mult)
}

// reader tracks one probe's in-flight file and state.
type reader struct {
	src    RecordSource
	mu     sync.Mutex
	state  State
	rf     *rotate.File
	writer *stream.Writer
	opened time.Time

	closePending bool
	closing      bool
}

// Engine owns every probe's reader and the shared admission-control and
// close-serialization state.
type Engine struct {
	cfg Config

	// closeSer serializes rotation decisions across all readers so two
	// readers never race to evaluate disk admission against the same free
	// space snapshot. Lock order is always closeSer, then a reader's own
	// mutex -- never the reverse.
	closeSer sync.Mutex

	readersMu sync.Mutex
	readers   []*reader

	fatal  chan error
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg,
		fatal: make(chan error, 1),
	}
}

// Fatal is signaled at most once, with the first write/close/rename/
// disk-admission error encountered by any reader. The daemon should treat a
// receive on this channel as a directive to shut down.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// AddSource registers a probe's record feed with the engine. Must be called
// before Run.
func (e *Engine) AddSource(src RecordSource) {
	e.readersMu.Lock()
	defer e.readersMu.Unlock()
	e.readers = append(e.readers, &reader{src: src, state: StateNoFile})
}

// Run starts one consume goroutine per registered source plus the rotation
// timer goroutine, and blocks until ctx is canceled, at which point every
// reader's current file is closed and published before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.readersMu.Lock()
	readers := append([]*reader(nil), e.readers...)
	e.readersMu.Unlock()

	for _, rs := range readers {
		e.wg.Add(1)
		go e.consumeLoop(ctx, rs)
	}
	if e.cfg.RotateInterval > 0 {
		e.wg.Add(1)
		go e.timerLoop(ctx, readers)
	}

	<-ctx.Done()
	e.wg.Wait()

	var firstErr error
	for _, rs := range readers {
		if err := e.closeReader(rs, "shutdown"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown requests Run to stop; it does not block for completion.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) consumeLoop(ctx context.Context, rs *reader) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-rs.src.Records():
			if !ok {
				return
			}
			if err := e.writeRecord(rs, rec); err != nil {
				e.reportFatal(err)
				return
			}
		}
	}
}

// writeRecord opens a file for rs if none is open, appends rec, and triggers
// a size-based close if the running upper-bound estimate has now reached the
// configured threshold.
func (e *Engine) writeRecord(rs *reader, rec flowrec.Record) error {
	rs.mu.Lock()
	if rs.state == StateNoFile {
		rs.mu.Unlock()
		if err := e.openReader(rs); err != nil {
			return err
		}
		rs.mu.Lock()
	}
	if rs.state != StateOpen {
		rs.mu.Unlock()
		return nil // a concurrent close is in flight; the record is dropped with it
	}
	err := rs.writer.WriteRecord(&rec)
	if err == nil {
		rs.rf.MarkWritten()
	}
	oversize := e.cfg.MaxFileSize > 0 && rs.writer.UpperBoundBytes() >= e.cfg.MaxFileSize
	rs.mu.Unlock()
	if err != nil {
		return fmt.Errorf("capture: write record for %s: %w", rs.src.ProbeName(), err)
	}
	if oversize {
		return e.closeReader(rs, "size")
	}
	return nil
}

// openReader runs the disk-space admission check, then opens a fresh
// dotfile and stream writer for rs. The admission check and the open happen
// under the global close-serialization mutex so two readers opening at once
// see a consistent free-space snapshot.
func (e *Engine) openReader(rs *reader) error {
	e.closeSer.Lock()
	defer e.closeSer.Unlock()

	// checkAdmission locks every reader's mutex, rs's included, so it runs
	// before rs.mu is taken here.
	if err := e.checkAdmission(); err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.state == StateOpen {
		return nil
	}

	rf, err := rotate.Open(e.cfg.Dir, rs.src.ProbeName(), filePerm(e.cfg.FilePerm))
	if err != nil {
		return fmt.Errorf("capture: open file for %s: %w", rs.src.ProbeName(), err)
	}
	hourAnchor := time.Now().Truncate(time.Hour).UnixMilli()
	w, err := stream.NewWriter(rf.Handle(), stream.Header{
		RecordVersion: e.cfg.RecordVersion,
		Compression:   e.cfg.Compression,
		HourAnchorMS:  hourAnchor,
		Annotations:   map[string]string{"probe": rs.src.ProbeName()},
	})
	if err != nil {
		rf.Abort()
		return fmt.Errorf("capture: init writer for %s: %w", rs.src.ProbeName(), err)
	}

	rs.rf = rf
	rs.writer = w
	rs.opened = time.Now()
	rs.state = StateOpen
	return nil
}

// checkAdmission enforces F - A*N >= M and (T - (F-A*N))/T*100 <= P, where N
// is the number of readers currently holding an open file (including the one
// about to open). Caller holds closeSer.
func (e *Engine) checkAdmission() error {
	if e.cfg.MinFreeBytes == 0 && e.cfg.MaxUsedPercent == 0 {
		return nil
	}
	free, total, err := statfs(e.cfg.Dir)
	if err != nil {
		return &DiskAdmissionError{Dir: e.cfg.Dir, Err: err}
	}
	n := e.activeReaderCountLocked() + 1
	allowance := e.cfg.allowancePerFile() * uint64(n)

	var projectedFree uint64
	if free > allowance {
		projectedFree = free - allowance
	}
	if e.cfg.MinFreeBytes > 0 && projectedFree < e.cfg.MinFreeBytes {
		return &DiskAdmissionError{Dir: e.cfg.Dir, Err: fmt.Errorf("projected free %d bytes below minimum %d", projectedFree, e.cfg.MinFreeBytes)}
	}
	if e.cfg.MaxUsedPercent > 0 && total > 0 {
		usedPercent := float64(total-projectedFree) / float64(total) * 100
		if usedPercent > e.cfg.MaxUsedPercent {
			return &DiskAdmissionError{Dir: e.cfg.Dir, Err: fmt.Errorf("projected usage %.2f%% exceeds maximum %.2f%%", usedPercent, e.cfg.MaxUsedPercent)}
		}
	}
	return nil
}

func (e *Engine) activeReaderCountLocked() int {
	e.readersMu.Lock()
	defer e.readersMu.Unlock()
	n := 0
	for _, rs := range e.readers {
		rs.mu.Lock()
		if rs.state == StateOpen {
			n++
		}
		rs.mu.Unlock()
	}
	return n
}

// closeReader runs the full close procedure: mark Closing, flush and close
// the writer, publish the file, and return to NoFile. Lock order matches
// openReader: closeSer first, then the reader's own mutex.
func (e *Engine) closeReader(rs *reader, reason string) error {
	e.closeSer.Lock()
	defer e.closeSer.Unlock()

	rs.mu.Lock()
	if rs.state != StateOpen {
		rs.mu.Unlock()
		return nil
	}
	rs.state = StateClosing
	rs.closing = true
	w := rs.writer
	rf := rs.rf
	opened := rs.opened
	rs.mu.Unlock()

	closeErr := w.Close()
	if closeErr != nil {
		e.abortAndReset(rs, rf)
		return fmt.Errorf("capture: close writer for %s (%s): %w", rs.src.ProbeName(), reason, closeErr)
	}

	records := w.RecordsWritten()
	upperBound := w.UpperBoundBytes()
	ratio := w.CompressionRatio()
	elapsed := time.Since(opened).Seconds()

	path, err := rf.Publish()
	if err != nil {
		e.abortAndReset(rs, rf)
		return fmt.Errorf("capture: publish file for %s (%s): %w", rs.src.ProbeName(), reason, err)
	}

	if e.cfg.Logger != nil {
		if path == "" {
			e.cfg.Logger.Info("empty file removed",
				logging.KV("probe", rs.src.ProbeName()),
				logging.KV("reason", reason),
				logging.KV("elapsed_sec", elapsed))
		} else {
			e.cfg.Logger.Info("capture file closed",
				logging.KV("probe", rs.src.ProbeName()),
				logging.KV("reason", reason),
				logging.KV("path", path),
				logging.KV("records", records),
				logging.KV("bytes", upperBound),
				logging.KV("elapsed_sec", elapsed),
				logging.KV("compression_ratio", ratio))
		}
	}

	rs.mu.Lock()
	rs.writer = nil
	rs.rf = nil
	rs.state = StateNoFile
	rs.closing = false
	rs.mu.Unlock()
	return nil
}

func (e *Engine) abortAndReset(rs *reader, rf *rotate.File) {
	rf.Abort()
	rs.mu.Lock()
	rs.writer = nil
	rs.rf = nil
	rs.state = StateNoFile
	rs.closing = false
	rs.mu.Unlock()
}

// timerLoop evaluates every reader's rotation deadline once per tick. When
// AlignToClock is set the first deadline for a freshly opened file is
// rounded up to the next RotateInterval boundary on the wall clock instead
// of RotateInterval after the open time.
func (e *Engine) timerLoop(ctx context.Context, readers []*reader) {
	defer e.wg.Done()
	tick := e.cfg.RotateInterval / 4
	if tick <= 0 {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, rs := range readers {
				if e.deadlinePassed(rs) {
					if err := e.closeReader(rs, "timer"); err != nil {
						e.reportFatal(err)
						return
					}
				}
			}
		}
	}
}

func (e *Engine) deadlinePassed(rs *reader) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.state != StateOpen {
		return false
	}
	deadline := rs.opened.Add(e.cfg.RotateInterval)
	if e.cfg.AlignToClock {
		anchor := rs.opened.Add(-e.cfg.ClockOffset)
		deadline = anchor.Truncate(e.cfg.RotateInterval).Add(e.cfg.RotateInterval).Add(e.cfg.ClockOffset)
	}
	return !time.Now().Before(deadline)
}

func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

func filePerm(m uint32) os.FileMode {
	if m == 0 {
		m = 0o640
	}
	return os.FileMode(m)
}
