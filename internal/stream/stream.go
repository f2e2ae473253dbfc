/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package stream implements the on-disk file format a capture file is
// written in: a fixed header (format identifier, record version, record
// length, byte order, compression method, and a small set of key-value
// annotations) followed by a data phase of back-to-back codec-encoded
// records, optionally compressed.
package stream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/flowforge/flowcapd/internal/codec"
	"github.com/flowforge/flowcapd/internal/flowrec"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// FormatMagic identifies this file format at the start of every header.
const FormatMagic uint32 = 0x464c4357 // "FLCW"

// Compression selects how the data phase is encoded.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

var (
	ErrBadMagic          = errors.New("stream: not a capture file (bad magic)")
	ErrUnsupportedFormat = errors.New("stream: unsupported header format version")
	ErrClosed            = errors.New("stream: writer already closed")
	ErrUnknownCompress   = errors.New("stream: unknown compression method")
)

// headerFormatVersion versions the header layout itself, independent of the
// record version it describes.
const headerFormatVersion uint16 = 1

// Header is the fixed preamble every capture file begins with, followed by
// its key-value annotation block.
type Header struct {
	RecordVersion int
	RecordLen     int
	ByteOrder     binary.ByteOrder
	Compression   Compression
	HourAnchorMS  int64
	Annotations   map[string]string
}

func nativeOrderByte(order binary.ByteOrder) byte {
	if order == binary.BigEndian {
		return 1
	}
	return 0
}

func orderFromByte(b byte) binary.ByteOrder {
	if b == 1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// writeHeader serializes Header onto w: magic, format version, record
// version, record length, byte-order flag, compression method, hour anchor,
// then a count-prefixed, sorted sequence of key/value annotation pairs.
func writeHeader(w io.Writer, h Header) error {
	buf := make([]byte, 4+2+2+2+1+1+8)
	binary.BigEndian.PutUint32(buf[0:4], FormatMagic)
	binary.BigEndian.PutUint16(buf[4:6], headerFormatVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.RecordVersion))
	binary.BigEndian.PutUint16(buf[8:10], uint16(h.RecordLen))
	buf[10] = nativeOrderByte(h.ByteOrder)
	buf[11] = byte(h.Compression)
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.HourAnchorMS))
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("stream: write header: %w", err)
	}

	keys := make([]string, 0, len(h.Annotations))
	for k := range h.Annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cbuf [2]byte
	binary.BigEndian.PutUint16(cbuf[:], uint16(len(keys)))
	if _, err := w.Write(cbuf[:]); err != nil {
		return fmt.Errorf("stream: write annotation count: %w", err)
	}
	for _, k := range keys {
		v := h.Annotations[k]
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, v); err != nil {
			return err
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	var lbuf [2]byte
	binary.BigEndian.PutUint16(lbuf[:], uint16(len(s)))
	if _, err := w.Write(lbuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	var lbuf [2]byte
	if _, err := io.ReadFull(r, lbuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lbuf[:])
	sb := make([]byte, n)
	if _, err := io.ReadFull(r, sb); err != nil {
		return "", err
	}
	return string(sb), nil
}

// readHeader parses the fixed preamble and annotation block from r.
func readHeader(r io.Reader) (Header, error) {
	buf := make([]byte, 4+2+2+2+1+1+8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("stream: read header: %w", err)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != FormatMagic {
		return Header{}, ErrBadMagic
	}
	if binary.BigEndian.Uint16(buf[4:6]) != headerFormatVersion {
		return Header{}, ErrUnsupportedFormat
	}
	h := Header{
		RecordVersion: int(binary.BigEndian.Uint16(buf[6:8])),
		RecordLen:     int(binary.BigEndian.Uint16(buf[8:10])),
		ByteOrder:     orderFromByte(buf[10]),
		Compression:   Compression(buf[11]),
		HourAnchorMS:  int64(binary.BigEndian.Uint64(buf[12:20])),
		Annotations:   map[string]string{},
	}

	var cbuf [2]byte
	if _, err := io.ReadFull(r, cbuf[:]); err != nil {
		return Header{}, fmt.Errorf("stream: read annotation count: %w", err)
	}
	n := binary.BigEndian.Uint16(cbuf[:])
	for i := uint16(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return Header{}, fmt.Errorf("stream: read annotation key: %w", err)
		}
		v, err := readString(r)
		if err != nil {
			return Header{}, fmt.Errorf("stream: read annotation value: %w", err)
		}
		h.Annotations[k] = v
	}
	return h, nil
}

// countingWriter tracks the cumulative number of bytes handed to Write, used
// by CompressionRatio as the count of bytes that reached the underlying file
// (header included) without depending on the file's own size reporting.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// compressCloser is satisfied by both *gzip.Writer and *zstd.Encoder.
type compressCloser interface {
	io.Writer
	Close() error
	Flush() error
}

// Writer appends codec-encoded records to an open file, tracking a
// cumulative upper-bound byte count so a caller can enforce a size-based
// rotation trigger without statting the file after every write.
type Writer struct {
	raw     *countingWriter
	buffered *bufio.Writer
	comp    compressCloser
	codec   *codec.Codec
	header  Header
	closed  bool

	recordsWritten uint64
	rawUpperBound  int64 // uncompressed record bytes handed to the compressor or buffer
}

// NewWriter writes a fresh header to f and returns a Writer ready to accept
// records under that header's record version, byte order, and compression.
func NewWriter(f io.Writer, h Header) (*Writer, error) {
	if h.ByteOrder == nil {
		h.ByteOrder = binary.LittleEndian
	}
	rl, err := codec.RecordLen(h.RecordVersion)
	if err != nil {
		return nil, err
	}
	h.RecordLen = rl
	c, err := codec.New(h.RecordVersion, h.ByteOrder)
	if err != nil {
		return nil, err
	}

	cw := &countingWriter{w: f}
	if err := writeHeader(cw, h); err != nil {
		return nil, err
	}

	sw := &Writer{raw: cw, codec: c, header: h}
	bw := bufio.NewWriterSize(cw, 64*1024)

	switch h.Compression {
	case CompressionNone:
		sw.buffered = bw
	case CompressionGzip:
		gz, gerr := gzip.NewWriterLevel(bw, gzip.DefaultCompression)
		if gerr != nil {
			return nil, gerr
		}
		sw.comp = gz
		sw.buffered = bw
	case CompressionZstd:
		ze, zerr := zstd.NewWriter(bw)
		if zerr != nil {
			return nil, zerr
		}
		sw.comp = ze
		sw.buffered = bw
	default:
		return nil, ErrUnknownCompress
	}
	return sw, nil
}

func (w *Writer) target() io.Writer {
	if w.comp != nil {
		return w.comp
	}
	return w.buffered
}

// WriteRecord encodes and appends one record. It does not flush; callers
// relying on the upper-bound byte estimate for a close decision should call
// Flush first, or rely on the conservative nature of the running estimate.
func (w *Writer) WriteRecord(r *flowrec.Record) error {
	if w.closed {
		return ErrClosed
	}
	buf := make([]byte, w.codec.RecordLen())
	if err := w.codec.Encode(buf, r, w.header.HourAnchorMS); err != nil {
		return err
	}
	n, err := w.target().Write(buf)
	if err != nil {
		return fmt.Errorf("stream: write record: %w", err)
	}
	w.recordsWritten++
	w.rawUpperBound += int64(n)
	return nil
}

// RecordsWritten returns the count of records successfully appended.
func (w *Writer) RecordsWritten() uint64 { return w.recordsWritten }

// UpperBoundBytes returns a conservative estimate of the file's current size:
// the sum of uncompressed record bytes handed to the writer plus the header.
// It is deliberately an upper bound (actual compressed size is <= this). The
// estimate grows only after a record is written, so a size-based rotation
// trigger checked after each write can leave a file up to one record past
// the configured limit.
func (w *Writer) UpperBoundBytes() int64 {
	hdr := int64(4 + 2 + 2 + 2 + 1 + 1 + 8 + 2)
	for k, v := range w.header.Annotations {
		hdr += int64(2 + len(k) + 2 + len(v))
	}
	return w.rawUpperBound + hdr
}

// CompressionRatio reports the ratio of record bytes handed to the writer
// versus bytes actually written to the underlying file so far, header
// included. A ratio > 1 means the data phase is shrinking on disk. Returns 0
// while no record has been written; before the record bytes are flushed the
// denominator holds only the header.
func (w *Writer) CompressionRatio() float64 {
	if w.raw.n == 0 {
		return 0
	}
	return float64(w.rawUpperBound) / float64(w.raw.n)
}

// Flush pushes any buffered record bytes (and, if compressing, any buffered
// compressor state) out to the underlying writer without closing it.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if w.comp != nil {
		if err := w.comp.Flush(); err != nil {
			return err
		}
	}
	return w.buffered.Flush()
}

// Close finishes the data phase: close the compressor (writing its trailer
// if any), then flush the buffered writer to the underlying file. The writer
// is marked closed before either step, so a second Close returns nil without
// retrying a step that failed. The underlying file is not closed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			return fmt.Errorf("stream: close compressor: %w", err)
		}
	}
	return w.buffered.Flush()
}

// Reader reads records back out of a capture file written by Writer.
type Reader struct {
	header Header
	codec  *codec.Codec
	src    io.Reader
	closer io.Closer
}

// NewReader parses f's header and returns a Reader positioned at the start
// of the data phase.
func NewReader(f io.Reader) (*Reader, error) {
	h, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	c, err := codec.New(h.RecordVersion, h.ByteOrder)
	if err != nil {
		return nil, err
	}
	rd := &Reader{header: h, codec: c}

	switch h.Compression {
	case CompressionNone:
		rd.src = f
	case CompressionGzip:
		gr, gerr := gzip.NewReader(f)
		if gerr != nil {
			return nil, gerr
		}
		rd.src = gr
		rd.closer = gr
	case CompressionZstd:
		zr, zerr := zstd.NewReader(f)
		if zerr != nil {
			return nil, zerr
		}
		rd.src = zr
		rd.closer = nopCloser{}
	default:
		return nil, ErrUnknownCompress
	}
	return rd, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Header returns the parsed file header.
func (rd *Reader) Header() Header { return rd.header }

// ReadRecord decodes the next record, returning io.EOF when the data phase
// is exhausted.
func (rd *Reader) ReadRecord() (flowrec.Record, error) {
	buf := make([]byte, rd.codec.RecordLen())
	if _, err := io.ReadFull(rd.src, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return flowrec.Record{}, io.EOF
		}
		return flowrec.Record{}, err
	}
	return rd.codec.Decode(buf, rd.header.HourAnchorMS)
}

// Close releases any decompressor resources. It does not close the
// underlying file, which the caller opened.
func (rd *Reader) Close() error {
	if rd.closer != nil {
		return rd.closer.Close()
	}
	return nil
}
