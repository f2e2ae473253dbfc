/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package wire implements the ingress datagram/stream decoders: NetFlow v5's
// fixed-record format and the template-driven IPFIX/NetFlow-v9 family; sFlow
// datagrams are not decoded. Each decoder's Decode turns one datagram or
// framed message into all the records it yields at once; neither decoder
// implements the Source pull interface declared below.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/flowforge/flowcapd/internal/flowrec"
)

const (
	nfv5HeaderSize int = 24
	nfv5RecordSize int = 48
	nfv5MaxRecords int = 30
)

var (
	ErrHeaderTooShort      = errors.New("wire: buffer too small for NetFlow v5 header")
	ErrInvalidVersion      = errors.New("wire: not a NetFlow v5 datagram")
	ErrInvalidCount        = errors.New("wire: NetFlow v5 record count is invalid")
	ErrInvalidRecordBuffer = errors.New("wire: buffer length does not match header + count*recordsize")
)

// nfv5Header mirrors the 24-byte wire header.
type nfv5Header struct {
	Version  uint16
	Count    uint16
	Uptime   uint32 // boot-relative milliseconds
	Sec      uint32 // wall-clock anchor, seconds
	Nsec     uint32 // wall-clock anchor, nanoseconds
	Sequence uint32
}

func (h *nfv5Header) decode(b []byte) {
	h.Version = binary.BigEndian.Uint16(b)
	h.Count = binary.BigEndian.Uint16(b[2:4])
	h.Uptime = binary.BigEndian.Uint32(b[4:8])
	h.Sec = binary.BigEndian.Uint32(b[8:12])
	h.Nsec = binary.BigEndian.Uint32(b[12:16])
	h.Sequence = binary.BigEndian.Uint32(b[16:20])
}

// epochMS translates a boot-relative millisecond offset into an absolute
// millisecond epoch timestamp using this header's wall-clock anchor:
// epoch = wall_anchor - uptime + boot_relative.
func (h *nfv5Header) epochMS(bootRelativeMS uint32) int64 {
	anchorMS := int64(h.Sec)*1000 + int64(h.Nsec)/1_000_000
	return anchorMS - int64(h.Uptime) + int64(bootRelativeMS)
}

// Stats tracks per-decoder counters, read concurrently with decode.
type Stats struct {
	Malformed uint64
	SeqLost   uint64
}

// NFv5Decoder decodes NetFlow v5 datagrams into flowrec.Record values. One
// decoder is shared by a probe's receive loop; sequence state is tracked per
// source address so a gap on one exporter doesn't pollute another's count.
type NFv5Decoder struct {
	mu        sync.Mutex
	seq       map[string]uint32
	haveSeq   map[string]bool
	malformed uint64
	seqLost   uint64

	zeroPacketsQuirk bool
}

func NewNFv5Decoder() *NFv5Decoder {
	return &NFv5Decoder{
		seq:     make(map[string]uint32),
		haveSeq: make(map[string]bool),
	}
}

// SetZeroPacketsQuirk enables or disables the ZERO_PACKETS fallback layout
// for records this decoder produces with a wire-reported packet count of
// zero. Call before Decode is used concurrently; it is not itself
// synchronized against in-flight decodes.
func (d *NFv5Decoder) SetZeroPacketsQuirk(on bool) {
	d.zeroPacketsQuirk = on
}

// Stats returns a snapshot of the decoder's counters.
func (d *NFv5Decoder) Stats() Stats {
	return Stats{
		Malformed: atomic.LoadUint64(&d.malformed),
		SeqLost:   atomic.LoadUint64(&d.seqLost),
	}
}

// Decode validates and parses one NetFlow v5 datagram, returning up to 30
// records. A malformed datagram (bad version, invalid count, length
// mismatch) is rejected wholesale: the malformed counter is incremented and
// an error is returned so the caller can drop the datagram and continue.
func (d *NFv5Decoder) Decode(buf []byte, src net.IP, sensorID uint16) ([]flowrec.Record, error) {
	n, err := validateSize(buf)
	if err != nil {
		atomic.AddUint64(&d.malformed, 1)
		return nil, err
	}
	buf = buf[:n]

	var hdr nfv5Header
	hdr.decode(buf)
	if hdr.Version != 5 {
		atomic.AddUint64(&d.malformed, 1)
		return nil, ErrInvalidVersion
	}

	d.trackSequence(src, hdr.Sequence)

	body := buf[nfv5HeaderSize:]
	recs := make([]flowrec.Record, 0, hdr.Count)
	for i := uint16(0); i < hdr.Count; i++ {
		rb := body[i*uint16(nfv5RecordSize) : (i+1)*uint16(nfv5RecordSize)]
		rec := decodeNFv5Record(rb, &hdr, sensorID)
		if !d.zeroPacketsQuirk {
			rec.AttrFlags &^= flowrec.AttrZeroPacketsQuirk
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// trackSequence counts a loss whenever the observed sequence skips forward
// by more than one relative to the last one seen for this source. Gaps are
// counted, not repaired, and never stop decoding.
func (d *NFv5Decoder) trackSequence(src net.IP, seq uint32) {
	key := src.String()
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.seq[key]
	d.seq[key] = seq
	if !ok {
		d.haveSeq[key] = true
		return
	}
	if gap := seq - last - 1; seq > last && gap > 0 {
		atomic.AddUint64(&d.seqLost, uint64(gap))
	}
}

// validateSize checks that buf begins with a well-formed NetFlow v5 header
// and returns the number of bytes the declared record count actually
// occupies, rejecting a count > 30 or a length mismatch.
func validateSize(buf []byte) (int, error) {
	if len(buf) < nfv5HeaderSize {
		return 0, ErrHeaderTooShort
	}
	if binary.BigEndian.Uint16(buf) != 5 {
		return 0, ErrInvalidVersion
	}
	count := int(binary.BigEndian.Uint16(buf[2:4]))
	if count == 0 || count > nfv5MaxRecords {
		return 0, ErrInvalidCount
	}
	n := nfv5HeaderSize + count*nfv5RecordSize
	if len(buf) != n {
		return 0, ErrInvalidRecordBuffer
	}
	return n, nil
}

func decodeNFv5Record(b []byte, hdr *nfv5Header, sensorID uint16) flowrec.Record {
	src := flowrec.AddrFromV4(binary.BigEndian.Uint32(b[0:4]))
	dst := flowrec.AddrFromV4(binary.BigEndian.Uint32(b[4:8]))
	next := flowrec.AddrFromV4(binary.BigEndian.Uint32(b[8:12]))
	input := binary.BigEndian.Uint16(b[12:14])
	output := binary.BigEndian.Uint16(b[14:16])
	pkts := binary.BigEndian.Uint32(b[16:20])
	octets := binary.BigEndian.Uint32(b[20:24])
	first := binary.BigEndian.Uint32(b[24:28])
	last := binary.BigEndian.Uint32(b[28:32])
	sport := binary.BigEndian.Uint16(b[32:34])
	dport := binary.BigEndian.Uint16(b[34:36])
	flags := b[37]
	proto := b[38]

	startMS := hdr.epochMS(first)
	durMS := int64(last) - int64(first)
	if durMS < 0 {
		durMS = 0
	}

	pktCount := uint64(pkts)
	var attrFlags uint32
	if pktCount == 0 {
		// ZERO_PACKETS: the record model requires Packets >= 1, so the count
		// is floored here regardless; the flag lets the codec (per §4.3,
		// gated by the probe's Zero-Packets-Quirk setting) choose a layout
		// that stores the reported byte count explicitly instead of as a
		// byte/packet ratio that would otherwise be meaningless against a
		// forced packet count.
		attrFlags |= flowrec.AttrZeroPacketsQuirk
		pktCount = 1
	}
	byteCount := uint64(octets)
	if byteCount < pktCount {
		byteCount = pktCount
	}

	return flowrec.Record{
		StartMS:   startMS,
		DurMS:     durMS,
		Src:       src,
		Dst:       dst,
		NextHop:   next,
		SrcPort:   sport,
		DstPort:   dport,
		Protocol:  proto,
		Flags:     flowrec.TCPFlags{All: flags},
		InputIf:   input,
		OutputIf:  output,
		Packets:   pktCount,
		Bytes:     byteCount,
		SensorID:  sensorID,
		AttrFlags: attrFlags,
	}
}

// ErrEndOfStream is returned by a Source's Pull when no further records are
// currently available and the underlying stream/connection has closed.
var ErrEndOfStream = fmt.Errorf("wire: end of stream")

// Source is a pull interface: produce the next record, or report
// end-of-stream. NFv5Decoder and TemplateDecoder do not implement it; the
// probe receive loop calls their Decode methods through the adapters in
// adapter.go.
type Source interface {
	Pull() (flowrec.Record, error)
}
