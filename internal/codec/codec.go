/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package codec implements the versioned, fixed-length on-disk record
// layouts (§4.3). The codec is pure: it has no notion of files, descriptors,
// or buffering. It only turns a flowrec.Record into bytes and back, given a
// byte order and the file's hour anchor.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flowforge/flowcapd/internal/flowrec"
)

// MinVersion and MaxVersion bound the record layouts this codec understands.
// Version 5 is written by default; 1-4 are legacy layouts this codec must
// still be able to read (and, for completeness, write).
const (
	MinVersion = 1
	MaxVersion = 5

	// PacketMult is the fixed scale factor applied to the stored packet
	// count when the true count overflows the 16-bit packet field. This is
	// the "probe-specific quirk" referenced by §4.3.
	PacketMult = 1000

	maxStoredPackets = 0xFFFF
	ratioIntBits     = 14
	ratioFracBits    = 6
	ratioFracScale   = 1 << ratioFracBits // 64
	maxRatioInt      = (1 << ratioIntBits) - 1
	elapsedSecBits   = 10
	maxElapsedSec    = (1 << elapsedSecBits) - 1

	// word1's top two bits are reserved flags: packetFlagBit marks the
	// PacketMult quirk (storedPackets scaled down to fit), zeroPacketsBit
	// marks the ZERO_PACKETS quirk (the remaining 30 bits hold an explicit
	// byte count instead of a packed ratio+elapsed value). The two are
	// independent: one concerns the packet field, the other the byte field.
	packetFlagBit    = uint32(1) << 31
	zeroPacketsBit   = uint32(1) << 30
	valueFieldMask30 = uint32(1)<<30 - 1
)

var (
	ErrUnsupportedVersion = errors.New("codec: unsupported record version")
	ErrShortBuffer        = errors.New("codec: buffer too small for record version")
	ErrOffsetOverflow     = errors.New("codec: start-time offset does not fit the on-disk width")
	ErrRatioOverflow      = errors.New("codec: byte/packet ratio does not fit the on-disk width")
	ErrIPv6Unsupported    = errors.New("codec: this record version cannot carry an IPv6 address")
)

// RecordLen returns the fixed, on-disk record length in bytes for a version.
func RecordLen(version int) (int, error) {
	switch version {
	case 1:
		return 16, nil
	case 2:
		return 18, nil
	case 3:
		return 20, nil
	case 4:
		return 22, nil
	case 5:
		return 24, nil
	default:
		return 0, ErrUnsupportedVersion
	}
}

// Codec encodes and decodes records for one on-disk version and byte order.
type Codec struct {
	version int
	order   binary.ByteOrder
}

// New builds a Codec for the given on-disk version and byte order. order is
// nil for host-native order (binary.LittleEndian in practice on every
// platform this daemon targets); an explicit order is used when the header
// declares a non-host byte order and the codec must swap on read or write.
func New(version int, order binary.ByteOrder) (*Codec, error) {
	if version < MinVersion || version > MaxVersion {
		return nil, ErrUnsupportedVersion
	}
	if order == nil {
		order = binary.LittleEndian
	}
	return &Codec{version: version, order: order}, nil
}

func (c *Codec) Version() int { return c.version }

func (c *Codec) RecordLen() int {
	n, _ := RecordLen(c.version)
	return n
}

// Encode writes one record into buf (which must be at least RecordLen()
// bytes) using hourAnchorMS as the reference point for the stored start-time
// offset. An offset or ratio that doesn't fit the chosen version's on-disk
// width is an encode-impossible error, fatal to the caller per §7.
func (c *Codec) Encode(buf []byte, r *flowrec.Record, hourAnchorMS int64) error {
	n := c.RecordLen()
	if len(buf) < n {
		return ErrShortBuffer
	}
	if c.version < 5 {
		return c.encodeLegacy(buf[:n], r, hourAnchorMS)
	}
	return c.encodeV5(buf[:n], r, hourAnchorMS)
}

// Decode reads one record out of buf (exactly RecordLen() bytes) using
// hourAnchorMS as the file's header-declared anchor.
func (c *Codec) Decode(buf []byte, hourAnchorMS int64) (flowrec.Record, error) {
	n := c.RecordLen()
	if len(buf) < n {
		return flowrec.Record{}, ErrShortBuffer
	}
	if c.version < 5 {
		return c.decodeLegacy(buf[:n], hourAnchorMS)
	}
	return c.decodeV5(buf[:n], hourAnchorMS)
}

// --- version 5 -------------------------------------------------------------
//
// 24 bytes: three packed 32-bit words (start-time offset; a packed
// byte-per-packet ratio with an overflow flag and the elapsed time in
// seconds; TCP flags + packet count + protocol) followed by two 16-bit
// ports and two 32-bit IPv4 addresses. IPv6 records cannot be represented
// in this version; the next-hop and flag detail beyond the cumulative "all"
// byte are fields this layout does not carry.

func (c *Codec) encodeV5(buf []byte, r *flowrec.Record, hourAnchorMS int64) error {
	if r.Src.Version == flowrec.IPv6 || r.Dst.Version == flowrec.IPv6 {
		return ErrIPv6Unsupported
	}

	offset := r.StartMS - hourAnchorMS
	if offset < 0 || offset > 0xFFFFFFFF {
		return ErrOffsetOverflow
	}

	storedPackets := r.Packets
	var packetFlag bool
	if storedPackets > maxStoredPackets {
		packetFlag = true
		storedPackets = storedPackets / PacketMult
		if storedPackets == 0 {
			storedPackets = 1
		}
		if storedPackets > maxStoredPackets {
			return ErrRatioOverflow
		}
	}

	var word1 uint32
	if packetFlag {
		word1 |= packetFlagBit
	}

	if r.AttrFlags&flowrec.AttrZeroPacketsQuirk != 0 {
		// ZERO_PACKETS fallback (§4.3): the wire reported zero packets, so a
		// byte/packet ratio would be meaningless against the packet count
		// forced to a minimum of 1. Store the byte count explicitly instead.
		if r.Bytes > uint64(valueFieldMask30) {
			return ErrRatioOverflow
		}
		word1 |= zeroPacketsBit
		word1 |= uint32(r.Bytes) & valueFieldMask30
	} else {
		ratioFixed := uint64(0)
		if r.Packets > 0 {
			ratioFixed = (r.Bytes * ratioFracScale) / r.Packets
		}
		ratioInt := ratioFixed / ratioFracScale
		ratioFrac := ratioFixed % ratioFracScale
		if ratioInt > maxRatioInt {
			return ErrRatioOverflow
		}

		elapsedSec := r.DurMS / 1000
		if elapsedSec > maxElapsedSec {
			elapsedSec = maxElapsedSec
		}

		word1 |= uint32(ratioInt) << (ratioFracBits + elapsedSecBits)
		word1 |= uint32(ratioFrac) << elapsedSecBits
		word1 |= uint32(elapsedSec)
	}

	word2 := uint32(r.Protocol)<<24 | uint32(r.Flags.All)<<16 | uint32(storedPackets)

	c.order.PutUint32(buf[0:4], uint32(offset))
	c.order.PutUint32(buf[4:8], word1)
	c.order.PutUint32(buf[8:12], word2)
	c.order.PutUint16(buf[12:14], r.SrcPort)
	c.order.PutUint16(buf[14:16], r.DstPort)
	c.order.PutUint32(buf[16:20], r.Src.Uint32())
	c.order.PutUint32(buf[20:24], r.Dst.Uint32())
	return nil
}

func (c *Codec) decodeV5(buf []byte, hourAnchorMS int64) (flowrec.Record, error) {
	offset := c.order.Uint32(buf[0:4])
	word1 := c.order.Uint32(buf[4:8])
	word2 := c.order.Uint32(buf[8:12])
	sport := c.order.Uint16(buf[12:14])
	dport := c.order.Uint16(buf[14:16])
	srcV := c.order.Uint32(buf[16:20])
	dstV := c.order.Uint32(buf[20:24])

	packetFlag := word1&packetFlagBit != 0
	zeroPackets := word1&zeroPacketsBit != 0

	protocol := byte(word2 >> 24)
	flagsAll := byte(word2 >> 16)
	storedPackets := uint64(word2 & 0xFFFF)

	packets := storedPackets
	if packetFlag {
		packets = storedPackets * PacketMult
	}
	if packets == 0 {
		packets = 1
	}

	var bytesVal uint64
	var elapsedSec uint32
	var attrFlags uint32
	if zeroPackets {
		bytesVal = uint64(word1 & valueFieldMask30)
		attrFlags |= flowrec.AttrZeroPacketsQuirk
	} else {
		ratioInt := (word1 >> (ratioFracBits + elapsedSecBits)) & maxRatioInt
		ratioFrac := (word1 >> elapsedSecBits) & (ratioFracScale - 1)
		elapsedSec = word1 & maxElapsedSec
		bytesVal = (uint64(ratioInt)*ratioFracScale + uint64(ratioFrac)) * packets / ratioFracScale
	}
	if bytesVal < packets {
		bytesVal = packets
	}

	r := flowrec.Record{
		StartMS:   hourAnchorMS + int64(offset),
		DurMS:     int64(elapsedSec) * 1000,
		Src:       flowrec.AddrFromV4(srcV),
		Dst:       flowrec.AddrFromV4(dstV),
		SrcPort:   sport,
		DstPort:   dport,
		Protocol:  protocol,
		Flags:     flowrec.TCPFlags{All: flagsAll},
		Packets:   packets,
		Bytes:     bytesVal,
		AttrFlags: attrFlags,
	}
	return r, nil
}

// --- versions 1-4 ------------------------------------------------------------
//
// Legacy layouts carry the same packed scheme as v5 (an offset word and a
// flagWord packing a byte/packet ratio, elapsed seconds, and packet count)
// but progressively drop precision and trailing fields to hit their smaller
// fixed sizes. Each version's tail -- everything after the 8-byte
// offset+flagWord prefix -- carries as much of {protocol, flags, source
// port, destination port, destination address} as its remaining byte budget
// allows, always keeping protocol, flags, and the source address since a
// record without even those isn't worth writing. Destination port appears
// starting at v2; destination address is only affordable at v4's 22 bytes.
// Fields a version can't afford are simply not carried on round-trip, which
// the layout's decoder reflects by leaving the corresponding Record field
// at its zero value.

func legacyFieldWidths(version int) (ratioIntBits, elapsedSecBits, packetBits uint) {
	switch version {
	case 1:
		return 8, 6, 8
	case 2:
		return 10, 8, 10
	case 3:
		return 11, 8, 11
	default: // 4
		return 12, 8, 11
	}
}

// legacyTail describes which fields beyond protocol/flags/srcPort/srcAddr a
// version's remaining byte budget can afford.
type legacyTail struct {
	hasDstPort bool
	hasDstAddr bool
	padBytes   int
}

func legacyTailLayout(version int) legacyTail {
	switch version {
	case 1:
		return legacyTail{}
	case 2:
		return legacyTail{hasDstPort: true}
	case 3:
		return legacyTail{hasDstPort: true, padBytes: 2}
	default: // 4
		return legacyTail{hasDstPort: true, hasDstAddr: true}
	}
}

func (c *Codec) encodeLegacy(buf []byte, r *flowrec.Record, hourAnchorMS int64) error {
	if r.Src.Version == flowrec.IPv6 || r.Dst.Version == flowrec.IPv6 {
		return ErrIPv6Unsupported
	}
	ratioBits, elapsedBits, packetBits := legacyFieldWidths(c.version)
	maxRatio := uint64(1)<<ratioBits - 1
	maxElapsed := uint64(1)<<elapsedBits - 1
	maxPackets := uint64(1)<<packetBits - 1

	offset := r.StartMS - hourAnchorMS
	if offset < 0 || offset > 0xFFFFFFFF {
		return ErrOffsetOverflow
	}

	storedPackets := r.Packets
	var packetFlag bool
	if storedPackets > maxPackets {
		packetFlag = true
		storedPackets = storedPackets / PacketMult
		if storedPackets == 0 {
			storedPackets = 1
		}
		if storedPackets > maxPackets {
			return ErrRatioOverflow
		}
	}
	var ratio uint64
	if r.Packets > 0 {
		ratio = r.Bytes / r.Packets
	}
	if ratio > maxRatio {
		return ErrRatioOverflow
	}
	elapsedSec := uint64(r.DurMS / 1000)
	if elapsedSec > maxElapsed {
		elapsedSec = maxElapsed
	}

	var flagWord uint32
	if packetFlag {
		flagWord |= 1 << 31
	}
	flagWord |= uint32(ratio) << (elapsedBits + packetBits)
	flagWord |= uint32(elapsedSec) << packetBits
	flagWord |= uint32(storedPackets)

	tail := legacyTailLayout(c.version)

	off := 0
	c.order.PutUint32(buf[off:off+4], uint32(offset))
	off += 4
	c.order.PutUint32(buf[off:off+4], flagWord)
	off += 4
	buf[off] = r.Protocol
	off++
	buf[off] = r.Flags.All
	off++
	c.order.PutUint16(buf[off:off+2], r.SrcPort)
	off += 2
	if tail.hasDstPort {
		c.order.PutUint16(buf[off:off+2], r.DstPort)
		off += 2
	}
	c.order.PutUint32(buf[off:off+4], r.Src.Uint32())
	off += 4
	if tail.hasDstAddr {
		c.order.PutUint32(buf[off:off+4], r.Dst.Uint32())
		off += 4
	}
	for i := 0; i < tail.padBytes; i++ {
		buf[off] = 0
		off++
	}
	if off != len(buf) {
		return fmt.Errorf("codec: internal layout mismatch for version %d: wrote %d of %d bytes", c.version, off, len(buf))
	}
	return nil
}

func (c *Codec) decodeLegacy(buf []byte, hourAnchorMS int64) (flowrec.Record, error) {
	ratioBits, elapsedBits, packetBits := legacyFieldWidths(c.version)

	tail := legacyTailLayout(c.version)

	off := 0
	offset := c.order.Uint32(buf[off : off+4])
	off += 4
	flagWord := c.order.Uint32(buf[off : off+4])
	off += 4
	protocol := buf[off]
	off++
	flagsAll := buf[off]
	off++
	sport := c.order.Uint16(buf[off : off+2])
	off += 2
	var dport uint16
	if tail.hasDstPort {
		dport = c.order.Uint16(buf[off : off+2])
		off += 2
	}
	srcV := c.order.Uint32(buf[off : off+4])
	off += 4
	var dstV uint32
	if tail.hasDstAddr {
		dstV = c.order.Uint32(buf[off : off+4])
		off += 4
	}

	packetFlag := flagWord>>31 != 0
	packetMask := uint32(1)<<packetBits - 1
	elapsedMask := uint32(1)<<elapsedBits - 1
	storedPackets := uint64(flagWord & packetMask)
	elapsedSec := uint64((flagWord >> packetBits) & elapsedMask)
	ratio := uint64(flagWord >> (packetBits + elapsedBits) & (uint32(1)<<ratioBits - 1))

	packets := storedPackets
	if packetFlag {
		packets = storedPackets * PacketMult
	}
	if packets == 0 {
		packets = 1
	}
	bytesVal := ratio * packets
	if bytesVal < packets {
		bytesVal = packets
	}

	return flowrec.Record{
		StartMS:  hourAnchorMS + int64(offset),
		DurMS:    int64(elapsedSec) * 1000,
		Src:      flowrec.AddrFromV4(srcV),
		Dst:      flowrec.AddrFromV4(dstV),
		SrcPort:  sport,
		DstPort:  dport,
		Protocol: protocol,
		Flags:    flowrec.TCPFlags{All: flagsAll},
		Packets:  packets,
		Bytes:    bytesVal,
	}, nil
}

func (c *Codec) String() string {
	return fmt.Sprintf("codec(v%d,%db,%v)", c.version, c.RecordLen(), c.order)
}
