/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package flowrec defines the canonical in-memory flow record used by every
// stage of the capture pipeline: wire decoders produce one, the codec
// serializes one, and the stream writer commits one to disk.
package flowrec

import (
	"errors"
	"fmt"
	"net"
)

// IPVersion discriminates which width an Addr was decoded with.
type IPVersion uint8

const (
	IPUnset IPVersion = iota
	IPv4
	IPv6
)

var (
	ErrNegativeDuration  = errors.New("flowrec: duration is negative")
	ErrZeroPackets       = errors.New("flowrec: packet count is zero")
	ErrBytesLessPackets  = errors.New("flowrec: byte count is smaller than packet count")
	ErrAddrVersionMismch = errors.New("flowrec: address family mismatch between fields")
)

// webPorts is the fixed, compile-time policy for classifying a flow as "web"
// traffic. It intentionally is not configurable at runtime.
var webPorts = map[uint16]bool{80: true, 443: true, 8080: true}

// AttrZeroPacketsQuirk marks a record whose wire-reported packet count was
// zero. The wire decoders set this bit when they floor Packets to 1 to
// satisfy Validate, and strip it again unless the probe's Zero-Packets-Quirk
// setting is on; the v5 codec stores every record that still carries it in
// the ZERO_PACKETS fallback layout (bytes stored explicitly instead of as a
// byte/packet ratio).
const AttrZeroPacketsQuirk uint32 = 1 << 0

// Protocol numbers referenced by IsWeb and the TCP-flag helpers.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// TCP flag groupings as tracked on a Record: the cumulative OR of every
// packet's flags, the flags seen on the first packet, and the flags seen on
// every packet after the first (session continuation).
type TCPFlags struct {
	All         uint8
	Initial     uint8
	Continuation uint8
}

// Addr is a tagged union over a v4 or v6 network address, stored in native
// width so masks can be applied without padding games.
type Addr struct {
	Version IPVersion
	v4      [4]byte
	v6      [16]byte
}

// AddrFromIP builds an Addr from a net.IP, preferring the 4-byte form when
// the address can be represented that way.
func AddrFromIP(ip net.IP) Addr {
	var a Addr
	if v4 := ip.To4(); v4 != nil {
		a.Version = IPv4
		copy(a.v4[:], v4)
		return a
	}
	if v6 := ip.To16(); v6 != nil {
		a.Version = IPv6
		copy(a.v6[:], v6)
		return a
	}
	return a
}

// AddrFromV4 builds an Addr directly from a big-endian 32-bit value.
func AddrFromV4(v uint32) (a Addr) {
	a.Version = IPv4
	a.v4[0] = byte(v >> 24)
	a.v4[1] = byte(v >> 16)
	a.v4[2] = byte(v >> 8)
	a.v4[3] = byte(v)
	return
}

// AddrFromV6 builds an Addr directly from 16 raw bytes.
func AddrFromV6(b [16]byte) (a Addr) {
	a.Version = IPv6
	a.v6 = b
	return
}

// IP renders the Addr back out as a net.IP for logging and comparisons.
func (a Addr) IP() net.IP {
	switch a.Version {
	case IPv4:
		return net.IP(a.v4[:])
	case IPv6:
		return net.IP(a.v6[:])
	default:
		return nil
	}
}

// Uint32 returns the v4 value as a host-order uint32. Only valid when
// Version == IPv4; callers that mix families must check first.
func (a Addr) Uint32() uint32 {
	return uint32(a.v4[0])<<24 | uint32(a.v4[1])<<16 | uint32(a.v4[2])<<8 | uint32(a.v4[3])
}

// Bytes16 returns the v6 value as raw bytes. Only valid when Version == IPv6.
func (a Addr) Bytes16() [16]byte {
	return a.v6
}

// Mask applies a high-bits network mask in the address's native width.
// A v4 address is masked with 1-32 high bits; a v6 address with 1-128.
// Masking an IPUnset address is a no-op.
func (a Addr) Mask(bits int) Addr {
	switch a.Version {
	case IPv4:
		if bits <= 0 {
			a.v4 = [4]byte{}
		} else if bits < 32 {
			m := ^uint32(0) << uint(32-bits)
			v := a.Uint32() & m
			a = AddrFromV4(v)
		}
		return a
	case IPv6:
		if bits <= 0 {
			a.v6 = [16]byte{}
			return a
		}
		full := bits / 8
		rem := bits % 8
		for i := full; i < 16; i++ {
			if i == full && rem > 0 {
				a.v6[i] &= ^byte(0xff >> uint(rem))
				continue
			}
			a.v6[i] = 0
		}
		return a
	default:
		return a
	}
}

func (a Addr) String() string {
	if ip := a.IP(); ip != nil {
		return ip.String()
	}
	return "<unset>"
}

// Record is the canonical, fixed-layout flow summary. It is constructed once
// by a wire decoder, copied into the write buffer, and never mutated again:
// the write path only ever reads from it.
type Record struct {
	StartMS  int64 // milliseconds since the Unix epoch
	DurMS    int64 // duration in milliseconds, >= 0
	Src      Addr
	Dst      Addr
	NextHop  Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	Flags    TCPFlags
	InputIf  uint16
	OutputIf uint16
	Packets  uint64
	Bytes    uint64
	SensorID uint16

	// FlowType identifies the (class, type) categorization bucket this
	// record was assigned to by a sensor's network decider, e.g. "in",
	// "out", "inweb". A zero value means unclassified.
	FlowType uint16

	AppID     uint32
	AttrFlags uint32

	// Memo carries opaque, decoder-specific context that doesn't map onto a
	// first-class field -- notably vendor firewall-event elements lifted out
	// of IPFIX/NetFlow v9 (firewallEvent, NF_F_FW_EVENT, NF_F_FW_EXT_EVENT).
	Memo []byte
}

// Validate checks the invariants every Record must satisfy once a decoder has
// finished building it. Decoders are responsible for rejecting malformed wire
// input before it ever reaches this check; Validate only catches logic bugs.
func (r *Record) Validate() error {
	if r.DurMS < 0 {
		return ErrNegativeDuration
	}
	if r.Packets == 0 {
		return ErrZeroPackets
	}
	if r.Bytes < r.Packets {
		return ErrBytesLessPackets
	}
	if r.Src.Version != IPUnset && r.Dst.Version != IPUnset && r.Src.Version != r.Dst.Version {
		return ErrAddrVersionMismch
	}
	return nil
}

// IsWeb reports whether the record looks like web traffic: TCP with either
// endpoint port in the fixed policy set {80, 443, 8080}.
func (r *Record) IsWeb() bool {
	if r.Protocol != ProtoTCP {
		return false
	}
	return webPorts[r.SrcPort] || webPorts[r.DstPort]
}

func (r *Record) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d proto=%d pkts=%d bytes=%d",
		r.Src, r.SrcPort, r.Dst, r.DstPort, r.Protocol, r.Packets, r.Bytes)
}
