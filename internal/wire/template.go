/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/flowcapd/internal/flowrec"
	"github.com/gravwell/ipfix"
)

// Standard IPFIX/NetFlow-v9 information element IDs this decoder maps
// directly onto Record fields. Anything not in this table is ignored except
// for the vendor firewall-event elements, which are preserved verbatim in
// Record.Memo for later interpretation.
const (
	ieSourceIPv4Address      uint16 = 8
	ieDestinationIPv4Address uint16 = 12
	ieIPNextHopIPv4Address   uint16 = 15
	ieSourceTransportPort    uint16 = 7
	ieDestinationTransPort   uint16 = 11
	ieProtocolIdentifier     uint16 = 4
	ieTcpControlBits         uint16 = 6
	ieIngressInterface       uint16 = 10
	ieEgressInterface        uint16 = 14
	iePacketDeltaCount       uint16 = 2
	ieOctetDeltaCount        uint16 = 1
	ieFlowStartMilliseconds  uint16 = 152
	ieFlowEndMilliseconds    uint16 = 153

	// Vendor firewall-event elements: stored in Memo, not interpreted here.
	ieFirewallEvent    uint16 = 233
	ieNFFwEvent        uint16 = 40005
	ieNFFwExtEvent     uint16 = 33002
)

// templateRefreshInterval bounds how long a data record may wait for its
// template to arrive before it is discarded.
const templateRefreshInterval = 5 * time.Minute

type sessionKey struct {
	domain uint32
	addr   [16]byte
}

func newSessionKey(domain uint32, ip net.IP) (k sessionKey) {
	k.domain = domain
	if v4 := ip.To4(); v4 != nil {
		copy(k.addr[:4], v4)
	} else if v6 := ip.To16(); v6 != nil {
		copy(k.addr[:], v6)
	}
	return
}

// pendingRecord is a data record buffered because its template had not yet
// arrived when it was received.
type pendingRecord struct {
	buf     []byte
	arrived time.Time
}

// TemplateDecoder decodes IPFIX and NetFlow v9 messages; any other version,
// sFlow included, is rejected as malformed. It is "template-driven": a
// session per (observation domain, exporter address) tracks templates, and
// data records arriving before their template is known are buffered for
// up to one template-refresh interval before being discarded.
type TemplateDecoder struct {
	mu       sync.Mutex
	sessions map[sessionKey]*ipfix.Session
	pending  map[sessionKey][]pendingRecord

	malformed uint64
	discarded uint64

	zeroPacketsQuirk bool
}

func NewTemplateDecoder() *TemplateDecoder {
	return &TemplateDecoder{
		sessions: make(map[sessionKey]*ipfix.Session),
		pending:  make(map[sessionKey][]pendingRecord),
	}
}

// SetZeroPacketsQuirk enables or disables the ZERO_PACKETS fallback layout
// for records this decoder produces with a zero packet-delta count. Call
// before Decode is used concurrently.
func (d *TemplateDecoder) SetZeroPacketsQuirk(on bool) {
	d.zeroPacketsQuirk = on
}

func (d *TemplateDecoder) Stats() Stats {
	return Stats{
		Malformed: atomic.LoadUint64(&d.malformed),
	}
}

// Decode accepts one IPFIX/NetFlow-v9 message (UDP datagram, or one
// length-framed message off a TCP stream) and returns the records it could
// resolve against a known template. An error indicates the message itself
// was malformed; a message whose data couldn't yet be matched to a template
// is buffered and yields no records without error.
func (d *TemplateDecoder) Decode(buf []byte, src net.IP) ([]flowrec.Record, error) {
	if len(buf) < 2 {
		atomic.AddUint64(&d.malformed, 1)
		return nil, fmt.Errorf("wire: message too short for IPFIX/NetFlow v9")
	}
	version := binary.BigEndian.Uint16(buf)

	var domainID uint32
	switch version {
	case 9:
		if len(buf) < 20 {
			atomic.AddUint64(&d.malformed, 1)
			return nil, fmt.Errorf("wire: message too short for NetFlow v9 header")
		}
		domainID = binary.BigEndian.Uint32(buf[16:20])
	case 10:
		if len(buf) < 16 {
			atomic.AddUint64(&d.malformed, 1)
			return nil, fmt.Errorf("wire: message too short for IPFIX header")
		}
		domainID = binary.BigEndian.Uint32(buf[12:16])
	default:
		atomic.AddUint64(&d.malformed, 1)
		return nil, fmt.Errorf("wire: unrecognized template-family version %d", version)
	}

	key := newSessionKey(domainID, src)

	d.mu.Lock()
	sess, ok := d.sessions[key]
	if !ok {
		sess = ipfix.NewSession()
		d.sessions[key] = sess
	}
	d.mu.Unlock()

	msg, err := sess.ParseBuffer(buf)
	if err != nil {
		atomic.AddUint64(&d.malformed, 1)
		return nil, fmt.Errorf("wire: failed to parse template-family message: %w", err)
	}

	templates, terr := sess.LookupTemplateRecords(msg)
	if terr != nil || (len(msg.DataRecords) == 0 && len(msg.TemplateRecords) == 0) {
		// No template known yet for this message's data records: buffer
		// it against the bounded discard policy and move on.
		d.bufferPending(key, buf)
		return nil, nil
	}
	msg.TemplateRecords = templates

	exportMS := int64(msg.Header.ExportTime) * 1000
	var recs []flowrec.Record
	for _, dr := range msg.DataRecords {
		recs = append(recs, d.finishRecord(adaptFields(dr.Fields), exportMS))
	}

	// This session's template set was just updated (or this message's own
	// data resolved against an already-known template, which is harmless to
	// retry). Either way, give every record buffered against this key
	// another chance to resolve now.
	recs = append(recs, d.replayPending(sess, key)...)

	return recs, nil
}

// finishRecord builds a Record from fields and, per the decoder's
// Zero-Packets-Quirk setting, either keeps or strips the fallback-layout
// marker recordFromFields always sets for a zero wire packet-delta.
func (d *TemplateDecoder) finishRecord(fields []ipfixField, exportMS int64) flowrec.Record {
	r := recordFromFields(fields, exportMS)
	if !d.zeroPacketsQuirk {
		r.AttrFlags &^= flowrec.AttrZeroPacketsQuirk
	}
	return r
}

// replayPending re-attempts every data record buffered under key against
// sess, whose template set may have just changed. Records that still can't
// be resolved (a different, still-unknown template under the same session
// key) are requeued; records older than templateRefreshInterval are
// discarded; everything else is either decoded or, on a parse error,
// dropped.
func (d *TemplateDecoder) replayPending(sess *ipfix.Session, key sessionKey) []flowrec.Record {
	d.mu.Lock()
	q := d.pending[key]
	d.pending[key] = nil
	d.mu.Unlock()
	if len(q) == 0 {
		return nil
	}

	var recs []flowrec.Record
	var stillPending []pendingRecord
	now := time.Now()
	for _, p := range q {
		if now.Sub(p.arrived) > templateRefreshInterval {
			atomic.AddUint64(&d.discarded, 1)
			continue
		}
		msg, err := sess.ParseBuffer(p.buf)
		if err != nil {
			continue
		}
		templates, terr := sess.LookupTemplateRecords(msg)
		if terr != nil || (len(msg.DataRecords) == 0 && len(msg.TemplateRecords) == 0) {
			stillPending = append(stillPending, p)
			continue
		}
		msg.TemplateRecords = templates
		exportMS := int64(msg.Header.ExportTime) * 1000
		for _, dr := range msg.DataRecords {
			recs = append(recs, d.finishRecord(adaptFields(dr.Fields), exportMS))
		}
	}

	if len(stillPending) > 0 {
		d.mu.Lock()
		d.pending[key] = append(stillPending, d.pending[key]...)
		d.mu.Unlock()
	}
	return recs
}

// adaptFields narrows the ipfix library's field representation down to the
// (element ID, raw bytes) pairs recordFromFields needs, so the field-mapping
// logic doesn't depend on the rest of the library's Field type.
func adaptFields(fs []ipfix.Field) []ipfixField {
	out := make([]ipfixField, 0, len(fs))
	for _, f := range fs {
		out = append(out, ipfixField{ID: f.ID, Bytes: f.Bytes})
	}
	return out
}

// bufferPending stores a data record pending template resolution, dropping
// anything older than templateRefreshInterval.
func (d *TemplateDecoder) bufferPending(key sessionKey, buf []byte) {
	cp := append([]byte(nil), buf...)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.pending[key]
	q = append(q, pendingRecord{buf: cp, arrived: now})
	kept := q[:0]
	for _, p := range q {
		if now.Sub(p.arrived) > templateRefreshInterval {
			atomic.AddUint64(&d.discarded, 1)
			continue
		}
		kept = append(kept, p)
	}
	d.pending[key] = kept
}

// ipfixField is the minimal shape this decoder needs from a parsed data
// record field: its information-element ID and raw encoded bytes.
type ipfixField struct {
	ID    uint16
	Bytes []byte
}

// recordFromFields maps standard information elements onto Record fields,
// and preserves any vendor firewall-event element verbatim in Memo.
func recordFromFields(fields []ipfixField, exportMS int64) flowrec.Record {
	r := flowrec.Record{StartMS: exportMS}
	var startMS, endMS int64
	var haveStart, haveEnd bool

	for _, f := range fields {
		switch f.ID {
		case ieSourceIPv4Address:
			if len(f.Bytes) >= 4 {
				r.Src = flowrec.AddrFromV4(binary.BigEndian.Uint32(f.Bytes))
			}
		case ieDestinationIPv4Address:
			if len(f.Bytes) >= 4 {
				r.Dst = flowrec.AddrFromV4(binary.BigEndian.Uint32(f.Bytes))
			}
		case ieIPNextHopIPv4Address:
			if len(f.Bytes) >= 4 {
				r.NextHop = flowrec.AddrFromV4(binary.BigEndian.Uint32(f.Bytes))
			}
		case ieSourceTransportPort:
			if len(f.Bytes) >= 2 {
				r.SrcPort = binary.BigEndian.Uint16(f.Bytes)
			}
		case ieDestinationTransPort:
			if len(f.Bytes) >= 2 {
				r.DstPort = binary.BigEndian.Uint16(f.Bytes)
			}
		case ieProtocolIdentifier:
			if len(f.Bytes) >= 1 {
				r.Protocol = f.Bytes[0]
			}
		case ieTcpControlBits:
			if len(f.Bytes) >= 1 {
				r.Flags.All = f.Bytes[len(f.Bytes)-1]
			}
		case ieIngressInterface:
			if len(f.Bytes) >= 2 {
				r.InputIf = binary.BigEndian.Uint16(f.Bytes[len(f.Bytes)-2:])
			}
		case ieEgressInterface:
			if len(f.Bytes) >= 2 {
				r.OutputIf = binary.BigEndian.Uint16(f.Bytes[len(f.Bytes)-2:])
			}
		case iePacketDeltaCount:
			r.Packets = beUint(f.Bytes)
			if r.Packets == 0 {
				r.AttrFlags |= flowrec.AttrZeroPacketsQuirk
			}
		case ieOctetDeltaCount:
			r.Bytes = beUint(f.Bytes)
		case ieFlowStartMilliseconds:
			startMS = int64(beUint(f.Bytes))
			haveStart = true
		case ieFlowEndMilliseconds:
			endMS = int64(beUint(f.Bytes))
			haveEnd = true
		case ieFirewallEvent, ieNFFwEvent, ieNFFwExtEvent:
			r.Memo = append(r.Memo, f.Bytes...)
		}
	}

	if haveStart {
		r.StartMS = startMS
	}
	if haveStart && haveEnd && endMS >= startMS {
		r.DurMS = endMS - startMS
	}
	if r.Packets == 0 {
		r.AttrFlags |= flowrec.AttrZeroPacketsQuirk
		r.Packets = 1
	}
	if r.Bytes < r.Packets {
		r.Bytes = r.Packets
	}
	return r
}

// beUint decodes a big-endian unsigned integer of any width up to 8 bytes,
// the representation IPFIX uses for reduced-length encoded counters.
func beUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
