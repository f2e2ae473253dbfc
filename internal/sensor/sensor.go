/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sensor implements the per-network-role "decider" that classifies a
// captured record into a flow-type bucket (§3, Sensor). A sensor names
// exactly one decider for each of the external, internal, and null roles;
// each decider is one of an interface set, an IP-block set, an IP set, or
// the "remainder" (catch-all) variant of one of those, or unset.
package sensor

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/flowforge/flowcapd/internal/flowrec"
)

// Kind identifies which family of match a Decider performs.
type Kind int

const (
	KindUnset Kind = iota
	KindInterfaceSet
	KindInterfaceRemainder
	KindIPBlockSet
	KindIPBlockRemainder
	KindIPSet
	KindIPSetRemainder
)

// family groups a Kind by whether it matches on interface index or on
// address; the verification invariant forbids mixing families across a
// sensor's three deciders.
type family int

const (
	familyNone family = iota
	familyInterface
	familyAddress
)

func (k Kind) family() family {
	switch k {
	case KindInterfaceSet, KindInterfaceRemainder:
		return familyInterface
	case KindIPBlockSet, KindIPBlockRemainder, KindIPSet, KindIPSetRemainder:
		return familyAddress
	default:
		return familyNone
	}
}

func (k Kind) isRemainder() bool {
	switch k {
	case KindInterfaceRemainder, KindIPBlockRemainder, KindIPSetRemainder:
		return true
	default:
		return false
	}
}

// Decider matches a record against one network role: a set of interface
// indices, a set of CIDR blocks, a set of literal IPs, or "remainder" (always
// matches, used as the catch-all once the other two roles are spoken for).
type Decider struct {
	Kind       Kind
	Interfaces map[uint16]bool
	Blocks     []*net.IPNet
	IPs        map[string]bool
}

// ErrNegatedNotImplemented is returned for a "!"-prefixed decider spec. The
// source this daemon is descended from carries the negated variants in its
// type system but rejects them at runtime; this preserves that behavior
// rather than silently implementing different semantics (see Design Note,
// spec.md §9).
var ErrNegatedNotImplemented = errors.New("sensor: negated deciders are not implemented")

// ParseDecider parses one decider specification string of the form
// "kind:value,value,..." (optionally with a trailing literal "remainder"
// entry), where kind is one of "interface", "ipblock", or "ipset". An empty
// string yields an unset decider. A leading "!" on kind is recognized and
// rejected explicitly rather than silently misparsed.
func ParseDecider(spec string) (Decider, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "unset" {
		return Decider{Kind: KindUnset}, nil
	}
	if strings.HasPrefix(spec, "!") {
		return Decider{}, ErrNegatedNotImplemented
	}

	kindStr, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return Decider{}, fmt.Errorf("sensor: malformed decider %q (expected kind:values)", spec)
	}
	values := strings.Split(rest, ",")

	remainder := false
	kept := values[:0]
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "remainder" {
			remainder = true
			continue
		}
		if v != "" {
			kept = append(kept, v)
		}
	}
	values = kept

	switch kindStr {
	case "interface":
		d := Decider{Kind: pick(remainder, KindInterfaceRemainder, KindInterfaceSet), Interfaces: map[uint16]bool{}}
		for _, v := range values {
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return Decider{}, fmt.Errorf("sensor: bad interface index %q: %w", v, err)
			}
			d.Interfaces[uint16(n)] = true
		}
		return d, nil
	case "ipblock":
		d := Decider{Kind: pick(remainder, KindIPBlockRemainder, KindIPBlockSet)}
		for _, v := range values {
			_, ipnet, err := net.ParseCIDR(v)
			if err != nil {
				return Decider{}, fmt.Errorf("sensor: bad ipblock %q: %w", v, err)
			}
			d.Blocks = append(d.Blocks, ipnet)
		}
		return d, nil
	case "ipset":
		d := Decider{Kind: pick(remainder, KindIPSetRemainder, KindIPSet), IPs: map[string]bool{}}
		for _, v := range values {
			ip := net.ParseIP(v)
			if ip == nil {
				return Decider{}, fmt.Errorf("sensor: bad ip %q", v)
			}
			d.IPs[ip.String()] = true
		}
		return d, nil
	default:
		return Decider{}, fmt.Errorf("sensor: unrecognized decider kind %q", kindStr)
	}
}

func pick(remainder bool, ifRemainder, ifNot Kind) Kind {
	if remainder {
		return ifRemainder
	}
	return ifNot
}

// match reports whether rec belongs to this decider's role. Remainder
// deciders always match; interface deciders check the record's output
// interface (the convention for "which way did this flow leave").
func (d Decider) match(rec *flowrec.Record) bool {
	switch d.Kind {
	case KindUnset:
		return false
	case KindInterfaceSet:
		return d.Interfaces[rec.OutputIf]
	case KindInterfaceRemainder:
		return true
	case KindIPBlockSet, KindIPBlockRemainder:
		if d.Kind == KindIPBlockRemainder {
			return true
		}
		ip := rec.Dst.IP()
		for _, b := range d.Blocks {
			if b.Contains(ip) {
				return true
			}
		}
		return false
	case KindIPSet, KindIPSetRemainder:
		if d.Kind == KindIPSetRemainder {
			return true
		}
		return d.IPs[rec.Dst.IP().String()]
	default:
		return false
	}
}

// FlowType enumerates the fixed set of categorization buckets a Sensor's
// decider can assign a record to.
type FlowType uint16

const (
	FlowTypeUnclassified FlowType = iota
	FlowTypeIn
	FlowTypeOut
	FlowTypeInWeb
	FlowTypeOutWeb
	FlowTypeNull
)

// Sensor is a verified, ready-to-classify network decider: exactly one
// Decider per role, with the external role always present.
type Sensor struct {
	Name     string
	ID       uint16
	External Decider
	Internal Decider
	Null     Decider
}

// New builds and verifies a Sensor from its three decider specifications,
// enforcing the invariants in spec.md §3: external MUST be set; interface-
// and address-based kinds MUST NOT be mixed across the three deciders; at
// most one decider may be "remainder".
func New(name string, id uint16, external, internal, null string) (*Sensor, error) {
	ext, err := ParseDecider(external)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: external decider: %w", name, err)
	}
	if ext.Kind == KindUnset {
		return nil, fmt.Errorf("sensor %s: external decider MUST be set", name)
	}
	in, err := ParseDecider(internal)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: internal decider: %w", name, err)
	}
	nul, err := ParseDecider(null)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: null decider: %w", name, err)
	}

	fams := map[family]bool{}
	remainders := 0
	for _, d := range []Decider{ext, in, nul} {
		if f := d.Kind.family(); f != familyNone {
			fams[f] = true
		}
		if d.Kind.isRemainder() {
			remainders++
		}
	}
	if fams[familyInterface] && fams[familyAddress] {
		return nil, fmt.Errorf("sensor %s: mixes interface-based and address-based deciders", name)
	}
	if remainders > 1 {
		return nil, fmt.Errorf("sensor %s: more than one decider declares remainder", name)
	}

	return &Sensor{Name: name, ID: id, External: ext, Internal: in, Null: nul}, nil
}

// Classify assigns rec's FlowType by checking, in order, the external,
// internal, and null deciders; the first to match wins. Web traffic (per
// flowrec.Record.IsWeb) refines an External or Internal match into its "Web"
// variant. An unmatched record is FlowTypeUnclassified.
func (s *Sensor) Classify(rec *flowrec.Record) FlowType {
	switch {
	case s.External.match(rec):
		if rec.IsWeb() {
			return FlowTypeOutWeb
		}
		return FlowTypeOut
	case s.Internal.match(rec):
		if rec.IsWeb() {
			return FlowTypeInWeb
		}
		return FlowTypeIn
	case s.Null.match(rec):
		return FlowTypeNull
	default:
		return FlowTypeUnclassified
	}
}
