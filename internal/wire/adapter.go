/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wire

import (
	"net"

	"github.com/flowforge/flowcapd/internal/flowrec"
)

// NFv5Source adapts an NFv5Decoder, which needs a sensor ID baked into every
// decoded record, to the probe package's Decoder interface of
// Decode(buf, src) ([]Record, error). Sequence-loss counts are folded into
// the probe's own stats via the optional lossSink callback.
type NFv5Source struct {
	Decoder  *NFv5Decoder
	SensorID uint16
	lossSink func(uint64)
	lastLost uint64
}

// NewNFv5Source builds an adapter that reports newly observed sequence
// losses to lossSink (may be nil) each time Decode is called.
func NewNFv5Source(d *NFv5Decoder, sensorID uint16, lossSink func(uint64)) *NFv5Source {
	return &NFv5Source{Decoder: d, SensorID: sensorID, lossSink: lossSink}
}

func (a *NFv5Source) Decode(buf []byte, src net.IP) ([]flowrec.Record, error) {
	recs, err := a.Decoder.Decode(buf, src, a.SensorID)
	if a.lossSink != nil {
		if cur := a.Decoder.Stats().SeqLost; cur > a.lastLost {
			a.lossSink(cur - a.lastLost)
			a.lastLost = cur
		}
	}
	return recs, err
}

// TemplateSource adapts a TemplateDecoder (IPFIX / NetFlow v9) to the
// probe package's Decoder interface, stamping SensorID onto every record the
// template decoder itself has no notion of.
type TemplateSource struct {
	Decoder  *TemplateDecoder
	SensorID uint16
}

// NewTemplateSource builds an adapter around an already-constructed
// TemplateDecoder.
func NewTemplateSource(d *TemplateDecoder, sensorID uint16) *TemplateSource {
	return &TemplateSource{Decoder: d, SensorID: sensorID}
}

func (a *TemplateSource) Decode(buf []byte, src net.IP) ([]flowrec.Record, error) {
	recs, err := a.Decoder.Decode(buf, src)
	for i := range recs {
		recs[i].SensorID = a.SensorID
	}
	return recs, err
}
