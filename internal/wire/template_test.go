package wire

import (
	"encoding/binary"
	"testing"

	"github.com/flowforge/flowcapd/internal/flowrec"
	"github.com/stretchr/testify/require"
)

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func TestRecordFromFieldsMapsStandardElements(t *testing.T) {
	fields := []ipfixField{
		{ID: ieSourceIPv4Address, Bytes: be32(0x0A000001)},
		{ID: ieDestinationIPv4Address, Bytes: be32(0x0A000002)},
		{ID: ieSourceTransportPort, Bytes: []byte{0xC3, 0x50}},
		{ID: ieDestinationTransPort, Bytes: []byte{0x01, 0xBB}},
		{ID: ieProtocolIdentifier, Bytes: []byte{6}},
		{ID: iePacketDeltaCount, Bytes: []byte{0, 0, 0, 10}},
		{ID: ieOctetDeltaCount, Bytes: []byte{0, 0, 4, 0}},
		{ID: ieFlowStartMilliseconds, Bytes: be64(1000)},
		{ID: ieFlowEndMilliseconds, Bytes: be64(1500)},
		{ID: ieFirewallEvent, Bytes: []byte{3}},
	}

	r := recordFromFields(fields, 999)
	require.Equal(t, "10.0.0.1", r.Src.String())
	require.Equal(t, "10.0.0.2", r.Dst.String())
	require.Equal(t, uint16(0x01BB), r.DstPort)
	require.EqualValues(t, 6, r.Protocol)
	require.Equal(t, uint64(10), r.Packets)
	require.Equal(t, uint64(1024), r.Bytes)
	require.Equal(t, int64(1000), r.StartMS)
	require.Equal(t, int64(500), r.DurMS)
	require.Equal(t, []byte{3}, r.Memo)
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func TestRecordFromFieldsDefaultsPacketsAndBytes(t *testing.T) {
	r := recordFromFields(nil, 42)
	require.Equal(t, uint64(1), r.Packets)
	require.Equal(t, uint64(1), r.Bytes)
	require.Equal(t, int64(42), r.StartMS)
}

func TestRecordFromFieldsFlagsZeroPacketDelta(t *testing.T) {
	fields := []ipfixField{
		{ID: iePacketDeltaCount, Bytes: []byte{0, 0, 0, 0}},
		{ID: ieOctetDeltaCount, Bytes: []byte{0, 0, 0, 0}},
	}
	r := recordFromFields(fields, 42)
	require.Equal(t, uint64(1), r.Packets)
	require.NotZero(t, r.AttrFlags&flowrec.AttrZeroPacketsQuirk)
}

func TestFinishRecordStripsQuirkUnlessEnabled(t *testing.T) {
	fields := []ipfixField{
		{ID: iePacketDeltaCount, Bytes: []byte{0, 0, 0, 0}},
	}

	d := NewTemplateDecoder()
	r := d.finishRecord(fields, 42)
	require.Zero(t, r.AttrFlags&flowrec.AttrZeroPacketsQuirk)

	d.SetZeroPacketsQuirk(true)
	r = d.finishRecord(fields, 42)
	require.NotZero(t, r.AttrFlags&flowrec.AttrZeroPacketsQuirk)
}
