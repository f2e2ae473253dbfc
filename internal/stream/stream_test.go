package stream

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/flowforge/flowcapd/internal/flowrec"
	"github.com/stretchr/testify/require"
)

func sampleRecord() flowrec.Record {
	return flowrec.Record{
		StartMS:  1_700_000_123_000,
		DurMS:    3_000,
		Src:      flowrec.AddrFromV4(0x0A000001),
		Dst:      flowrec.AddrFromV4(0x0A000002),
		SrcPort:  4242,
		DstPort:  22,
		Protocol: flowrec.ProtoTCP,
		Packets:  3,
		Bytes:    900,
	}
}

func TestWriteReadRoundTripUncompressed(t *testing.T) {
	var buf bytes.Buffer
	h := Header{
		RecordVersion: 5,
		ByteOrder:     binary.LittleEndian,
		Compression:   CompressionNone,
		HourAnchorMS:  1_700_000_000_000,
		Annotations:   map[string]string{"probe": "edge1"},
	}
	w, err := NewWriter(&buf, h)
	require.NoError(t, err)

	r1 := sampleRecord()
	r2 := sampleRecord()
	r2.DstPort = 8080
	require.NoError(t, w.WriteRecord(&r1))
	require.NoError(t, w.WriteRecord(&r2))
	require.Equal(t, uint64(2), w.RecordsWritten())
	require.NoError(t, w.Close())

	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "edge1", rd.Header().Annotations["probe"])

	got1, err := rd.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, r1.DstPort, got1.DstPort)

	got2, err := rd.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, uint16(8080), got2.DstPort)

	_, err = rd.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteReadRoundTripGzip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{RecordVersion: 5, Compression: CompressionGzip, HourAnchorMS: 1_700_000_000_000}
	w, err := NewWriter(&buf, h)
	require.NoError(t, err)

	r := sampleRecord()
	for i := 0; i < 50; i++ {
		require.NoError(t, w.WriteRecord(&r))
	}
	require.NoError(t, w.Close())

	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	count := 0
	for {
		_, err := rd.ReadRecord()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 50, count)
}

func TestUpperBoundBytesIsMonotonic(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Header{RecordVersion: 5, HourAnchorMS: 1_700_000_000_000})
	require.NoError(t, err)
	r := sampleRecord()
	before := w.UpperBoundBytes()
	require.NoError(t, w.WriteRecord(&r))
	after := w.UpperBoundBytes()
	require.Greater(t, after, before)
}

func TestWriteRecordAfterCloseFails(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Header{RecordVersion: 5})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	r := sampleRecord()
	require.ErrorIs(t, w.WriteRecord(&r), ErrClosed)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte{0, 0, 0, 0, 0, 0, 0, 0}))
	require.Error(t, err)
}
