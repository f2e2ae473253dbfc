package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flowforge/flowcapd/internal/flowrec"
	"github.com/stretchr/testify/require"
)

type fakeDecoder struct {
	recs []flowrec.Record
	err  error
}

func (f fakeDecoder) Decode(buf []byte, src net.IP) ([]flowrec.Record, error) {
	return f.recs, f.err
}

func TestProbeReceivesAndForwards(t *testing.T) {
	rec := flowrec.Record{Packets: 1, Bytes: 1}
	p := New("edge1", fakeDecoder{recs: []flowrec.Record{rec}}, 4)
	require.NoError(t, p.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	raddr := p.testAddr(t)
	conn, err := net.Dial("udp", raddr)
	require.NoError(t, err)
	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	select {
	case got := <-p.Records():
		require.Equal(t, uint64(1), got.Packets)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded record")
	}

	stats := p.LogStatsAndClear()
	require.Equal(t, uint64(1), stats.Received)
	require.Equal(t, uint64(1), stats.Forwarded)
	require.NoError(t, p.Close())
}

func TestProbeCountsMalformed(t *testing.T) {
	p := New("edge1", fakeDecoder{err: errBoom}, 4)
	require.NoError(t, p.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	conn, err := net.Dial("udp", p.testAddr(t))
	require.NoError(t, err)
	_, err = conn.Write([]byte{9})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.LogStatsAndClear().Malformed == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Close())
}

func TestDoubleListenFails(t *testing.T) {
	p := New("edge1", fakeDecoder{}, 4)
	require.NoError(t, p.Listen("127.0.0.1:0"))
	defer p.Close()
	require.ErrorIs(t, p.Listen("127.0.0.1:0"), ErrAlreadyListening)
}

func TestStartBeforeListenFails(t *testing.T) {
	p := New("edge1", fakeDecoder{}, 4)
	require.ErrorIs(t, p.Start(context.Background()), ErrNotReady)
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }

func (p *Probe) testAddr(t *testing.T) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.LocalAddr().String()
}

func TestParseBindStringDefaultsToUDP(t *testing.T) {
	tr, rest, err := parseBindString("0.0.0.0:9995")
	require.NoError(t, err)
	require.Equal(t, transportUDP, tr)
	require.Equal(t, "0.0.0.0:9995", rest)
}

func TestParseBindStringRecognizesSchemes(t *testing.T) {
	tr, rest, err := parseBindString("tcp://0.0.0.0:9995")
	require.NoError(t, err)
	require.Equal(t, transportTCP, tr)
	require.Equal(t, "0.0.0.0:9995", rest)

	tr, rest, err = parseBindString("file:///var/spool/flowcapd/replay.bin")
	require.NoError(t, err)
	require.Equal(t, transportFile, tr)
	require.Equal(t, "/var/spool/flowcapd/replay.bin", rest)
}

func TestParseBindStringRejectsUnknownScheme(t *testing.T) {
	_, _, err := parseBindString("sctp://0.0.0.0:9995")
	require.ErrorIs(t, err, ErrBadBindString)
}

func TestProbeTCPReceivesAndForwards(t *testing.T) {
	rec := flowrec.Record{Packets: 1, Bytes: 1}
	p := New("edge1", fakeDecoder{recs: []flowrec.Record{rec}}, 4)
	require.NoError(t, p.Listen("tcp://127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	raddr := p.listener.Addr().String()
	conn, err := net.Dial("tcp", raddr)
	require.NoError(t, err)
	defer conn.Close()

	// a NetFlow v5 header declaring zero records: 24 bytes, frameable on its own.
	frame := make([]byte, 24)
	frame[0], frame[1] = 0, 5

	_, err = conn.Write(frame)
	require.NoError(t, err)

	select {
	case got := <-p.Records():
		require.Equal(t, uint64(1), got.Packets)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded record")
	}
	require.NoError(t, p.Close())
}
