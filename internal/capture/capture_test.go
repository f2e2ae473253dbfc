package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowforge/flowcapd/internal/flowrec"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name string
	ch   chan flowrec.Record
}

func (f *fakeSource) ProbeName() string                    { return f.name }
func (f *fakeSource) Records() <-chan flowrec.Record { return f.ch }

func sampleRec() flowrec.Record {
	return flowrec.Record{
		StartMS: time.Now().UnixMilli(),
		Src:     flowrec.AddrFromV4(0x0A000001),
		Dst:     flowrec.AddrFromV4(0x0A000002),
		Packets: 1,
		Bytes:   100,
	}
}

func TestEngineOpensWritesAndPublishesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{name: "edge1", ch: make(chan flowrec.Record, 4)}
	e := New(Config{Dir: dir, RecordVersion: 5})
	e.AddSource(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	src.ch <- sampleRec()
	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(dir)
		return len(entries) == 2 // the placeholder and the dotfile, while still open
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotEqual(t, byte('.'), entries[0].Name()[0])
}

func TestEngineRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{name: "edge1", ch: make(chan flowrec.Record, 16)}
	e := New(Config{Dir: dir, RecordVersion: 5, MaxFileSize: 30})
	e.AddSource(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for i := 0; i < 5; i++ {
		src.ch <- sampleRec()
	}

	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(dir)
		published := 0
		for _, e := range entries {
			if e.Name()[0] != '.' {
				published++
			}
		}
		return published >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestEngineAdmissionBlocksOpenWhenBelowMinFree(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{name: "edge1", ch: make(chan flowrec.Record, 4)}
	e := New(Config{
		Dir:           dir,
		RecordVersion: 5,
		MinFreeBytes:  1 << 62, // unreasonably large, guaranteed to fail admission
	})
	e.AddSource(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	src.ch <- sampleRec()

	select {
	case err := <-e.Fatal():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal admission error")
	}
	cancel()
	<-done
}

func TestCloseReaderOnAlreadyClosedIsNoOp(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{name: "edge1", ch: make(chan flowrec.Record)}
	e := New(Config{Dir: dir, RecordVersion: 5})
	rs := &reader{src: src, state: StateNoFile}
	require.NoError(t, e.closeReader(rs, "test"))
}

func TestPlaceholderNamingUsesDotfilePrefix(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{name: "probe-a", ch: make(chan flowrec.Record, 1)}
	e := New(Config{Dir: dir, RecordVersion: 5})
	e.AddSource(src)
	rs := e.readers[0]
	require.NoError(t, e.openReader(rs))
	_, statErr := os.Stat(filepath.Join(dir, ".probe-a"))
	require.NoError(t, statErr)
	require.NoError(t, e.closeReader(rs, "test"))
}
