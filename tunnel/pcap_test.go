package tunnel

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestCaptureSinkWritesPcap(t *testing.T) {
	buf := &bufferCloser{}
	sink := newCaptureSink(buf)

	frames := [][]byte{
		{0x60, 0x00, 0x00, 0x00},
		{0x60, 0x01, 0x02, 0x03, 0x04},
		{0x45, 0x00},
	}
	for _, frame := range frames {
		sink.Dump(frame)
	}
	require.NoError(t, sink.Close())
	assert.True(t, buf.closed)
	assert.Zero(t, sink.Dropped())

	r, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	for _, frame := range frames {
		data, ci, err := r.ReadPacketData()
		require.NoError(t, err)
		assert.Equal(t, frame, data)
		assert.Equal(t, len(frame), ci.Length)
	}
	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPcapAfterAdapterClose(t *testing.T) {
	adapter, _ := startTestTunnel(t)
	require.NoError(t, adapter.Close())

	buf := &bufferCloser{}
	adapter.Pcap(buf)
	assert.True(t, buf.closed, "capture attached to a closed adapter must not leak its writer")
}

func TestCaptureSinkCloseIdempotent(t *testing.T) {
	sink := newCaptureSink(&bufferCloser{})
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
}

// TestAdapterPcapFile captures a full echo exchange and checks the file
// contains traffic in both directions.
func TestAdapterPcapFile(t *testing.T) {
	adapter, _ := startTestTunnel(t)

	path := filepath.Join(t.TempDir(), "tunnel.pcap")
	require.NoError(t, adapter.PcapFile(path))

	stream, err := adapter.Connect(context.Background(), echoPort)
	require.NoError(t, err)
	waitForState(t, adapter, stream.LocalPort(), StateConnected)

	_, err = stream.Write([]byte("capture me"))
	require.NoError(t, err)
	require.NoError(t, stream.Flush())
	echoed := make([]byte, len("capture me"))
	_, err = io.ReadFull(stream, echoed)
	require.NoError(t, err)
	stream.Close()

	// closing the adapter flushes and closes the capture file
	require.NoError(t, adapter.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	var packets int
	for {
		_, ci, err := r.ReadPacketData()
		if err != nil {
			break
		}
		assert.WithinDuration(t, time.Now(), ci.Timestamp, time.Minute)
		packets++
	}
	// at least SYN, SYN-ACK and one data segment per direction
	assert.GreaterOrEqual(t, packets, 6)
}
