package tunnel

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// captureSnapshotSize is how many bytes of each frame end up in the capture
// file. Frames are at most one MTU, so this keeps them whole.
const captureSnapshotSize = 65535

// captureSnapshot is one frame queued for the capture file.
type captureSnapshot struct {
	data   []byte
	length int
}

// captureSink appends timestamped raw IP frames to a pcap file. Dump is
// fire-and-forget: the write happens on a background goroutine, a full queue
// drops the frame, and writer errors are logged once and otherwise ignored.
// Capture is diagnostic, it must never block or fail the data path.
type captureSink struct {
	snaps   chan captureSnapshot
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	wc      io.WriteCloser
}

func newCaptureSink(wc io.WriteCloser) *captureSink {
	const queuedFrames = 4096
	sink := &captureSink{
		snaps: make(chan captureSnapshot, queuedFrames),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		wc:    wc,
	}
	go sink.saveLoop()
	return sink
}

// Dump queues one frame for the capture file.
func (c *captureSink) Dump(frame []byte) {
	snapLen := len(frame)
	if snapLen > captureSnapshotSize {
		snapLen = captureSnapshotSize
	}
	snap := make([]byte, snapLen)
	copy(snap, frame)
	select {
	case c.snaps <- captureSnapshot{data: snap, length: len(frame)}:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many frames were discarded because the capture writer
// could not keep up.
func (c *captureSink) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *captureSink) saveLoop() {
	defer close(c.done)

	w := pcapgo.NewWriter(c.wc)
	if err := w.WriteFileHeader(captureSnapshotSize, layers.LinkTypeRaw); err != nil {
		log.WithError(err).Error("packet capture disabled: could not write pcap file header")
		return
	}

	for {
		select {
		case <-c.quit:
			// drain whatever is still queued before closing
			for {
				select {
				case snap := <-c.snaps:
					if err := c.savePacket(w, snap); err != nil {
						log.WithError(err).Error("packet capture stopped: could not write frame")
						return
					}
				default:
					return
				}
			}
		case snap := <-c.snaps:
			if err := c.savePacket(w, snap); err != nil {
				log.WithError(err).Error("packet capture stopped: could not write frame")
				return
			}
		}
	}
}

func (c *captureSink) savePacket(w *pcapgo.Writer, snap captureSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(snap.data),
		Length:        snap.length,
	}
	return w.WritePacket(ci, snap.data)
}

// Close stops the background writer, waits for it to drain, and closes the
// capture file.
func (c *captureSink) Close() (err error) {
	c.once.Do(func() {
		close(c.quit)
		<-c.done
		err = c.wc.Close()
	})
	return
}
