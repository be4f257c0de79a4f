package tunnel

import (
	"io"
	"net"
	"sync"
)

// Stream is one multiplexed TCP connection through the tunnel. It talks to
// the stack goroutine exclusively over its channel pair: inbound carries
// received chunks, outbound carries flushed writes.
//
// Writes are buffered until [Stream.Flush]; Read blocks until data, EOF or a
// connection error arrives. One goroutine may read while another writes, but
// neither side supports multiple concurrent callers.
type Stream struct {
	localPort  uint16
	remotePort uint16

	inbound  <-chan streamChunk
	outbound chan<- []byte
	gone     <-chan struct{}
	failed   <-chan error
	done     <-chan struct{}
	poke     func()

	// read side
	readBuf []byte
	readErr error

	// write side
	wmu       sync.Mutex
	writeBuf  []byte
	closed    bool
	closeOnce sync.Once
}

// LocalPort returns the local port the connection is bound to inside the
// tunnel. It identifies the connection in status queries.
func (s *Stream) LocalPort() uint16 { return s.localPort }

// RemotePort returns the device port the connection was opened to.
func (s *Stream) RemotePort() uint16 { return s.remotePort }

// Read returns buffered data first and otherwise blocks for the next chunk
// from the stack goroutine. A chunk larger than p is cached and served by
// subsequent calls. After the peer closes, Read returns io.EOF; after a
// connection error it keeps returning that error.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		chunk, ok := <-s.inbound
		if !ok {
			// a torn-down connection can close inbound with the terminal
			// chunk still queued behind unread data; the failure channel
			// carries the error regardless
			select {
			case err := <-s.failed:
				s.readErr = err
			default:
				s.readErr = io.EOF
			}
			return 0, s.readErr
		}
		if chunk.err != nil {
			s.readErr = chunk.err
			return 0, chunk.err
		}
		s.readBuf = chunk.data
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	if len(s.readBuf) == 0 {
		s.readBuf = nil
	}
	return n, nil
}

// Write appends p to the stream's write buffer. Nothing goes on the wire
// until Flush.
func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	s.writeBuf = append(s.writeBuf, p...)
	return len(p), nil
}

// Flush hands the buffered writes to the stack goroutine. It blocks only
// when the goroutine is far behind; the data is transmitted asynchronously.
func (s *Stream) Flush() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if len(s.writeBuf) == 0 {
		return nil
	}
	buf := s.writeBuf
	s.writeBuf = nil
	select {
	case s.outbound <- buf:
		s.poke()
		return nil
	case <-s.gone:
		return net.ErrClosed
	case <-s.done:
		return ErrTunnelClosed
	}
}

// Close flushes what fits without blocking and closes the outbound channel,
// which tells the stack goroutine to tear the connection down. It is
// idempotent and never blocks.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		s.closed = true
		if len(s.writeBuf) > 0 {
			select {
			case s.outbound <- s.writeBuf:
			default:
			}
			s.writeBuf = nil
		}
		close(s.outbound)
		s.wmu.Unlock()
		s.poke()
	})
	return nil
}
