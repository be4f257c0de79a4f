package tunnel

import (
	"io"
)

// frameTransport is the thin duplex boundary over the authenticated tunnel
// stream. One Send or Recv call corresponds to exactly one raw IP frame of
// at most mtu bytes; the transport performs no stream reassembly and no
// retries, I/O errors pass through unchanged.
type frameTransport struct {
	rw  io.ReadWriteCloser
	mtu uint32
}

func newFrameTransport(rw io.ReadWriteCloser, mtu uint32) *frameTransport {
	return &frameTransport{rw: rw, mtu: mtu}
}

// Send writes one frame to the tunnel.
func (t *frameTransport) Send(frame []byte) error {
	if uint32(len(frame)) > t.mtu {
		return ErrFrameTooLarge
	}
	_, err := t.rw.Write(frame)
	return err
}

// Recv reads the next frame into buf, which must hold at least mtu bytes.
func (t *frameTransport) Recv(buf []byte) (int, error) {
	return t.rw.Read(buf)
}

func (t *frameTransport) Close() error {
	return t.rw.Close()
}
