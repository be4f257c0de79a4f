package tunnel

import (
	"errors"
	"net"
	"syscall"

	"gvisor.dev/gvisor/pkg/tcpip"
)

var (
	// ErrPacketTooShort is returned when a handshake packet is shorter than
	// its fixed header, or shorter than the body length the header declares.
	ErrPacketTooShort = errors.New("handshake packet too short")
	// ErrInvalidMagic is returned when a handshake packet does not start
	// with the expected magic bytes.
	ErrInvalidMagic = errors.New("handshake packet has invalid magic")
	// ErrSizeMismatch is returned when a handshake packet declares a body
	// length that exceeds the available input.
	ErrSizeMismatch = errors.New("handshake packet size mismatch")
	// ErrTunnelClosed is returned from connection operations after the
	// tunnel, or the goroutine driving its network stack, has shut down.
	ErrTunnelClosed = errors.New("tunnel closed")
	// ErrFrameTooLarge is returned when a frame exceeds the negotiated MTU.
	ErrFrameTooLarge = errors.New("frame exceeds negotiated MTU")
	// ErrPortsExhausted is returned when every local ephemeral port has a
	// live connection. With ~16k ports this indicates a connection leak.
	ErrPortsExhausted = errors.New("no free local ports")
)

// remapNetstackError converts a gVisor tcpip.Error into the stdlib error a
// caller of net.Conn-style APIs would expect. Unknown errors keep their
// netstack description.
func remapNetstackError(terr tcpip.Error) error {
	if terr == nil {
		return nil
	}
	switch terr.(type) {
	case *tcpip.ErrConnectionRefused:
		return syscall.ECONNREFUSED
	case *tcpip.ErrConnectionReset:
		return syscall.ECONNRESET
	case *tcpip.ErrConnectionAborted:
		return syscall.ECONNABORTED
	case *tcpip.ErrTimeout:
		return syscall.ETIMEDOUT
	case *tcpip.ErrHostUnreachable, *tcpip.ErrNetworkUnreachable:
		return syscall.ENETUNREACH
	case *tcpip.ErrClosedForSend, *tcpip.ErrClosedForReceive:
		return net.ErrClosed
	default:
		return errors.New(terr.String())
	}
}
