package tunnel

import (
	"io"
	"net/netip"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/stretchr/testify/require"
)

const (
	testMTU      = 1500
	echoPort     = 7
	testRSDPort  = 50051
	hostAddress  = "fd7b:7b6e:9f0e::1"
	peerAddress  = "fd7b:7b6e:9f0e::2"
	peerNetmask  = "ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff"
)

// framePipe is an in-memory frame-preserving duplex pipe. Unlike net.Pipe it
// keeps one Write visible as exactly one Read, which is the contract the
// tunnel transport has with the CoreDeviceProxy stream.
type framePipe struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

func newFramePipe() (*framePipe, *framePipe) {
	hostToPeer := make(chan []byte, 512)
	peerToHost := make(chan []byte, 512)
	done := make(chan struct{})
	once := new(sync.Once)
	host := &framePipe{in: peerToHost, out: hostToPeer, done: done, once: once}
	peer := &framePipe{in: hostToPeer, out: peerToHost, done: done, once: once}
	return host, peer
}

func (p *framePipe) Read(buf []byte) (int, error) {
	select {
	case frame := <-p.in:
		return copy(buf, frame), nil
	case <-p.done:
		return 0, io.ErrClosedPipe
	}
}

func (p *framePipe) Write(frame []byte) (int, error) {
	out := make([]byte, len(frame))
	copy(out, frame)
	select {
	case p.out <- out:
		return len(frame), nil
	case <-p.done:
		return 0, io.ErrClosedPipe
	}
}

// Close kills both ends, like losing the tunnel does.
func (p *framePipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// testPeer is the fake device on the far side of the pipe: a second
// userspace stack whose services accept the adapter's connections.
type testPeer struct {
	stack  *stack.Stack
	device *netDevice
}

func startTestPeer(t *testing.T, pipe *framePipe) *testPeer {
	t.Helper()
	device := newNetDevice(newFrameTransport(pipe, testMTU), testMTU, log.WithField("testPeer", t.Name()))
	s, err := newNetstack(device, netip.MustParseAddr(peerAddress))
	require.NoError(t, err)
	device.start()

	peer := &testPeer{stack: s, device: device}
	t.Cleanup(func() {
		s.Close()
		device.close()
	})
	return peer
}

// listen starts a TCP service on the peer and hands every accepted
// connection to serve.
func (p *testPeer) listen(t *testing.T, port uint16, serve func(io.ReadWriteCloser)) {
	t.Helper()
	listener, err := gonet.ListenTCP(p.stack, fullAddress(netip.MustParseAddr(peerAddress), port), ipv6.ProtocolNumber)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()
}

func echoServer(conn io.ReadWriteCloser) {
	defer conn.Close()
	io.Copy(conn, conn)
}

func testParameters() TunnelParameters {
	return TunnelParameters{
		ClientParameters: ClientParameters{
			Mtu:     testMTU,
			Address: hostAddress,
			Netmask: peerNetmask,
		},
		ServerAddress: peerAddress,
		ServerRSDPort: testRSDPort,
		Type:          "clientHandshakeResponse",
	}
}

// startTestTunnel wires an adapter to a fake device running an echo service
// and returns both ends.
func startTestTunnel(t *testing.T) (*Adapter, *testPeer) {
	t.Helper()
	hostPipe, peerPipe := newFramePipe()
	peer := startTestPeer(t, peerPipe)
	peer.listen(t, echoPort, echoServer)

	adapter, err := NewAdapter(hostPipe, testParameters())
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	return adapter, peer
}
