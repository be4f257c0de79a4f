package tunnel

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// transmitRequest asks the transmit loop to put one frame on the wire. The
// ack channel is single-use; the requester blocks on it until the write has
// actually happened, which bounds the number of in-flight raw frames to one.
type transmitRequest struct {
	frame []byte
	ack   chan error
}

// netDevice adapts the frame transport into the link endpoint the netstack
// expects. The netstack hands it outbound IP packets through WritePackets;
// inbound frames are pumped off the transport by a background goroutine and
// injected into the stack's dispatcher.
//
// Once the transport fails in either direction the device is dead: the dead
// channel is closed, no further frames are reported, and the stack goroutine
// has to treat the whole tunnel as gone.
type netDevice struct {
	transport *frameTransport
	mtu       uint32

	xmit chan transmitRequest
	quit chan struct{}
	dead chan struct{}

	deadOnce sync.Once
	quitOnce sync.Once

	capture atomic.Pointer[captureSink]

	mu     sync.RWMutex
	disp   stack.NetworkDispatcher
	laddr  tcpip.LinkAddress
	closed bool

	logger *log.Entry
}

func newNetDevice(transport *frameTransport, mtu uint32, logger *log.Entry) *netDevice {
	return &netDevice{
		transport: transport,
		mtu:       mtu,
		xmit:      make(chan transmitRequest),
		quit:      make(chan struct{}),
		dead:      make(chan struct{}),
		logger:    logger,
	}
}

// start spawns the receive pump and the transmit loop.
func (d *netDevice) start() {
	go d.recvLoop()
	go d.transmitLoop()
}

// recvLoop moves frames from the transport into the netstack until the
// transport fails or the device is closed.
func (d *netDevice) recvLoop() {
	buf := make([]byte, d.mtu)
	for {
		n, err := d.transport.Recv(buf)
		if err != nil {
			select {
			case <-d.quit:
			default:
				d.logger.WithError(err).Error("tunnel receive failed, marking tunnel dead")
			}
			d.markDead()
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		if sink := d.capture.Load(); sink != nil {
			sink.Dump(frame)
		}
		d.inject(frame)
	}
}

// transmitLoop serializes all outbound writes onto the transport and
// acknowledges each one back to its requester.
func (d *netDevice) transmitLoop() {
	for {
		select {
		case req := <-d.xmit:
			err := d.transport.Send(req.frame)
			if err == nil {
				if sink := d.capture.Load(); sink != nil {
					sink.Dump(req.frame)
				}
			}
			req.ack <- err
			if err != nil {
				d.logger.WithError(err).Error("tunnel send failed, marking tunnel dead")
				d.markDead()
				return
			}
		case <-d.quit:
			return
		}
	}
}

// inject delivers one inbound raw IP frame to the netstack.
func (d *netDevice) inject(frame []byte) {
	proto, ok := detectNetworkProtocol(frame)
	if !ok {
		d.logger.WithField("len", len(frame)).Trace("dropping frame with unknown IP version")
		return
	}

	d.mu.RLock()
	disp := d.disp
	closed := d.closed
	d.mu.RUnlock()
	if closed || disp == nil {
		return
	}

	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})
	disp.DeliverNetworkPacket(proto, pkb)
	pkb.DecRef()
}

func (d *netDevice) markDead() {
	d.deadOnce.Do(func() { close(d.dead) })
}

// close shuts the device down and closes the underlying transport, which
// also unblocks a receive pump stuck in a read.
func (d *netDevice) close() {
	d.quitOnce.Do(func() {
		close(d.quit)
		d.markDead()
		if err := d.transport.Close(); err != nil {
			d.logger.WithError(err).Debug("closing tunnel transport")
		}
		d.mu.Lock()
		d.closed = true
		sink := d.capture.Swap(nil)
		d.mu.Unlock()
		if sink != nil {
			_ = sink.Close()
		}
	})
}

// setCapture attaches a capture sink, replacing and closing any previous one.
// On a closed device the sink is closed right away instead of leaking.
func (d *netDevice) setCapture(sink *captureSink) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = sink.Close()
		return
	}
	old := d.capture.Swap(sink)
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// detectNetworkProtocol reads the IP version nibble of a raw packet.
func detectNetworkProtocol(frame []byte) (tcpip.NetworkProtocolNumber, bool) {
	if len(frame) == 0 {
		return 0, false
	}
	switch frame[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber, true
	case 6:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}

var _ stack.LinkEndpoint = (*netDevice)(nil)

// ARPHardwareType implements stack.LinkEndpoint.
func (d *netDevice) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareNone
}

// AddHeader implements stack.LinkEndpoint. The tunnel carries raw IP
// packets, there is no link-layer header.
func (d *netDevice) AddHeader(*stack.PacketBuffer) {}

// ParseHeader implements stack.LinkEndpoint.
func (d *netDevice) ParseHeader(*stack.PacketBuffer) bool { return true }

// Attach implements stack.LinkEndpoint.
func (d *netDevice) Attach(disp stack.NetworkDispatcher) {
	d.mu.Lock()
	if !d.closed {
		d.disp = disp
	}
	d.mu.Unlock()
}

// IsAttached implements stack.LinkEndpoint.
func (d *netDevice) IsAttached() bool {
	d.mu.RLock()
	attached := d.disp != nil && !d.closed
	d.mu.RUnlock()
	return attached
}

// Capabilities implements stack.LinkEndpoint.
func (d *netDevice) Capabilities() stack.LinkEndpointCapabilities { return 0 }

// MTU implements stack.LinkEndpoint.
func (d *netDevice) MTU() uint32 { return d.mtu }

// MaxHeaderLength implements stack.LinkEndpoint.
func (d *netDevice) MaxHeaderLength() uint16 { return 0 }

// LinkAddress implements stack.LinkEndpoint.
func (d *netDevice) LinkAddress() tcpip.LinkAddress {
	d.mu.RLock()
	laddr := d.laddr
	d.mu.RUnlock()
	return laddr
}

// Wait implements stack.LinkEndpoint.
func (d *netDevice) Wait() {}

// WritePackets implements stack.LinkEndpoint. Each packet is handed to the
// transmit loop and acknowledged before the next one goes out, so at most
// one raw frame is in flight on the transport at any time.
func (d *netDevice) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	var sent int
	for _, pb := range pkts.AsSlice() {
		frame := packetBufferToBytes(pb)
		if len(frame) == 0 {
			continue
		}
		if uint32(len(frame)) > d.mtu {
			d.logger.WithField("len", len(frame)).Warn("dropping frame larger than negotiated MTU")
			continue
		}

		req := transmitRequest{frame: frame, ack: make(chan error, 1)}
		select {
		case d.xmit <- req:
		case <-d.dead:
			return sent, nil
		}
		select {
		case err := <-req.ack:
			if err != nil {
				return sent, nil
			}
		case <-d.dead:
			return sent, nil
		}
		sent++
	}
	return sent, nil
}

// packetBufferToBytes copies the packet buffer's bytes out of netstack-owned
// memory.
func packetBufferToBytes(pb *stack.PacketBuffer) []byte {
	view := pb.ToView()
	defer view.Release()
	out := make([]byte, view.Size())
	n, err := view.Read(out)
	if err != nil {
		return nil
	}
	return out[:n]
}
