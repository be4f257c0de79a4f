package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Adapter multiplexes TCP connections over a single CoreDeviceProxy tunnel
// stream. It owns a userspace network stack whose only link is the tunnel:
// every connection opened through [Adapter.Connect] becomes TCP/IP traffic on
// the underlying ReadWriteCloser.
//
// All methods are safe for concurrent use; the network stack itself is
// confined to a single background goroutine.
type Adapter struct {
	id     string
	actor  *stackActor
	device *netDevice
	params TunnelParameters

	closeOnce sync.Once
	logger    *log.Entry
}

// NewAdapter starts a tunnel adapter on rw, which must carry raw IP frames
// framed by its Read/Write calls, one frame per call. params is the device's
// handshake response from [ExchangeTunnelParameters]; it supplies both
// tunnel addresses and the MTU.
//
// The adapter owns rw and closes it on [Adapter.Close].
func NewAdapter(rw io.ReadWriteCloser, params TunnelParameters) (*Adapter, error) {
	localAddr, err := netip.ParseAddr(params.ClientParameters.Address)
	if err != nil {
		return nil, fmt.Errorf("NewAdapter: invalid client address %q: %w", params.ClientParameters.Address, err)
	}
	remoteAddr, err := netip.ParseAddr(params.ServerAddress)
	if err != nil {
		return nil, fmt.Errorf("NewAdapter: invalid server address %q: %w", params.ServerAddress, err)
	}
	if params.ClientParameters.Mtu == 0 {
		return nil, fmt.Errorf("NewAdapter: tunnel parameters do not contain an MTU")
	}
	mtu := uint32(params.ClientParameters.Mtu)

	id := uuid.New().String()
	logger := log.WithField("tunnelAdapter", id)

	device := newNetDevice(newFrameTransport(rw, mtu), mtu, logger)
	netStack, err := newNetstack(device, localAddr)
	if err != nil {
		device.close()
		return nil, fmt.Errorf("NewAdapter: could not create network stack: %w", err)
	}

	a := &Adapter{
		id:     id,
		actor:  newStackActor(netStack, device, remoteAddr, logger),
		device: device,
		params: params,
		logger: logger,
	}
	device.start()
	go a.actor.run()

	logger.WithField("address", localAddr).WithField("serverAddress", remoteAddr).
		WithField("mtu", mtu).Info("tunnel adapter up")
	return a, nil
}

// Parameters returns the handshake parameters the adapter was built with.
func (a *Adapter) Parameters() TunnelParameters {
	return a.params
}

// RSDPort returns the device port of the remote service discovery handshake
// service inside the tunnel.
func (a *Adapter) RSDPort() uint16 {
	return a.params.ServerRSDPort
}

// Connect opens a TCP connection to the given port on the device. It returns
// as soon as the connection attempt has started; the returned stream can be
// written to immediately, the data is transmitted once the TCP handshake
// completes. Use [Adapter.GetStatus] to observe establishment or failure.
func (a *Adapter) Connect(ctx context.Context, port uint16) (*Stream, error) {
	req := connectRequest{remotePort: port, resp: make(chan connectResult, 1)}
	select {
	case a.actor.connectCh <- req:
	case <-a.actor.done:
		return nil, ErrTunnelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resp:
		if res.err != nil {
			return nil, fmt.Errorf("Connect: could not connect to port %d: %w", port, res.err)
		}
		return &Stream{
			localPort:  res.localPort,
			remotePort: port,
			inbound:    res.inbound,
			outbound:   res.outbound,
			gone:       res.gone,
			failed:     res.failed,
			done:       a.actor.done,
			poke:       a.actor.poke,
		}, nil
	case <-ctx.Done():
		// the request is already in flight; release the connection it
		// produces so a canceled caller does not leak a socket entry
		go func() {
			select {
			case res := <-req.resp:
				if res.err == nil {
					a.CloseConn(res.localPort)
				}
			case <-a.actor.done:
			}
		}()
		return nil, ctx.Err()
	}
}

// CloseConn asks the stack goroutine to tear down the connection bound to
// the given local port. It is a no-op for unknown ports. Dropping a
// connection's [Stream] has the same effect; CloseConn exists for callers
// that track connections by port.
func (a *Adapter) CloseConn(localPort uint16) {
	select {
	case a.actor.closeCh <- closeRequest{localPort: localPort}:
		a.actor.poke()
	case <-a.actor.done:
	}
}

// GetStatus reports the state of the connection bound to the given local
// port. Ports with no live connection report [StateClosed].
func (a *Adapter) GetStatus(localPort uint16) ConnectionStatus {
	req := statusRequest{localPort: localPort, resp: make(chan ConnectionStatus, 1)}
	select {
	case a.actor.statusCh <- req:
	case <-a.actor.done:
		return ConnectionStatus{State: StateClosed, Err: ErrTunnelClosed}
	}
	select {
	case status := <-req.resp:
		return status
	case <-a.actor.done:
		return ConnectionStatus{State: StateClosed, Err: ErrTunnelClosed}
	}
}

// Pcap starts capturing every raw IP frame that crosses the tunnel, in pcap
// format, to wc. The capture runs until the adapter closes or Pcap is called
// again; the previous capture writer is closed. Capturing never blocks the
// data path, frames are dropped instead when wc cannot keep up.
func (a *Adapter) Pcap(wc io.WriteCloser) {
	a.device.setCapture(newCaptureSink(wc))
	a.logger.Info("packet capture enabled")
}

// PcapFile starts a packet capture to the file at path, creating or
// truncating it.
func (a *Adapter) PcapFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("PcapFile: could not create capture file: %w", err)
	}
	a.Pcap(f)
	return nil
}

// Close shuts the adapter down: every connection is torn down, the network
// stack is destroyed and the underlying tunnel stream is closed. Streams
// still held by callers return errors afterwards. Close is idempotent and
// returns after the stack goroutine has exited.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.actor.quit)
		<-a.actor.done
		a.logger.Info("tunnel adapter closed")
	})
	return nil
}
