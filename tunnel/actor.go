package tunnel

import (
	"bytes"
	"net/netip"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	// firstEphemeralPort is where local port allocation starts. Ports below
	// it are left alone so connections never collide with well-known ports.
	firstEphemeralPort uint16 = 49152

	// pollInterval bounds how long the actor sleeps when no endpoint event
	// or request wakes it up. It is also the worst-case latency for
	// noticing that a stream was dropped without being read.
	pollInterval = 100 * time.Millisecond

	inboundChannelSize  = 64
	outboundChannelSize = 64
)

// ConnState is the lifecycle state of one multiplexed connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateClosed
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionStatus reports the state of one connection. Err is set only for
// [StateError].
type ConnectionStatus struct {
	State ConnState
	Err   error
}

// streamChunk is one delivery on a connection's inbound channel. A chunk
// with a non-nil err is terminal; the channel is closed right after it.
type streamChunk struct {
	data []byte
	err  error
}

type connectRequest struct {
	remotePort uint16
	resp       chan connectResult
}

type connectResult struct {
	localPort uint16
	inbound   <-chan streamChunk
	outbound  chan<- []byte
	gone      <-chan struct{}
	failed    <-chan error
	err       error
}

type closeRequest struct {
	localPort uint16
}

type statusRequest struct {
	localPort uint16
	resp      chan ConnectionStatus
}

// socketEntry is the actor-owned state of one multiplexed connection. The
// inbound/outbound channel pair is the only thing shared with the stream;
// everything else is touched exclusively by the actor goroutine.
type socketEntry struct {
	localPort  uint16
	remotePort uint16

	ep         tcpip.Endpoint
	wq         *waiter.Queue
	waitEntry  waiter.Entry
	stopNotify chan struct{}

	inbound  chan streamChunk
	outbound chan []byte
	gone     chan struct{}

	// failc holds the terminal error for the stream. The error also rides
	// the inbound channel as a terminal chunk, but that chunk can be stuck
	// behind a full buffer when the entry is swept; failc is filled before
	// inbound closes, so a slow reader still sees the error, not EOF.
	failc chan error

	// pending buffers chunks that did not fit into the inbound channel yet.
	// It is unbounded on purpose: a stream that reads slowly grows this
	// queue and nothing else.
	pending []streamChunk
	sendBuf []byte

	state ConnState
	err   error

	recvDone      bool
	inboundClosed bool
	epClosed      bool
	remove        bool
}

// stackActor owns the netstack instance and the socket table. It runs as a
// single goroutine; connect/close/status requests, endpoint readiness
// notifications and stream flushes all arrive over channels, there is no
// shared mutable state.
type stackActor struct {
	stack      *stack.Stack
	device     *netDevice
	remoteAddr netip.Addr

	table    map[uint16]*socketEntry
	nextPort uint16

	connectCh chan connectRequest
	closeCh   chan closeRequest
	statusCh  chan statusRequest
	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}

	logger *log.Entry
}

func newStackActor(s *stack.Stack, device *netDevice, remoteAddr netip.Addr, logger *log.Entry) *stackActor {
	return &stackActor{
		stack:      s,
		device:     device,
		remoteAddr: remoteAddr,
		table:      make(map[uint16]*socketEntry),
		nextPort:   firstEphemeralPort,
		connectCh:  make(chan connectRequest),
		closeCh:    make(chan closeRequest),
		statusCh:   make(chan statusRequest),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// poke wakes the actor loop. It never blocks; the wake channel coalesces.
func (a *stackActor) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *stackActor) run() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	defer a.shutdown()

	for {
		a.serviceSockets()
		a.sweep()

		select {
		case req := <-a.connectCh:
			a.handleConnect(req)
		case req := <-a.closeCh:
			if e, ok := a.table[req.localPort]; ok {
				e.remove = true
			}
		case req := <-a.statusCh:
			req.resp <- a.status(req.localPort)
		case <-a.wake:
		case <-ticker.C:
		case <-a.device.dead:
			a.failAll(ErrTunnelClosed)
			return
		case <-a.quit:
			return
		}
	}
}

// shutdown releases every socket entry, then the stack, then the device.
// The device has to outlive the stack teardown because closing endpoints
// still emits FIN/RST frames through it.
func (a *stackActor) shutdown() {
	for _, e := range a.table {
		e.remove = true
	}
	a.sweep()
	a.stack.Close()
	a.device.close()
	close(a.done)
}

// serviceSockets is one pass over the socket table: intake queued writes,
// drive connection establishment, move bytes in both directions and hand
// buffered chunks to the streams.
func (a *stackActor) serviceSockets() {
	for _, e := range a.table {
		a.drainOutbound(e)
		if e.remove {
			continue
		}
		if e.state == StateConnecting {
			a.progressConnecting(e)
		}
		if e.state == StateConnected {
			a.pumpSend(e)
		}
		if e.state == StateConnected {
			a.pumpRecv(e)
		}
		a.deliverPending(e)
	}
}

// drainOutbound moves queued writes from the stream into the actor-owned
// send buffer. A closed outbound channel means the stream was closed or
// dropped; that is the removal signal for the entry.
func (a *stackActor) drainOutbound(e *socketEntry) {
	for {
		select {
		case data, ok := <-e.outbound:
			if !ok {
				e.remove = true
				return
			}
			e.sendBuf = append(e.sendBuf, data...)
		default:
			return
		}
	}
}

// progressConnecting checks whether an in-flight connect has settled.
func (a *stackActor) progressConnecting(e *socketEntry) {
	switch tcp.EndpointState(e.ep.State()) {
	case tcp.StateEstablished:
		e.state = StateConnected
		a.logger.WithField("localPort", e.localPort).WithField("port", e.remotePort).Debug("connection established")
	case tcp.StateError, tcp.StateClose:
		err := remapNetstackError(e.ep.LastError())
		if err == nil {
			err = syscall.ECONNREFUSED
		}
		a.failEntry(e, err)
	default:
		// still in the TCP handshake
	}
}

// pumpSend pushes as much of the send buffer as the send window allows.
// Partial sends are logged and retried on a later pass, never failed.
func (a *stackActor) pumpSend(e *socketEntry) {
	if len(e.sendBuf) == 0 || e.epClosed {
		return
	}
	n, terr := e.ep.Write(bytes.NewReader(e.sendBuf), tcpip.WriteOptions{})
	if n > 0 {
		e.sendBuf = e.sendBuf[n:]
		if len(e.sendBuf) == 0 {
			e.sendBuf = nil
		} else {
			a.logger.WithField("localPort", e.localPort).WithField("queued", len(e.sendBuf)).Trace("partial send, window full")
		}
	}
	if terr != nil {
		switch terr.(type) {
		case *tcpip.ErrWouldBlock:
		default:
			a.failEntry(e, remapNetstackError(terr))
		}
	}
}

// pumpRecv drains everything the socket has received into the pending queue.
func (a *stackActor) pumpRecv(e *socketEntry) {
	if e.epClosed || e.recvDone {
		return
	}
	for {
		var buf bytes.Buffer
		res, terr := e.ep.Read(&buf, tcpip.ReadOptions{})
		if terr != nil {
			switch terr.(type) {
			case *tcpip.ErrWouldBlock:
			case *tcpip.ErrClosedForReceive:
				// peer sent FIN; drained chunks still get delivered, then
				// the inbound channel closes and reads return EOF
				e.recvDone = true
			default:
				a.failEntry(e, remapNetstackError(terr))
			}
			return
		}
		if res.Count == 0 {
			return
		}
		e.pending = append(e.pending, streamChunk{data: buf.Bytes()})
	}
}

// deliverPending moves buffered chunks into the inbound channel without
// blocking. A terminal chunk closes the channel behind itself.
func (a *stackActor) deliverPending(e *socketEntry) {
	for len(e.pending) > 0 && !e.inboundClosed {
		select {
		case e.inbound <- e.pending[0]:
			terminal := e.pending[0].err != nil
			e.pending[0] = streamChunk{}
			e.pending = e.pending[1:]
			if terminal {
				e.pending = nil
				close(e.inbound)
				e.inboundClosed = true
			}
		default:
			return
		}
	}
	if len(e.pending) == 0 && e.recvDone && !e.inboundClosed {
		close(e.inbound)
		e.inboundClosed = true
	}
}

// failEntry marks a connection as failed, queues the terminal error for the
// stream and releases the netstack socket. The entry stays in the table so
// status queries keep reporting the error until the stream lets go.
func (a *stackActor) failEntry(e *socketEntry, err error) {
	if e.state == StateError {
		return
	}
	e.state = StateError
	e.err = err
	e.sendBuf = nil
	select {
	case e.failc <- err:
	default:
	}
	e.pending = append(e.pending, streamChunk{err: err})
	a.releaseEndpoint(e)
	a.logger.WithError(err).WithField("localPort", e.localPort).Debug("connection failed")
}

// failAll is the tunnel-death path: every live connection gets the error.
func (a *stackActor) failAll(err error) {
	for _, e := range a.table {
		a.failEntry(e, err)
		a.deliverPending(e)
	}
}

func (a *stackActor) releaseEndpoint(e *socketEntry) {
	if e.epClosed {
		return
	}
	e.epClosed = true
	e.wq.EventUnregister(&e.waitEntry)
	e.ep.Close()
	close(e.stopNotify)
}

// sweep destroys entries marked for removal, flushing what it still can.
func (a *stackActor) sweep() {
	for port, e := range a.table {
		if !e.remove {
			continue
		}
		if len(e.sendBuf) > 0 && !e.epClosed && e.state == StateConnected {
			_, _ = e.ep.Write(bytes.NewReader(e.sendBuf), tcpip.WriteOptions{})
		}
		a.deliverPending(e)
		a.releaseEndpoint(e)
		if !e.inboundClosed {
			close(e.inbound)
			e.inboundClosed = true
		}
		close(e.gone)
		delete(a.table, port)
		a.logger.WithField("localPort", port).Trace("released socket entry")
	}
}

func (a *stackActor) status(localPort uint16) ConnectionStatus {
	e, ok := a.table[localPort]
	if !ok {
		return ConnectionStatus{State: StateClosed}
	}
	return ConnectionStatus{State: e.state, Err: e.err}
}

// handleConnect allocates a local port, opens a netstack TCP socket bound to
// it and starts an outbound connect to the peer. The reply carries the
// connection's channel pair; establishment itself finishes asynchronously.
func (a *stackActor) handleConnect(req connectRequest) {
	localPort, err := a.allocatePort()
	if err != nil {
		req.resp <- connectResult{err: err}
		return
	}

	wq := new(waiter.Queue)
	ep, terr := a.stack.NewEndpoint(tcp.ProtocolNumber, networkProtocolNumber(a.remoteAddr), wq)
	if terr != nil {
		req.resp <- connectResult{err: remapNetstackError(terr)}
		return
	}

	// The tunnel peer is a mobile device; keep idle connections alive more
	// aggressively than netstack's two hour default.
	ep.SocketOptions().SetKeepAlive(true)
	idle := tcpip.KeepaliveIdleOption(30 * time.Second)
	ep.SetSockOpt(&idle)
	interval := tcpip.KeepaliveIntervalOption(5 * time.Second)
	ep.SetSockOpt(&interval)

	if terr := ep.Bind(tcpip.FullAddress{Port: localPort}); terr != nil {
		ep.Close()
		req.resp <- connectResult{err: remapNetstackError(terr)}
		return
	}

	e := &socketEntry{
		localPort:  localPort,
		remotePort: req.remotePort,
		ep:         ep,
		wq:         wq,
		stopNotify: make(chan struct{}),
		inbound:    make(chan streamChunk, inboundChannelSize),
		outbound:   make(chan []byte, outboundChannelSize),
		gone:       make(chan struct{}),
		failc:      make(chan error, 1),
		state:      StateConnecting,
	}
	waitEntry, notifyCh := waiter.NewChannelEntry(waiter.ReadableEvents | waiter.WritableEvents | waiter.EventErr | waiter.EventHUp)
	e.waitEntry = waitEntry
	wq.EventRegister(&e.waitEntry)
	go a.forwardNotifications(notifyCh, e.stopNotify)

	terr = ep.Connect(fullAddress(a.remoteAddr, req.remotePort))
	switch terr.(type) {
	case *tcpip.ErrConnectStarted:
		// completes asynchronously; progressConnecting observes the outcome
	case nil:
		e.state = StateConnected
	default:
		a.releaseEndpoint(e)
		req.resp <- connectResult{err: remapNetstackError(terr)}
		return
	}

	a.table[localPort] = e
	a.logger.WithField("localPort", localPort).WithField("port", req.remotePort).Debug("connecting to device port")
	req.resp <- connectResult{
		localPort: localPort,
		inbound:   e.inbound,
		outbound:  e.outbound,
		gone:      e.gone,
		failed:    e.failc,
	}
}

// forwardNotifications turns endpoint readiness events into actor wakeups.
func (a *stackActor) forwardNotifications(notifyCh chan struct{}, stop chan struct{}) {
	for {
		select {
		case <-notifyCh:
			a.poke()
		case <-stop:
			return
		}
	}
}

// allocatePort returns the next free local port. The counter only moves
// forward; when it wraps it skips ports that still have a live entry, so a
// port is never reused while its connection exists.
func (a *stackActor) allocatePort() (uint16, error) {
	portRange := int(^uint16(0)-firstEphemeralPort) + 1
	for i := 0; i < portRange; i++ {
		port := a.nextPort
		if a.nextPort == ^uint16(0) {
			a.nextPort = firstEphemeralPort
		} else {
			a.nextPort++
		}
		if _, live := a.table[port]; !live {
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}
