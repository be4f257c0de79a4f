package tunnel

import (
	"context"
	"errors"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
)

// ServeListener accepts connections on listener and forwards each one to the
// given port on the device through the tunnel. It blocks until the listener
// fails or ctx is canceled; the listener is closed on return.
func (a *Adapter) ServeListener(ctx context.Context, listener net.Listener, port uint16) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		a.logger.WithField("client", conn.RemoteAddr()).WithField("port", port).Debug("forwarding connection to device")
		go a.forwardConn(ctx, conn, port)
	}
}

func (a *Adapter) forwardConn(ctx context.Context, conn net.Conn, port uint16) {
	stream, err := a.Connect(ctx, port)
	if err != nil {
		a.logger.WithError(err).WithField("port", port).Warn("could not connect through tunnel")
		conn.Close()
		return
	}
	proxyConns(conn, stream, a.logger)
}

// proxyConns splices a local connection and a tunnel stream together until
// either side finishes, then closes both.
func proxyConns(conn net.Conn, stream *Stream, logger *log.Entry) {
	errs := make(chan error, 2)
	go copyConn(flushWriter{stream}, conn, errs)
	go copyConn(conn, stream, errs)

	err := <-errs
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).Debug("forwarded connection ended")
	}
	stream.Close()
	conn.Close()
	<-errs
}

func copyConn(dst io.Writer, src io.Reader, errs chan error) {
	_, err := io.Copy(dst, src)
	errs <- err
}

// flushWriter adapts a stream's buffered write API to io.Writer by flushing
// after every write, which io.Copy-style forwarding needs.
type flushWriter struct {
	s *Stream
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.s.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.s.Flush()
}
