// Package tunnel multiplexes TCP connections over the single raw IP tunnel
// exposed by the CoreDeviceProxy service of iOS 17+ devices.
//
// CoreDeviceProxy grants exactly one encrypted duplex byte stream. After a
// short handshake (a JSON body wrapped in a "CDTunnel" framed packet) that
// negotiates the MTU and the IP addresses of both ends, the stream carries
// raw IP frames with no further framing. Everything that wants port-level
// connectivity to services on the device has to bring its own TCP/IP stack.
//
// This package does that with gVisor's netstack. The tunnel stream is
// adapted into a link endpoint, a userspace network stack is attached to it,
// and an [Adapter] hands out independent byte-stream connections to
// arbitrary ports on the device:
//
//	params, err := tunnel.ExchangeTunnelParameters(conn)
//	if err != nil { ... }
//	adapter, err := tunnel.NewAdapter(conn, params)
//	if err != nil { ... }
//	defer adapter.Close()
//
//	stream, err := adapter.Connect(ctx, rsdPort)
//	if err != nil { ... }
//	defer stream.Close()
//
// The conn passed to [NewAdapter] must already be authenticated; session
// setup and TLS are the caller's concern. Connection establishment is
// outbound only, there is a single peer, and only TCP is supported.
package tunnel
