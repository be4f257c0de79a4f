package tunnel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// cdtunnelMagic starts every CDTunnel control packet. It is followed by a
// 2-byte big-endian body length and the body itself. This framing is only
// used for the handshake; once the tunnel is established the stream carries
// raw IP frames.
var cdtunnelMagic = []byte("CDTunnel")

const cdtunnelHeaderLength = 10

// defaultMTU is the MTU requested in the client handshake. The device may
// answer with a smaller value; the response is authoritative.
const defaultMTU = 16000

// Packet is a framed CDTunnel control packet.
type Packet struct {
	Body []byte
}

// ParsePacket decodes a CDTunnel packet from input. Trailing bytes after the
// declared body are ignored.
func ParsePacket(input []byte) (Packet, error) {
	if len(input) < cdtunnelHeaderLength {
		return Packet{}, ErrPacketTooShort
	}
	if !bytes.Equal(input[:len(cdtunnelMagic)], cdtunnelMagic) {
		return Packet{}, ErrInvalidMagic
	}
	bodyLength := int(binary.BigEndian.Uint16(input[len(cdtunnelMagic):cdtunnelHeaderLength]))
	if len(input) < cdtunnelHeaderLength+bodyLength {
		return Packet{}, ErrSizeMismatch
	}
	body := make([]byte, bodyLength)
	copy(body, input[cdtunnelHeaderLength:cdtunnelHeaderLength+bodyLength])
	return Packet{Body: body}, nil
}

// Serialize encodes the packet with the CDTunnel header. It is the exact
// inverse of [ParsePacket].
func (p Packet) Serialize() []byte {
	out := make([]byte, 0, cdtunnelHeaderLength+len(p.Body))
	out = append(out, cdtunnelMagic...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(p.Body)))
	out = append(out, p.Body...)
	return out
}

// ClientParameters are the IP parameters the device assigns to the host side
// of the tunnel during the handshake.
type ClientParameters struct {
	Mtu     uint16 `json:"mtu"`
	Address string `json:"address"`
	Netmask string `json:"netmask"`
}

// TunnelParameters is the decoded handshake response. ServerAddress is the
// device's address inside the tunnel and ServerRSDPort is where remote
// service discovery listens on the device.
type TunnelParameters struct {
	ClientParameters ClientParameters `json:"clientParameters"`
	ServerAddress    string           `json:"serverAddress"`
	ServerRSDPort    uint16           `json:"serverRSDPort"`
	Type             string           `json:"type"`
}

// ExchangeTunnelParameters performs the CDTunnel handshake on an already
// authenticated connection to the CoreDeviceProxy service. It must be called
// exactly once, before any raw IP traffic. A malformed response is fatal to
// tunnel establishment; there are no retries at this layer.
func ExchangeTunnelParameters(rw io.ReadWriter) (TunnelParameters, error) {
	body, err := json.Marshal(map[string]interface{}{
		"type": "clientHandshakeRequest",
		"mtu":  defaultMTU,
	})
	if err != nil {
		return TunnelParameters{}, err
	}
	request := Packet{Body: body}.Serialize()
	if _, err := rw.Write(request); err != nil {
		return TunnelParameters{}, fmt.Errorf("ExchangeTunnelParameters: could not send handshake request: %w", err)
	}

	header := make([]byte, cdtunnelHeaderLength)
	if _, err := io.ReadFull(rw, header); err != nil {
		return TunnelParameters{}, fmt.Errorf("ExchangeTunnelParameters: could not read response header: %w", err)
	}
	if !bytes.Equal(header[:len(cdtunnelMagic)], cdtunnelMagic) {
		return TunnelParameters{}, ErrInvalidMagic
	}
	bodyLength := binary.BigEndian.Uint16(header[len(cdtunnelMagic):])
	response := make([]byte, bodyLength)
	if _, err := io.ReadFull(rw, response); err != nil {
		return TunnelParameters{}, fmt.Errorf("ExchangeTunnelParameters: could not read response body: %w", err)
	}

	var parameters TunnelParameters
	if err := json.Unmarshal(response, &parameters); err != nil {
		return TunnelParameters{}, fmt.Errorf("ExchangeTunnelParameters: could not decode response: %w", err)
	}
	if parameters.ClientParameters.Mtu == 0 {
		return TunnelParameters{}, fmt.Errorf("ExchangeTunnelParameters: handshake response did not negotiate an MTU")
	}
	if parameters.ClientParameters.Address == "" || parameters.ServerAddress == "" {
		return TunnelParameters{}, fmt.Errorf("ExchangeTunnelParameters: handshake response is missing tunnel addresses")
	}
	return parameters, nil
}
