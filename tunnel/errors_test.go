package tunnel

import (
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"gvisor.dev/gvisor/pkg/tcpip"
)

func TestRemapNetstackError(t *testing.T) {
	tests := []struct {
		name string
		terr tcpip.Error
		want error
	}{
		{"nil", nil, nil},
		{"refused", &tcpip.ErrConnectionRefused{}, syscall.ECONNREFUSED},
		{"reset", &tcpip.ErrConnectionReset{}, syscall.ECONNRESET},
		{"aborted", &tcpip.ErrConnectionAborted{}, syscall.ECONNABORTED},
		{"timeout", &tcpip.ErrTimeout{}, syscall.ETIMEDOUT},
		{"host unreachable", &tcpip.ErrHostUnreachable{}, syscall.ENETUNREACH},
		{"network unreachable", &tcpip.ErrNetworkUnreachable{}, syscall.ENETUNREACH},
		{"closed for send", &tcpip.ErrClosedForSend{}, net.ErrClosed},
		{"closed for receive", &tcpip.ErrClosedForReceive{}, net.ErrClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remapNetstackError(tt.terr))
		})
	}
}

func TestRemapNetstackErrorUnknown(t *testing.T) {
	err := remapNetstackError(&tcpip.ErrInvalidEndpointState{})
	assert.EqualError(t, err, (&tcpip.ErrInvalidEndpointState{}).String())
}
