package voice

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeVoiceUDP answers discovery requests the way the voice server
// does: echo type 2, our SSRC, and the address it saw us from.
func fakeVoiceUDP(t *testing.T, externalIP string, externalPort uint16) net.Addr {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 128)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n != discoveryPacketSize || binary.BigEndian.Uint16(buf[0:2]) != discoveryRequest {
				continue
			}
			reply := make([]byte, discoveryPacketSize)
			binary.BigEndian.PutUint16(reply[0:2], discoveryResponse)
			binary.BigEndian.PutUint16(reply[2:4], discoveryLength)
			copy(reply[4:8], buf[4:8]) // echo the ssrc
			copy(reply[discoveryIPOffset:], externalIP)
			binary.BigEndian.PutUint16(reply[discoveryPacketSize-2:], externalPort)
			pc.WriteTo(reply, addr)
		}
	}()
	return pc.LocalAddr()
}

func TestDiscoverExternalAddress(t *testing.T) {
	addr := fakeVoiceUDP(t, "203.0.113.5", 12345)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	ip, port, err := DiscoverExternalAddress(conn, 49, time.Second)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.5", ip)
	require.Equal(t, uint16(12345), port)
}

func TestDiscoverExternalAddressTimeout(t *testing.T) {
	// A listener that never answers.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = DiscoverExternalAddress(conn, 49, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrDiscoveryFailed)
}

func TestDiscoverExternalAddressEmptyReply(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 128)
		_, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		// Correct size but the address field is all NULs.
		pc.WriteTo(make([]byte, discoveryPacketSize), addr)
	}()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = DiscoverExternalAddress(conn, 49, time.Second)
	require.ErrorIs(t, err, ErrDiscoveryFailed)
}
