package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	discoveryPacketSize = 74
	discoveryRequest    = 1
	discoveryResponse   = 2
	// discoveryLength is the packet length field: everything after
	// the type and length fields themselves.
	discoveryLength   = 70
	discoveryIPOffset = 8
)

var ErrDiscoveryFailed = errors.New("udp ip discovery failed")

// DiscoverExternalAddress performs the UDP hole-punch handshake: send
// a 74-byte discovery packet carrying our SSRC, and parse the echoed
// reply for the externally visible IP (NUL-terminated ASCII at offset
// 8) and port (big-endian u16 in the final two bytes). The server
// needs this mapping because the client usually sits behind NAT.
func DiscoverExternalAddress(conn net.Conn, ssrc uint32, timeout time.Duration) (string, uint16, error) {
	packet := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(packet[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(packet[2:4], discoveryLength)
	binary.BigEndian.PutUint32(packet[4:8], ssrc)
	if _, err := conn.Write(packet); err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}

	reply := make([]byte, discoveryPacketSize)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(reply)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	if n < discoveryPacketSize {
		return "", 0, fmt.Errorf("%w: short reply (%d bytes)", ErrDiscoveryFailed, n)
	}

	addr := reply[discoveryIPOffset : discoveryPacketSize-2]
	end := bytes.IndexByte(addr, 0)
	if end <= 0 {
		return "", 0, fmt.Errorf("%w: no address in reply", ErrDiscoveryFailed)
	}
	ip := string(addr[:end])
	port := binary.BigEndian.Uint16(reply[discoveryPacketSize-2:])
	return ip, port, nil
}
