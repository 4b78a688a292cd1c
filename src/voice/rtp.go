package voice

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	ModeAEADXChaCha20Poly1305 = "aead_xchacha20_poly1305_rtpsize"
	ModeAEADAES256GCM         = "aead_aes256_gcm_rtpsize"
)

var ErrUnknownEncryptionMode = errors.New("unknown encryption mode")

const (
	rtpHeaderSize   = 12
	rtpVersionFlags = 0x80
	rtpPayloadType  = 0x78
	// FrameSamples is 20ms of 48kHz audio, the step the timestamp
	// advances by per Opus frame.
	FrameSamples    = 960
	nonceSuffixSize = 4
)

// preferredModes in negotiation order.
var preferredModes = []string{ModeAEADXChaCha20Poly1305, ModeAEADAES256GCM}

// SelectMode picks the first mode we implement out of the server's
// advertised list.
func SelectMode(advertised []string) (string, error) {
	for _, want := range preferredModes {
		for _, mode := range advertised {
			if mode == want {
				return mode, nil
			}
		}
	}
	return "", ErrUnknownEncryptionMode
}

// Packetizer frames outbound audio as RTP and seals the payload with
// the session's transport AEAD. The rolling counters wrap: sequence
// at 2^16 and timestamp at 2^32, on purpose, matching the 16/32-bit
// wire fields.
type Packetizer struct {
	ssrc      uint32
	sequence  uint16
	timestamp uint32
	nonce     uint32
	aead      cipher.AEAD
}

func NewPacketizer(ssrc uint32, mode string, secretKey [32]byte) (*Packetizer, error) {
	var aead cipher.AEAD
	var err error
	switch mode {
	case ModeAEADXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(secretKey[:])
	case ModeAEADAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(secretKey[:])
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	default:
		return nil, ErrUnknownEncryptionMode
	}
	if err != nil {
		return nil, err
	}
	return &Packetizer{ssrc: ssrc, aead: aead}, nil
}

// Packetize builds one wire packet: 12-byte RTP header, sealed
// payload, then the 4-byte nonce counter suffix the rtpsize modes
// require. samples is how far the media clock advances for this
// frame (FrameSamples for a standard Opus frame).
func (p *Packetizer) Packetize(frame []byte, samples uint32) []byte {
	header := make([]byte, rtpHeaderSize)
	header[0] = rtpVersionFlags
	header[1] = rtpPayloadType
	binary.BigEndian.PutUint16(header[2:], p.sequence)
	binary.BigEndian.PutUint32(header[4:], p.timestamp)
	binary.BigEndian.PutUint32(header[8:], p.ssrc)

	nonce := make([]byte, p.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, p.nonce)

	packet := p.aead.Seal(header, nonce, frame, header)
	packet = append(packet, nonce[:nonceSuffixSize]...)

	p.sequence++
	p.timestamp += samples
	p.nonce++
	return packet
}

func (p *Packetizer) Sequence() uint16  { return p.sequence }
func (p *Packetizer) Timestamp() uint32 { return p.timestamp }
