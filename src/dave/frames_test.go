package dave

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBinaryFrameWithTransitionID(t *testing.T) {
	// Announce commit and welcome carry a big-endian transition id
	// between the opcode and the MLS blob.
	for _, op := range []uint8{BinaryOpMLSAnnounceCommitTransition, BinaryOpMLSWelcome} {
		data := append([]byte{op, 0x01, 0x02}, []byte("mls-blob")...)
		frame, err := ParseBinaryFrame(data)
		require.NoError(t, err)
		require.Equal(t, op, frame.Op)
		require.Equal(t, uint16(0x0102), frame.TransitionID)
		require.Equal(t, []byte("mls-blob"), frame.Payload)
	}
}

func TestParseBinaryFrameWithoutTransitionID(t *testing.T) {
	for _, op := range []uint8{BinaryOpMLSExternalSender, BinaryOpMLSProposals} {
		data := append([]byte{op}, []byte("mls-blob")...)
		frame, err := ParseBinaryFrame(data)
		require.NoError(t, err)
		require.Equal(t, op, frame.Op)
		require.Zero(t, frame.TransitionID)
		require.Equal(t, []byte("mls-blob"), frame.Payload)
	}
}

func TestParseBinaryFrameTruncated(t *testing.T) {
	_, err := ParseBinaryFrame(nil)
	require.ErrorIs(t, err, ErrTruncatedFrame)

	_, err = ParseBinaryFrame([]byte{BinaryOpMLSWelcome, 0x01})
	require.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestParseBinaryFrameEmptyPayload(t *testing.T) {
	frame, err := ParseBinaryFrame([]byte{BinaryOpMLSAnnounceCommitTransition, 0x00, 0x07})
	require.NoError(t, err)
	require.Equal(t, uint16(7), frame.TransitionID)
	require.Empty(t, frame.Payload)
}

func TestEncodeBinaryFrame(t *testing.T) {
	out := EncodeBinaryFrame(BinaryOpMLSKeyPackage, []byte("key-package"))
	require.Equal(t, append([]byte{BinaryOpMLSKeyPackage}, []byte("key-package")...), out)

	frame, err := ParseBinaryFrame(out)
	require.NoError(t, err)
	require.Equal(t, BinaryOpMLSKeyPackage, frame.Op)
	require.Equal(t, []byte("key-package"), frame.Payload)
}
