package dave

import (
	"encoding/binary"
	"errors"
)

// Binary voice gateway opcodes. JSON DAVE ops (prepare/execute
// transition, prepare epoch, transition ready, invalid commit) live
// with the voice session; only the MLS blob carriers are binary.
const (
	BinaryOpMLSExternalSender           uint8 = 25
	BinaryOpMLSKeyPackage               uint8 = 26
	BinaryOpMLSProposals                uint8 = 27
	BinaryOpMLSCommitWelcome            uint8 = 28
	BinaryOpMLSAnnounceCommitTransition uint8 = 29
	BinaryOpMLSWelcome                  uint8 = 30
)

var ErrTruncatedFrame = errors.New("truncated dave binary frame")

// BinaryFrame is one decoded binary voice gateway message: a leading
// opcode byte, a big-endian transition id for the ops that announce
// one, then the opaque MLS blob.
type BinaryFrame struct {
	Op           uint8
	TransitionID uint16
	Payload      []byte
}

func hasTransitionID(op uint8) bool {
	return op == BinaryOpMLSAnnounceCommitTransition || op == BinaryOpMLSWelcome
}

func ParseBinaryFrame(data []byte) (*BinaryFrame, error) {
	if len(data) < 1 {
		return nil, ErrTruncatedFrame
	}
	frame := &BinaryFrame{Op: data[0]}
	rest := data[1:]
	if hasTransitionID(frame.Op) {
		if len(rest) < 2 {
			return nil, ErrTruncatedFrame
		}
		frame.TransitionID = binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
	}
	frame.Payload = rest
	return frame, nil
}

// EncodeBinaryFrame builds the outbound form: key packages and
// commit/welcome responses carry no transition id.
func EncodeBinaryFrame(op uint8, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, op)
	return append(out, payload...)
}
