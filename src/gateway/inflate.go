package gateway

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
)

// zlibFlushSuffix terminates every flush-delimited segment of the
// shared transport compression stream (an empty stored deflate block).
var zlibFlushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

const inflateDictSize = 32 * 1024

// inflator decompresses the gateway's transport compression stream.
// Frames accumulate until the 00 00 FF FF flush marker; each complete
// segment is then a byte-aligned deflate continuation that can be
// inflated on its own given the sliding window of everything
// decompressed so far.
type inflator struct {
	buf     bytes.Buffer
	dict    []byte
	started bool
}

// Push appends one websocket frame to the stream. It returns the
// decompressed payload and true once a full flush-delimited segment
// has arrived; (nil, false, nil) means more frames are needed.
func (inf *inflator) Push(frame []byte) ([]byte, bool, error) {
	inf.buf.Write(frame)
	if !bytes.HasSuffix(inf.buf.Bytes(), zlibFlushSuffix) {
		return nil, false, nil
	}
	seg := inf.buf.Bytes()
	if !inf.started {
		// RFC 1950 stream header precedes the first deflate block.
		if len(seg) < 2 {
			return nil, false, ErrProtocolViolation
		}
		seg = seg[2:]
		inf.started = true
	}
	fr := flate.NewReaderDict(bytes.NewReader(seg), inf.dict)
	out, err := io.ReadAll(fr)
	fr.Close()
	// The segment stops at the flush marker, not at a final block, so
	// the reader always runs out of input. That is the expected end.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, false, err
	}
	inf.buf.Reset()
	inf.dict = append(inf.dict, out...)
	if len(inf.dict) > inflateDictSize {
		inf.dict = inf.dict[len(inf.dict)-inflateDictSize:]
	}
	return out, true, nil
}
