package audiosender

import (
	"context"
	"log/slog"
	"time"
)

// silenceFrame is the Opus frame interpolated when the source drains,
// so the decoder on the far side flushes cleanly.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

const (
	frameInterval = 20 * time.Millisecond
	silenceFrames = 5
)

// FrameSink ships one encoded frame; the voice session implements it
// with DAVE encryption, RTP framing and the UDP socket behind it.
type FrameSink func(frame []byte) error

// AudioSender paces encoded frames onto the sink at the 20ms cadence
// RTP expects.
type AudioSender struct {
	log *slog.Logger
}

func NewAudioSender(log *slog.Logger) *AudioSender {
	return &AudioSender{log: log}
}

func (as *AudioSender) Send(ctx context.Context, sink FrameSink, data <-chan []byte, done <-chan bool) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			as.drain(sink)
			return nil
		case <-ticker.C:
			select {
			case frame := <-data:
				if err := sink(frame); err != nil {
					as.log.Error("failed to send audio frame", "error", err.Error())
					return err
				}
			default:
				// No frame ready this tick; skip rather than block.
			}
		}
	}
}

func (as *AudioSender) drain(sink FrameSink) {
	for i := 0; i < silenceFrames; i++ {
		if err := sink(silenceFrame); err != nil {
			return
		}
		time.Sleep(frameInterval)
	}
}
