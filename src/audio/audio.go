package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Opus encoding is delegated to an external ffmpeg process; the codec
// itself is outside this module.
type Audio struct{}

const readBuffer = 1024

// Encode streams an input file as raw opus onto data, 48kHz stereo.
// It signals done when the file runs out.
func (a *Audio) Encode(ctx context.Context, path string, data chan<- []byte, done chan<- bool) error {
	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-i", path,
		"-ac", "2", // stereo
		"-ar", "48000", // 48K sampling rate
		"-c:a", "libopus",
		"-f", "opus",
		"-", // stream to stdout
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	defer cmd.Wait()
	buff := make([]byte, readBuffer)
	for {
		n, err := stdout.Read(buff)
		if err != nil {
			if errors.Is(err, io.EOF) {
				done <- true
				return nil
			}
			return err
		}
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buff[:n])
			select {
			case data <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
