package reconnect

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		closeCode int
		err       error
		want      Action
	}{
		{"unknown error", CloseUnknownError, nil, ActionResume},
		{"unknown opcode", CloseUnknownOpcode, nil, ActionResume},
		{"decode error", CloseDecodeError, nil, ActionResume},
		{"not authenticated", CloseNotAuthenticated, nil, ActionResume},
		{"authentication failed", CloseAuthenticationFailed, nil, ActionFatal},
		{"already authenticated", CloseAlreadyAuthenticated, nil, ActionResume},
		{"invalid seq", CloseInvalidSeq, nil, ActionReidentify},
		{"rate limited", CloseRateLimited, nil, ActionResume},
		{"session timed out", CloseSessionTimedOut, nil, ActionReidentify},
		{"invalid shard", CloseInvalidShard, nil, ActionFatal},
		{"sharding required", CloseShardingRequired, nil, ActionFatal},
		{"invalid api version", CloseInvalidAPIVersion, nil, ActionFatal},
		{"invalid intents", CloseInvalidIntents, nil, ActionFatal},
		{"disallowed intents", CloseDisallowedIntents, nil, ActionFatal},
		{"normal closure", 1000, nil, ActionReidentify},
		{"going away", 1001, nil, ActionReidentify},
		{"unseen close code", 4042, nil, ActionResume},
		{"connection reset", 0, fmt.Errorf("read: %w", syscall.ECONNRESET), ActionResume},
		{"plain transport error", 0, errors.New("use of closed network connection"), ActionResume},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.closeCode, tt.err))
		})
	}
}

func TestActionString(t *testing.T) {
	require.Equal(t, "resume", ActionResume.String())
	require.Equal(t, "reidentify", ActionReidentify.String())
	require.Equal(t, "fatal", ActionFatal.String())
	require.Equal(t, "unknown", Action(99).String())
}

func TestBackoffGrowth(t *testing.T) {
	// Attempt n waits roughly 2^(n-1) seconds plus up to 25% jitter.
	for attempt, base := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
	} {
		d := Backoff(attempt)
		require.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		require.LessOrEqual(t, d, base+base/4+time.Millisecond, "attempt %d", attempt)
	}
}

func TestBackoffCap(t *testing.T) {
	for _, attempt := range []int{7, 10, 30, 1000} {
		d := Backoff(attempt)
		require.GreaterOrEqual(t, d, 60*time.Second)
		require.LessOrEqual(t, d, 75*time.Second)
	}
}

func TestBackoffBadAttempt(t *testing.T) {
	require.GreaterOrEqual(t, Backoff(0), time.Second)
	require.GreaterOrEqual(t, Backoff(-5), time.Second)
}
