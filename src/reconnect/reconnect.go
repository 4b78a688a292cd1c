package reconnect

import (
	"errors"
	"math"
	"math/rand"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Action tells the connection loop what to do after a disconnect.
type Action int

const (
	// ActionResume reconnects to the resume gateway and replays from
	// the last sequence.
	ActionResume Action = iota
	// ActionReidentify discards session id and sequence and starts a
	// fresh session against the original gateway URL.
	ActionReidentify
	// ActionFatal means retrying cannot help (bad token, bad shard
	// config, disallowed intents). Surface the error to the caller.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionReidentify:
		return "reidentify"
	case ActionFatal:
		return "fatal"
	}
	return "unknown"
}

// Gateway close event codes.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Classify maps a close code and transport error to exactly one
// Action. Codes it has never seen default to resume: an unknown
// closure is cheaper to retry than to throw a session away over.
func Classify(closeCode int, err error) Action {
	switch closeCode {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return ActionFatal
	case CloseInvalidSeq, CloseSessionTimedOut:
		return ActionReidentify
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		// A clean closure means the session is over on purpose.
		return ActionReidentify
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ActionResume
	}
	return ActionResume
}

// Backoff computes the delay before reconnect attempt n (1-based):
// exponential growth from backoffBase, capped at backoffCap, with up
// to 25% random jitter so a fleet of shards does not thunder back in
// lockstep.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
