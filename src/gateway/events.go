package gateway

import "errors"

// https://discord.com/developers/docs/events/gateway#message-content-intent
type GatewayIntent = uint64

const (
	GuildsIntent           GatewayIntent = 1 << 0
	GuildMembersIntent     GatewayIntent = 1 << 1
	GuildModerationIntent  GatewayIntent = 1 << 2
	GuildVoiceStatesIntent GatewayIntent = 1 << 7
	GuildPresencesIntent   GatewayIntent = 1 << 8
	GuildMessagesIntent    GatewayIntent = 1 << 9
	DirectMessageIntent    GatewayIntent = 1 << 12
	MessageContentIntent   GatewayIntent = 1 << 15
)

type GatewayOpcode = int

const (
	OpcodeDispatch         GatewayOpcode = 0
	OpcodeHeartbeat        GatewayOpcode = 1
	OpcodeIdentify         GatewayOpcode = 2
	OpcodePresenceUpdate   GatewayOpcode = 3
	OpcodeVoiceStateUpdate GatewayOpcode = 4
	OpcodeResume           GatewayOpcode = 6
	OpcodeReconnect        GatewayOpcode = 7
	OpcodeInvalidSession   GatewayOpcode = 9
	OpcodeHello            GatewayOpcode = 10
	OpcodeHeartbeatAck     GatewayOpcode = 11
)

type EventName = string

const (
	EventReady             EventName = "READY"
	EventResumed           EventName = "RESUMED"
	EventVoiceStateUpdate  EventName = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate EventName = "VOICE_SERVER_UPDATE"
)

var (
	ErrHandshakeTimeout     = errors.New("timed out waiting for HELLO")
	ErrProtocolViolation    = errors.New("unexpected frame during handshake")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrDisallowedIntents    = errors.New("disallowed intent. you may have tried to specify an intent that you have not enabled")
	ErrInvalidShard         = errors.New("invalid shard configuration")
	ErrSessionClosed        = errors.New("session closed")
)

// ReconnectError signals the connection loop that the socket is gone
// and whether resuming the session is still safe.
type ReconnectError struct {
	Resume bool
	Code   int
	cause  error
}

func (e *ReconnectError) Error() string {
	if e.cause != nil {
		return "gateway connection lost: " + e.cause.Error()
	}
	return "gateway connection lost"
}

func (e *ReconnectError) Unwrap() error { return e.cause }
