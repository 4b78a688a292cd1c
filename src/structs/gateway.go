package structs

import "encoding/json"

// RawEvent is an inbound gateway frame. D stays raw so each opcode
// handler decodes its own payload shape.
type RawEvent struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  uint64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Event is an outbound gateway frame.
type Event struct {
	Op int         `json:"op"`
	D  interface{} `json:"d,omitempty"`
	S  uint64      `json:"s,omitempty"`
	T  string      `json:"t,omitempty"`
}

type HelloEvent struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
}

type IdentifyProperties struct {
	Os      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

type IdentifyEvent struct {
	Token      string             `json:"token"`
	Intents    uint64             `json:"intents"`
	Properties IdentifyProperties `json:"properties"`
	Compress   bool               `json:"compress,omitempty"`
	Shard      *[2]uint32         `json:"shard,omitempty"`
	Presence   *PresenceUpdate    `json:"presence,omitempty"`
}

type ResumeEvent struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

type ReadyUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type ReadyEvent struct {
	V                int        `json:"v"`
	User             ReadyUser  `json:"user"`
	SessionID        string     `json:"session_id"`
	ResumeGatewayURL string     `json:"resume_gateway_url"`
	Shard            *[2]uint32 `json:"shard,omitempty"`
}

// GatewayVoiceState is the op 4 command used to join or leave a voice
// channel. A nil channel id leaves the current channel.
type GatewayVoiceState struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}
