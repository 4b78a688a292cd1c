package structs

import "encoding/json"

// VoiceRawEvent is an inbound voice gateway frame. Since voice
// gateway v8 the server numbers its messages with seq, which clients
// echo back as seq_ack in heartbeats and resumes.
type VoiceRawEvent struct {
	Op  int             `json:"op"`
	D   json.RawMessage `json:"d"`
	Seq uint64          `json:"seq,omitempty"`
}

// VoiceIdentify is the voice gateway op 0 payload.
type VoiceIdentify struct {
	ServerID       string `json:"server_id"`
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	Token          string `json:"token"`
	MaxDaveVersion uint16 `json:"max_dave_protocol_version"`
}

type VoiceHello struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
}

type VoiceHeartbeat struct {
	T      int64  `json:"t"`
	SeqAck uint64 `json:"seq_ack"` // required on voice gateway v8 or greater.
}

type VoiceResume struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    uint64 `json:"seq_ack"`
}

type VoiceReady struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SessionDescription struct {
	AudioCodec          string   `json:"audio_codec"`
	DaveProtocolVersion uint16   `json:"dave_protocol_version"`
	MediaSessionID      string   `json:"media_session_id"`
	Mode                string   `json:"mode"`
	SecretKey           [32]byte `json:"secret_key"`
	VideoCodec          string   `json:"video_codec"`
}

type Speaking struct {
	Speaking uint   `json:"speaking"`
	Delay    uint   `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

type VoiceClientsConnect struct {
	UserIDs []string `json:"user_ids"`
}

type VoiceClientDisconnect struct {
	UserID string `json:"user_id"`
}

// DAVE control payloads (JSON voice ops 21-24 and 31).

type DavePrepareTransition struct {
	ProtocolVersion uint16 `json:"protocol_version"`
	TransitionID    uint16 `json:"transition_id"`
}

type DaveExecuteTransition struct {
	TransitionID uint16 `json:"transition_id"`
}

type DaveTransitionReady struct {
	TransitionID uint16 `json:"transition_id"`
}

type DavePrepareEpoch struct {
	ProtocolVersion uint16 `json:"protocol_version"`
	Epoch           uint64 `json:"epoch"`
	TransitionID    uint16 `json:"transition_id"`
}

type DaveInvalidCommitWelcome struct {
	TransitionID uint16 `json:"transition_id"`
}
