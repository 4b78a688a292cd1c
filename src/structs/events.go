package structs

// VoiceStateUpdateEvent is the VOICE_STATE_UPDATE dispatch payload.
// Only the fields the voice handshake needs are decoded here.
type VoiceStateUpdateEvent struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// VoiceServerUpdateEvent is the VOICE_SERVER_UPDATE dispatch payload.
// A null endpoint means the previous allocation died and a new one is
// on the way; the handshake must keep waiting.
type VoiceServerUpdateEvent struct {
	Token    string  `json:"token"`
	GuildID  string  `json:"guild_id"`
	Endpoint *string `json:"endpoint"`
}
