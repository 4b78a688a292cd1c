package voice

import "errors"

type VoiceOpcode = int

const (
	OpcodeIdentify           VoiceOpcode = 0
	OpcodeSelectProtocol     VoiceOpcode = 1
	OpcodeReady              VoiceOpcode = 2
	OpcodeHeartbeat          VoiceOpcode = 3
	OpcodeSessionDescription VoiceOpcode = 4
	OpcodeSpeaking           VoiceOpcode = 5
	OpcodeHeartbeatAck       VoiceOpcode = 6
	OpcodeResume             VoiceOpcode = 7
	OpcodeHello              VoiceOpcode = 8
	OpcodeResumed            VoiceOpcode = 9
	OpcodeClientsConnect     VoiceOpcode = 11
	OpcodeClientDisconnect   VoiceOpcode = 13

	// DAVE opcodes. 25-31 (minus 31) arrive as binary frames; see the
	// dave package for those.
	OpcodeDavePrepareTransition       VoiceOpcode = 21
	OpcodeDaveExecuteTransition       VoiceOpcode = 22
	OpcodeDaveTransitionReady         VoiceOpcode = 23
	OpcodeDavePrepareEpoch            VoiceOpcode = 24
	OpcodeDaveMLSExternalSender       VoiceOpcode = 25
	OpcodeDaveMLSKeyPackage           VoiceOpcode = 26
	OpcodeDaveMLSProposals            VoiceOpcode = 27
	OpcodeDaveMLSCommitWelcome        VoiceOpcode = 28
	OpcodeDaveMLSAnnounceCommit       VoiceOpcode = 29
	OpcodeDaveMLSWelcome              VoiceOpcode = 30
	OpcodeDaveMLSInvalidCommitWelcome VoiceOpcode = 31
)

type VoiceCloseCode = int

const (
	CloseUnknownOpcode        VoiceCloseCode = 4001
	CloseFailedToDecode       VoiceCloseCode = 4002
	CloseNotAuthenticated     VoiceCloseCode = 4003
	CloseAuthenticationFailed VoiceCloseCode = 4004
	CloseAlreadyAuthenticated VoiceCloseCode = 4005
	CloseSessionInvalid       VoiceCloseCode = 4006
	CloseSessionTimeout       VoiceCloseCode = 4009
	CloseServerNotFound       VoiceCloseCode = 4011
	CloseUnknownProtocol      VoiceCloseCode = 4012
	CloseDisconnected         VoiceCloseCode = 4014
	CloseServerCrashed        VoiceCloseCode = 4015
	CloseUnknownEncryption    VoiceCloseCode = 4016
)

var (
	ErrSignalTimeout   = errors.New("timed out waiting for voice state and voice server updates")
	ErrHandshakeFailed = errors.New("voice handshake failed")
	ErrUnexpectedEvent = errors.New("unexpected voice gateway event")
	ErrSessionClosed   = errors.New("voice session closed")
	ErrNotReady        = errors.New("voice session is not ready")
)

// speaking flags.
const (
	SpeakingModeMicrophone = 1 << 0
	SpeakingModeSoundshare = 1 << 1
	SpeakingModePriority   = 1 << 2
)
