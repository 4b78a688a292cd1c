package dave

import (
	"errors"
	"log/slog"
	"sync"
)

const (
	// VersionDisabled is the sentinel meaning E2EE is off.
	VersionDisabled uint16 = 0
	// MaxSupportedVersion is the newest protocol version this client
	// can negotiate.
	MaxSupportedVersion uint16 = 1
)

var (
	ErrUnsupportedProtocolVersion = errors.New("unsupported dave protocol version")
	ErrEncryptorNotInitialized    = errors.New("encryptor is required but not initialized")
	ErrNoMLSSession               = errors.New("no mls session")
)

// State orchestrates the E2EE group key lifecycle for one voice
// connection: epoch/transition tracking, the recognized user set and
// the per-connection encryptor. All crypto is delegated to the
// Capability; all control traffic goes out through the Transport.
//
// Protocol desyncs (unknown transition id, rejected commit or
// welcome) are self-healing by design: the server re-requests or the
// client reinitializes, so they log and recover instead of failing
// the voice connection.
type State struct {
	log        *slog.Logger
	capability Capability
	transport  Transport

	channelID string
	userID    string
	ssrc      uint32

	mu         sync.Mutex
	version    uint16
	mls        MLSSession
	encryptor  Encryptor
	recognized map[string]struct{}
	prepared   map[uint16]uint16 // transition id -> pending protocol version
}

type StateArguments struct {
	Capability Capability
	Transport  Transport
	ChannelID  string
	UserID     string
	SSRC       uint32
	Log        *slog.Logger
}

func NewState(args StateArguments) *State {
	s := &State{
		log:        args.Log,
		capability: args.Capability,
		transport:  args.Transport,
		channelID:  args.ChannelID,
		userID:     args.UserID,
		ssrc:       args.SSRC,
		recognized: make(map[string]struct{}),
		prepared:   make(map[uint16]uint16),
	}
	s.recognized[args.UserID] = struct{}{}
	return s
}

// Reinit negotiates the protocol version the server advertised. The
// disabled sentinel drops encryption through an immediate transition;
// any live version starts a fresh epoch 1 group and publishes our key
// package. An unsupported version fails without touching the
// existing encryptor.
func (s *State) Reinit(version uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > MaxSupportedVersion {
		return ErrUnsupportedProtocolVersion
	}
	if version == VersionDisabled {
		s.prepared[0] = VersionDisabled
		s.executeTransitionLocked(0)
		return nil
	}
	return s.reinitGroupLocked(version)
}

func (s *State) reinitGroupLocked(version uint16) error {
	if s.mls != nil {
		s.mls.Reset()
	}
	mls := s.capability.NewMLSSession()
	if err := mls.Init(version, s.channelID, s.userID); err != nil {
		return err
	}
	s.mls = mls
	s.encryptor = s.capability.NewEncryptor(s.ssrc)
	s.version = version
	keyPackage, err := mls.MarshalKeyPackage()
	if err != nil {
		return err
	}
	s.log.Info("dave group initialized", "version", version, "channel_id", s.channelID)
	return s.transport.SendKeyPackage(keyPackage)
}

// PrepareTransition records a pending version for a transition id.
// Transition 0 executes on the spot; every other id is acknowledged
// with TRANSITION_READY and waits for the explicit execute signal.
func (s *State) PrepareTransition(transitionID uint16, version uint16) error {
	s.mu.Lock()
	s.prepared[transitionID] = version
	if transitionID == 0 {
		s.executeTransitionLocked(0)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.transport.SendTransitionReady(transitionID)
}

// PrepareEpoch handles PREPARE_EPOCH. Epoch 1 means a brand new group
// keyed to this channel; later epochs only stage a transition.
func (s *State) PrepareEpoch(transitionID uint16, epoch uint64, version uint16) error {
	s.mu.Lock()
	if version > MaxSupportedVersion {
		s.mu.Unlock()
		return ErrUnsupportedProtocolVersion
	}
	if epoch == 1 {
		if err := s.reinitGroupLocked(version); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.prepared[transitionID] = version
	if transitionID == 0 {
		s.executeTransitionLocked(0)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.transport.SendTransitionReady(transitionID)
}

// ExecuteTransition consumes a previously prepared transition. An
// unprepared id indicates the server and client disagree about
// pending state; the protocol recovers by re-requesting, so this is
// logged and ignored.
func (s *State) ExecuteTransition(transitionID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeTransitionLocked(transitionID)
}

func (s *State) executeTransitionLocked(transitionID uint16) {
	version, ok := s.prepared[transitionID]
	if !ok {
		s.log.Error("execute for unprepared transition, ignoring", "transition_id", transitionID)
		return
	}
	delete(s.prepared, transitionID)
	if version == VersionDisabled {
		if s.mls != nil {
			s.mls.Reset()
			s.mls = nil
		}
		s.encryptor = nil
		s.version = VersionDisabled
		s.log.Info("dave disabled, transitioned to passthrough")
		return
	}
	s.version = version
	s.installRatchetLocked()
}

func (s *State) installRatchetLocked() {
	if s.mls == nil {
		s.log.Error("cannot derive ratchet without an mls session")
		return
	}
	ratchet, err := s.mls.GetKeyRatchet(s.userID)
	if err != nil {
		s.log.Error("failed to derive key ratchet", "error", err.Error())
		return
	}
	if s.encryptor == nil {
		// Should not happen; the server will re-announce and we will
		// reinitialize rather than die here.
		s.log.Error("no encryptor to install ratchet into")
		return
	}
	if err := s.encryptor.SetKeyRatchet(ratchet); err != nil {
		s.log.Error("failed to install key ratchet", "error", err.Error())
	}
}

// SetExternalSender installs the voice server's external sender
// credential.
func (s *State) SetExternalSender(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mls == nil {
		return ErrNoMLSSession
	}
	return s.mls.SetExternalSender(data)
}

// HandleProposals feeds a proposals blob to the group, restricted to
// the users this connection has actually observed.
func (s *State) HandleProposals(data []byte) error {
	s.mu.Lock()
	mls := s.mls
	users := s.recognizedLocked()
	s.mu.Unlock()
	if mls == nil {
		return ErrNoMLSSession
	}
	response, err := mls.ProcessProposals(data, users)
	if err != nil {
		return s.recoverDesync(0, err)
	}
	if response == nil {
		return nil
	}
	return s.transport.SendCommitWelcome(response)
}

// HandleCommit advances the group per an announced commit. Success
// stages the named transition and reports readiness; rejection goes
// down the protocol's self-healing path.
func (s *State) HandleCommit(transitionID uint16, data []byte) error {
	s.mu.Lock()
	mls := s.mls
	version := s.version
	s.mu.Unlock()
	if mls == nil {
		return ErrNoMLSSession
	}
	if err := mls.ProcessCommit(data); err != nil {
		return s.recoverDesync(transitionID, err)
	}
	s.mu.Lock()
	s.prepared[transitionID] = version
	s.mu.Unlock()
	return s.transport.SendTransitionReady(transitionID)
}

// HandleWelcome joins the group a welcome message describes.
func (s *State) HandleWelcome(transitionID uint16, data []byte) error {
	s.mu.Lock()
	mls := s.mls
	users := s.recognizedLocked()
	version := s.version
	s.mu.Unlock()
	if mls == nil {
		return ErrNoMLSSession
	}
	if err := mls.ProcessWelcome(data, users); err != nil {
		return s.recoverDesync(transitionID, err)
	}
	s.mu.Lock()
	s.prepared[transitionID] = version
	s.mu.Unlock()
	return s.transport.SendTransitionReady(transitionID)
}

// recoverDesync is the prescribed response to a rejected commit or
// welcome: tell the server the message was invalid, then rebuild
// local state from scratch. Not a fatal condition.
func (s *State) recoverDesync(transitionID uint16, cause error) error {
	s.log.Warn("mls message rejected, reinitializing dave state", "error", cause.Error())
	if err := s.transport.SendInvalidCommitWelcome(transitionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reinitGroupLocked(s.version)
}

// UsersConnected adds users observed through CLIENTS_CONNECT.
func (s *State) UsersConnected(userIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range userIDs {
		s.recognized[id] = struct{}{}
	}
}

// UserDisconnected drops a user observed through CLIENT_DISCONNECT.
func (s *State) UserDisconnected(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recognized, userID)
}

func (s *State) recognizedLocked() []string {
	users := make([]string, 0, len(s.recognized))
	for id := range s.recognized {
		users = append(users, id)
	}
	return users
}

// Active reports whether E2EE is negotiated on this connection.
func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version != VersionDisabled
}

// CanEncrypt is true once an encryptor exists and holds a ratchet.
func (s *State) CanEncrypt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encryptor != nil && s.encryptor.HasKeyRatchet()
}

// Encrypt protects one media frame. Once E2EE is negotiated a frame
// must never leave unencrypted, so a missing encryptor is a hard
// error rather than a passthrough.
func (s *State) Encrypt(frame []byte) ([]byte, error) {
	s.mu.Lock()
	enc := s.encryptor
	s.mu.Unlock()
	if enc == nil {
		return nil, ErrEncryptorNotInitialized
	}
	return enc.Encrypt(frame)
}
