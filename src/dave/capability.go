package dave

// KeyRatchet is an opaque per-user key schedule handed from the MLS
// session to an encryptor. The core never looks inside it.
type KeyRatchet interface{}

// MLSSession is the opaque MLS group capability. Implementations wrap
// a real MLS library; the core only orchestrates calls around it.
type MLSSession interface {
	// Init keys a fresh group to the voice channel and local user.
	Init(protocolVersion uint16, channelID string, userID string) error
	// MarshalKeyPackage serializes this client's key package for the
	// voice gateway to forward to the group.
	MarshalKeyPackage() ([]byte, error)
	// SetExternalSender installs the server's external sender
	// credential received at join time.
	SetExternalSender(data []byte) error
	// ProcessProposals ingests a proposals blob restricted to the
	// recognized user set and returns a commit/welcome response to
	// send back, or nil when nothing needs sending.
	ProcessProposals(data []byte, recognizedUserIDs []string) ([]byte, error)
	// ProcessCommit advances the group to the epoch the commit names.
	ProcessCommit(data []byte) error
	// ProcessWelcome joins the group described by a welcome message.
	ProcessWelcome(data []byte, recognizedUserIDs []string) error
	// GetKeyRatchet derives the media key ratchet for one user at the
	// current epoch.
	GetKeyRatchet(userID string) (KeyRatchet, error)
	Reset() error
}

// Encryptor encrypts outbound media frames under the current ratchet.
// One encryptor is bound to one SSRC.
type Encryptor interface {
	SetKeyRatchet(ratchet KeyRatchet) error
	HasKeyRatchet() bool
	Encrypt(frame []byte) ([]byte, error)
}

// Capability supplies fresh MLS sessions and encryptors. It is the
// single seam between the core and the underlying crypto library.
type Capability interface {
	NewMLSSession() MLSSession
	NewEncryptor(ssrc uint32) Encryptor
}

// Transport carries DAVE control messages over the voice gateway.
type Transport interface {
	SendTransitionReady(transitionID uint16) error
	SendKeyPackage(data []byte) error
	SendCommitWelcome(data []byte) error
	SendInvalidCommitWelcome(transitionID uint16) error
}
