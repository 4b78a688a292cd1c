package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hendrywilliam/harpy/src/dave"
	"github.com/hendrywilliam/harpy/src/heartbeat"
	"github.com/hendrywilliam/harpy/src/reconnect"
	"github.com/hendrywilliam/harpy/src/structs"
)

type SessionStatus = string

const (
	StatusIdle             SessionStatus = "IDLE"
	StatusAwaitingSignals  SessionStatus = "AWAITING_SIGNALS"
	StatusSocketConnecting SessionStatus = "SOCKET_CONNECTING"
	StatusIdentifying      SessionStatus = "IDENTIFYING"
	StatusResuming         SessionStatus = "RESUMING"
	StatusAwaitingReady    SessionStatus = "AWAITING_READY"
	StatusUdpDiscovery     SessionStatus = "UDP_DISCOVERY"
	StatusSelectingProto   SessionStatus = "SELECTING_PROTOCOL"
	StatusAwaitingSession  SessionStatus = "AWAITING_SESSION_DESCRIPTION"
	StatusReady            SessionStatus = "READY"
	StatusDisconnected     SessionStatus = "DISCONNECTED"
)

const (
	signalTimeout     = 10 * time.Second
	handshakeTimeout  = 15 * time.Second
	discoveryTimeout  = 5 * time.Second
	handshakeAttempts = 5
	gatewayVersion    = 8
)

// Session drives one voice connection: the voice websocket handshake,
// UDP IP discovery, RTP framing and, when the server negotiates it,
// the DAVE E2EE sub-protocol. One Session belongs to one guild voice
// channel; the voice manager routes gateway signals into it.
type Session struct {
	rwlock   sync.RWMutex
	wsDialer *websocket.Dialer
	wsConn   *websocket.Conn
	log      *slog.Logger

	parent     context.Context
	ctx        context.Context
	cancelFunc context.CancelFunc

	guildID   string
	userID    string
	channelID string

	// Handshake signals from the main gateway; either may land first.
	stateCh  chan *structs.VoiceStateUpdateEvent
	serverCh chan *structs.VoiceServerUpdateEvent

	sessionID  string
	token      string
	endpoint   string
	signalWait time.Duration

	mu        sync.Mutex
	status    SessionStatus
	secretKey [32]byte
	mode      string
	pack      *Packetizer

	sequence atomic.Uint64 // voice-local, echoed as seq_ack
	ssrc     uint32
	udpConn  net.Conn
	hb       *heartbeat.Monitor

	capability dave.Capability
	dave       *dave.State
	onTerminal func(code int)

	resumable bool
	closed    atomic.Bool
	forced    atomic.Bool
}

type SessionArguments struct {
	GuildID string
	UserID  string
	// Capability supplies MLS sessions and encryptors when the server
	// negotiates DAVE. Nil disables E2EE support.
	Capability dave.Capability
	// OnTerminal fires when the voice gateway closes the session with
	// a code that rules out a resume. The owner decides whether to
	// rejoin with a fresh handshake.
	OnTerminal func(code int)
	Log        *slog.Logger
}

func NewSession(args SessionArguments) *Session {
	return &Session{
		wsDialer:   websocket.DefaultDialer,
		log:        args.Log.With("voice_guild", args.GuildID),
		guildID:    args.GuildID,
		userID:     args.UserID,
		capability: args.Capability,
		onTerminal: args.OnTerminal,
		stateCh:    make(chan *structs.VoiceStateUpdateEvent, 1),
		serverCh:   make(chan *structs.VoiceServerUpdateEvent, 1),
		signalWait: signalTimeout,
		status:     StatusIdle,
	}
}

// UpdateVoiceState feeds a VOICE_STATE_UPDATE for our own user into
// the handshake. Later signals replace earlier unconsumed ones.
func (s *Session) UpdateVoiceState(ev *structs.VoiceStateUpdateEvent) {
	if ev.UserID != s.userID {
		return
	}
	select {
	case <-s.stateCh:
	default:
	}
	s.stateCh <- ev
}

// UpdateVoiceServer feeds a VOICE_SERVER_UPDATE into the handshake.
func (s *Session) UpdateVoiceServer(ev *structs.VoiceServerUpdateEvent) {
	select {
	case <-s.serverCh:
	default:
	}
	s.serverCh <- ev
}

// Connect runs the whole handshake, retrying up to handshakeAttempts
// times with increasing backoff. It returns once the session is ready
// to carry audio.
func (s *Session) Connect(ctx context.Context) error {
	s.parent = ctx
	var err error
	for attempt := 1; attempt <= handshakeAttempts; attempt++ {
		err = s.connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, dave.ErrUnsupportedProtocolVersion) {
			return err
		}
		delay := reconnect.Backoff(attempt)
		s.log.Error("voice handshake failed, retrying", "attempt", attempt, "delay", delay, "error", err.Error())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrHandshakeFailed, handshakeAttempts, err)
}

func (s *Session) connect(ctx context.Context) error {
	if s.cancelFunc != nil {
		// Release the previous attempt's context before deriving a
		// new one.
		s.cancelFunc()
	}
	s.ctx, s.cancelFunc = context.WithCancel(ctx)

	// The session context so Close releases a blocked signal wait.
	s.setStatus(StatusAwaitingSignals)
	if err := s.awaitSignals(s.ctx); err != nil {
		return err
	}

	s.setStatus(StatusSocketConnecting)
	wsurl := url.URL{
		Scheme:   "wss",
		Host:     s.endpoint,
		RawQuery: fmt.Sprintf("v=%d", gatewayVersion),
	}
	// Endpoints normally come as bare host:port; a ws:// endpoint is
	// honored as-is.
	if strings.HasPrefix(s.endpoint, "ws://") {
		wsurl.Scheme = "ws"
		wsurl.Host = strings.TrimPrefix(s.endpoint, "ws://")
	}
	conn, _, err := s.wsDialer.DialContext(s.ctx, wsurl.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial voice gateway: %w", err)
	}
	s.rwlock.Lock()
	s.wsConn = conn
	s.rwlock.Unlock()

	resuming := s.resumable
	if resuming {
		s.setStatus(StatusResuming)
		err = s.sendJSON(OpcodeResume, structs.VoiceResume{
			ServerID:  s.guildID,
			SessionID: s.sessionID,
			Token:     s.token,
			SeqAck:    s.sequence.Load(),
		})
	} else {
		s.setStatus(StatusIdentifying)
		maxDave := uint16(0)
		if s.capability != nil {
			maxDave = dave.MaxSupportedVersion
		}
		err = s.sendJSON(OpcodeIdentify, structs.VoiceIdentify{
			ServerID:       s.guildID,
			UserID:         s.userID,
			SessionID:      s.sessionID,
			Token:          s.token,
			MaxDaveVersion: maxDave,
		})
	}
	if err != nil {
		conn.Close()
		return err
	}

	hello, err := s.awaitOpcode(conn, OpcodeHello)
	if err != nil {
		conn.Close()
		return err
	}
	helloEvent := &structs.VoiceHello{}
	if err := json.Unmarshal(hello.D, helloEvent); err != nil {
		conn.Close()
		return fmt.Errorf("%w: bad HELLO payload", ErrUnexpectedEvent)
	}
	s.startHeartbeat(conn, time.Duration(helloEvent.HeartbeatInterval)*time.Millisecond)

	if resuming {
		if _, err := s.awaitOpcode(conn, OpcodeResumed); err != nil {
			s.abortHandshake(conn)
			return err
		}
		s.setStatus(StatusReady)
		s.log.Info("voice session resumed")
		go s.listen(conn)
		return nil
	}

	s.setStatus(StatusAwaitingReady)
	readyRaw, err := s.awaitOpcode(conn, OpcodeReady)
	if err != nil {
		s.abortHandshake(conn)
		return err
	}
	ready := &structs.VoiceReady{}
	if err := json.Unmarshal(readyRaw.D, ready); err != nil {
		s.abortHandshake(conn)
		return fmt.Errorf("%w: bad READY payload", ErrUnexpectedEvent)
	}
	s.ssrc = ready.SSRC

	mode, err := SelectMode(ready.Modes)
	if err != nil {
		s.abortHandshake(conn)
		return err
	}

	s.setStatus(StatusUdpDiscovery)
	udpConn, err := net.Dial("udp", fmt.Sprintf("%s:%d", ready.IP, ready.Port))
	if err != nil {
		s.abortHandshake(conn)
		return err
	}
	externalIP, externalPort, err := DiscoverExternalAddress(udpConn, ready.SSRC, discoveryTimeout)
	if err != nil {
		udpConn.Close()
		s.abortHandshake(conn)
		return err
	}
	s.mu.Lock()
	s.udpConn = udpConn
	s.mu.Unlock()
	s.log.Info("udp discovery complete", "ip", externalIP, "port", externalPort)

	s.setStatus(StatusSelectingProto)
	if err := s.sendJSON(OpcodeSelectProtocol, structs.SelectProtocol{
		Protocol: "udp",
		Data: structs.SelectProtocolData{
			Address: externalIP,
			Port:    externalPort,
			Mode:    mode,
		},
	}); err != nil {
		s.abortHandshake(conn)
		return err
	}

	s.setStatus(StatusAwaitingSession)
	descRaw, err := s.awaitOpcode(conn, OpcodeSessionDescription)
	if err != nil {
		s.abortHandshake(conn)
		return err
	}
	desc := &structs.SessionDescription{}
	if err := json.Unmarshal(descRaw.D, desc); err != nil {
		s.abortHandshake(conn)
		return fmt.Errorf("%w: bad SESSION_DESCRIPTION payload", ErrUnexpectedEvent)
	}
	if err := s.applySessionDescription(desc); err != nil {
		s.abortHandshake(conn)
		return err
	}

	if err := s.sendJSON(OpcodeSpeaking, structs.Speaking{
		Speaking: SpeakingModeMicrophone,
		Delay:    0,
		SSRC:     s.ssrc,
	}); err != nil {
		s.abortHandshake(conn)
		return err
	}

	s.resumable = true
	s.setStatus(StatusReady)
	s.log.Info("voice session ready", "mode", mode, "ssrc", s.ssrc)
	go s.listen(conn)
	return nil
}

// abortHandshake unwinds a partially built connection so a retry can
// start from nothing: heartbeat driver, websocket and any discovered
// UDP socket.
func (s *Session) abortHandshake(conn *websocket.Conn) {
	if s.hb != nil {
		s.hb.Stop()
	}
	conn.Close()
	s.mu.Lock()
	udp := s.udpConn
	s.udpConn = nil
	s.mu.Unlock()
	if udp != nil {
		udp.Close()
	}
}

// awaitSignals blocks until both handshake inputs have arrived: the
// voice state update carrying our session id and the voice server
// update carrying token and endpoint. Either may arrive first.
func (s *Session) awaitSignals(ctx context.Context) error {
	timer := time.NewTimer(s.signalWait)
	defer timer.Stop()
	haveState := s.sessionID != ""
	haveServer := s.endpoint != ""
	for !haveState || !haveServer {
		select {
		case ev := <-s.stateCh:
			s.sessionID = ev.SessionID
			if ev.ChannelID != nil {
				s.channelID = *ev.ChannelID
			}
			haveState = true
		case ev := <-s.serverCh:
			if ev.Endpoint == nil {
				// Allocation died; a fresh endpoint follows.
				continue
			}
			s.token = ev.Token
			s.endpoint = *ev.Endpoint
			haveServer = true
		case <-timer.C:
			return ErrSignalTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// awaitOpcode reads frames until the wanted opcode shows up, routing
// everything else through the regular handler so interleaved events
// (speaking, clients connect, DAVE prep) are not lost mid-handshake.
func (s *Session) awaitOpcode(conn *websocket.Conn, want VoiceOpcode) (*structs.VoiceRawEvent, error) {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: timed out waiting for opcode %d", ErrHandshakeFailed, want)
		}
		conn.SetReadDeadline(deadline)
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		}
		if messageType == websocket.BinaryMessage {
			s.acceptBinary(message)
			continue
		}
		event := &structs.VoiceRawEvent{}
		if err := json.Unmarshal(message, event); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedEvent, err)
		}
		s.trackSequence(event)
		if event.Op == want {
			return event, nil
		}
		s.acceptEvent(event)
	}
}

func (s *Session) startHeartbeat(conn *websocket.Conn, interval time.Duration) {
	s.hb = heartbeat.NewMonitor(heartbeat.MonitorArguments{
		Interval: interval,
		Send: func(sequence uint64) error {
			return s.sendJSON(OpcodeHeartbeat, structs.VoiceHeartbeat{
				T:      time.Now().UnixMilli(),
				SeqAck: sequence,
			})
		},
		Sequence: s.sequence.Load,
		OnFailure: func(err error) {
			s.forced.Store(true)
			conn.Close()
		},
		Log: s.log,
	})
	s.hb.Start()
}

func (s *Session) trackSequence(e *structs.VoiceRawEvent) {
	if e.Seq > 0 {
		for {
			cur := s.sequence.Load()
			if e.Seq <= cur || s.sequence.CompareAndSwap(cur, e.Seq) {
				break
			}
		}
	}
}

func (s *Session) listen(conn *websocket.Conn) {
	// Liveness is the heartbeat monitor's job; the read itself can
	// block as long as it needs to.
	conn.SetReadDeadline(time.Time{})
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.rwlock.RLock()
		same := s.wsConn == conn
		s.rwlock.RUnlock()
		if !same {
			// A new connection superseded this one; retire quietly.
			return
		}
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}
		if s.hb != nil {
			s.hb.RecordRecv()
		}
		if messageType == websocket.BinaryMessage {
			s.acceptBinary(message)
			continue
		}
		event := &structs.VoiceRawEvent{}
		if err := json.Unmarshal(message, event); err != nil {
			s.log.Warn("dropping malformed voice frame", "error", err.Error())
			continue
		}
		s.trackSequence(event)
		s.acceptEvent(event)
	}
}

func (s *Session) acceptEvent(e *structs.VoiceRawEvent) {
	switch e.Op {
	case OpcodeHeartbeatAck:
		if s.hb != nil {
			s.hb.Ack()
		}
	case OpcodeSessionDescription:
		// Mid-session re-key, either from a channel move or a DAVE
		// renegotiation.
		desc := &structs.SessionDescription{}
		if err := json.Unmarshal(e.D, desc); err != nil {
			s.log.Error("bad session description", "error", err.Error())
			return
		}
		if err := s.applySessionDescription(desc); err != nil {
			s.log.Error("failed to apply session description", "error", err.Error())
		}
	case OpcodeSpeaking:
		// Other clients' speaking state; nothing for us to track yet.
	case OpcodeClientsConnect:
		connect := &structs.VoiceClientsConnect{}
		if err := json.Unmarshal(e.D, connect); err != nil {
			return
		}
		if st := s.daveState(); st != nil {
			st.UsersConnected(connect.UserIDs)
		}
	case OpcodeClientDisconnect:
		disconnect := &structs.VoiceClientDisconnect{}
		if err := json.Unmarshal(e.D, disconnect); err != nil {
			return
		}
		if st := s.daveState(); st != nil {
			st.UserDisconnected(disconnect.UserID)
		}
	case OpcodeDavePrepareTransition:
		prep := &structs.DavePrepareTransition{}
		if err := json.Unmarshal(e.D, prep); err != nil {
			return
		}
		if st := s.daveState(); st != nil {
			if err := st.PrepareTransition(prep.TransitionID, prep.ProtocolVersion); err != nil {
				s.log.Error("prepare transition failed", "error", err.Error())
			}
		}
	case OpcodeDaveExecuteTransition:
		exec := &structs.DaveExecuteTransition{}
		if err := json.Unmarshal(e.D, exec); err != nil {
			return
		}
		if st := s.daveState(); st != nil {
			st.ExecuteTransition(exec.TransitionID)
		}
	case OpcodeDavePrepareEpoch:
		prep := &structs.DavePrepareEpoch{}
		if err := json.Unmarshal(e.D, prep); err != nil {
			return
		}
		if st := s.daveState(); st != nil {
			if err := st.PrepareEpoch(prep.TransitionID, prep.Epoch, prep.ProtocolVersion); err != nil {
				s.log.Error("prepare epoch failed", "error", err.Error())
			}
		}
	case OpcodeResumed:
		s.log.Info("voice gateway acknowledged resume")
	default:
		s.log.Warn("ignoring unknown voice opcode", "op", e.Op)
	}
}

func (s *Session) acceptBinary(message []byte) {
	frame, err := dave.ParseBinaryFrame(message)
	if err != nil {
		s.log.Warn("dropping malformed dave frame", "error", err.Error())
		return
	}
	st := s.daveState()
	if st == nil {
		s.log.Warn("dave frame received but e2ee is not negotiated", "op", frame.Op)
		return
	}
	switch frame.Op {
	case dave.BinaryOpMLSExternalSender:
		err = st.SetExternalSender(frame.Payload)
	case dave.BinaryOpMLSProposals:
		err = st.HandleProposals(frame.Payload)
	case dave.BinaryOpMLSAnnounceCommitTransition:
		err = st.HandleCommit(frame.TransitionID, frame.Payload)
	case dave.BinaryOpMLSWelcome:
		err = st.HandleWelcome(frame.TransitionID, frame.Payload)
	default:
		s.log.Warn("ignoring unknown dave binary opcode", "op", frame.Op)
	}
	if err != nil {
		s.log.Error("dave frame handling failed", "op", frame.Op, "error", err.Error())
	}
}

func (s *Session) applySessionDescription(desc *structs.SessionDescription) error {
	pack, err := NewPacketizer(s.ssrc, desc.Mode, desc.SecretKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.secretKey = desc.SecretKey
	s.mode = desc.Mode
	s.pack = pack
	s.mu.Unlock()

	if desc.DaveProtocolVersion > 0 {
		if s.capability == nil {
			return dave.ErrUnsupportedProtocolVersion
		}
		s.mu.Lock()
		st := s.dave
		if st == nil {
			st = dave.NewState(dave.StateArguments{
				Capability: s.capability,
				Transport:  s,
				ChannelID:  s.channelID,
				UserID:     s.userID,
				SSRC:       s.ssrc,
				Log:        s.log,
			})
			s.dave = st
		}
		s.mu.Unlock()
		return st.Reinit(desc.DaveProtocolVersion)
	}
	return nil
}

// daveState reads the E2EE orchestrator under the state lock. It is
// shared between the read loop and the audio sender.
func (s *Session) daveState() *dave.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dave
}

func (s *Session) handleDisconnect(err error) {
	s.setStatus(StatusDisconnected)
	if s.hb != nil {
		s.hb.Stop()
	}
	if s.closed.Load() {
		return
	}
	closeErr := &websocket.CloseError{}
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case CloseSessionInvalid, CloseSessionTimeout, CloseDisconnected:
			// Session is unrecoverable; a resume would be rejected.
			s.resumable = false
			s.sessionID = ""
			s.endpoint = ""
			s.log.Info("voice session invalidated", "code", closeErr.Code)
			s.terminate(closeErr.Code)
			return
		case CloseAuthenticationFailed, CloseUnknownProtocol, CloseUnknownEncryption:
			s.log.Error("voice gateway closed with non-retryable code", "code", closeErr.Code)
			s.terminate(closeErr.Code)
			return
		}
	}
	s.log.Warn("voice connection lost, resuming", "error", err.Error())
	go func() {
		if err := s.Connect(s.parent); err != nil {
			s.log.Error("voice resume failed", "error", err.Error())
		}
	}()
}

// terminate retires a session the voice gateway refused to keep.
// Audio stops instead of erroring into a dead socket, and the owner
// hears about it so it can rejoin with a fresh handshake.
func (s *Session) terminate(code int) {
	s.mu.Lock()
	s.pack = nil
	udp := s.udpConn
	s.udpConn = nil
	s.mu.Unlock()
	if udp != nil {
		udp.Close()
	}
	if s.onTerminal != nil {
		go s.onTerminal(code)
	}
}

// SendAudioFrame ships one encoded Opus frame: through the DAVE
// encryptor when E2EE is live, then RTP framing and the transport
// AEAD, then the UDP socket.
func (s *Session) SendAudioFrame(frame []byte) error {
	s.mu.Lock()
	pack := s.pack
	udpConn := s.udpConn
	st := s.dave
	s.mu.Unlock()
	if pack == nil || udpConn == nil {
		return ErrNotReady
	}
	if st != nil && st.Active() {
		protected, err := st.Encrypt(frame)
		if err != nil {
			return err
		}
		frame = protected
	}
	packet := pack.Packetize(frame, FrameSamples)
	_, err := udpConn.Write(packet)
	return err
}

// dave.Transport implementation: control messages ride the voice
// websocket, JSON for signalling ops and binary for MLS blobs.

func (s *Session) SendTransitionReady(transitionID uint16) error {
	return s.sendJSON(OpcodeDaveTransitionReady, structs.DaveTransitionReady{TransitionID: transitionID})
}

func (s *Session) SendKeyPackage(data []byte) error {
	return s.sendBinary(dave.EncodeBinaryFrame(dave.BinaryOpMLSKeyPackage, data))
}

func (s *Session) SendCommitWelcome(data []byte) error {
	return s.sendBinary(dave.EncodeBinaryFrame(dave.BinaryOpMLSCommitWelcome, data))
}

func (s *Session) SendInvalidCommitWelcome(transitionID uint16) error {
	return s.sendJSON(OpcodeDaveMLSInvalidCommitWelcome, structs.DaveInvalidCommitWelcome{TransitionID: transitionID})
}

func (s *Session) sendJSON(op VoiceOpcode, d interface{}) error {
	data, err := json.Marshal(structs.Event{Op: op, D: d})
	if err != nil {
		return err
	}
	return s.send(websocket.TextMessage, data)
}

func (s *Session) sendBinary(data []byte) error {
	return s.send(websocket.BinaryMessage, data)
}

func (s *Session) send(messageType int, data []byte) error {
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	if s.wsConn == nil {
		return ErrSessionClosed
	}
	return s.wsConn.WriteMessage(messageType, data)
}

// Close tears down both the websocket and UDP sides and releases
// anything blocked on the handshake signal wait.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.rwlock.Lock()
	conn := s.wsConn
	s.wsConn = nil
	s.rwlock.Unlock()
	if conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		conn.Close()
	}
	if s.hb != nil {
		s.hb.Stop()
	}
	s.mu.Lock()
	udp := s.udpConn
	s.udpConn = nil
	s.mu.Unlock()
	if udp != nil {
		udp.Close()
	}
	s.setStatus(StatusDisconnected)
	s.log.Info("voice connection closed.")
}

func (s *Session) setStatus(status SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CanEncrypt reports whether E2EE frames can currently be produced.
func (s *Session) CanEncrypt() bool {
	st := s.daveState()
	return st != nil && st.CanEncrypt()
}

func (s *Session) GuildID() string { return s.guildID }
