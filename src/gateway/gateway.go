package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hendrywilliam/harpy/src/heartbeat"
	"github.com/hendrywilliam/harpy/src/ratelimit"
	"github.com/hendrywilliam/harpy/src/reconnect"
	"github.com/hendrywilliam/harpy/src/structs"
)

type GatewayStatus = string

const (
	StatusConnecting    GatewayStatus = "CONNECTING"
	StatusAwaitingHello GatewayStatus = "AWAITING_HELLO"
	StatusIdentifying   GatewayStatus = "IDENTIFYING"
	StatusResuming      GatewayStatus = "RESUMING"
	StatusReady         GatewayStatus = "READY"
	StatusDisconnected  GatewayStatus = "DISCONNECTED"
)

const (
	helloTimeout = 60 * time.Second

	// The gateway allows 120 commands per minute. Two slots per
	// window stay reserved so heartbeats are never crowded out even
	// though they bypass the limiter.
	commandCapacity = 118
	commandPeriod   = 60 * time.Second
)

// DispatchFunc receives every decoded dispatch event. Errors returned
// for events other than READY/RESUMED are isolated; during session
// bootstrap they tear the connection down.
type DispatchFunc func(event EventName, data json.RawMessage) error

// ErrorFunc is the host hook for isolated dispatch callback errors.
type ErrorFunc func(event EventName, err error)

// ResumeParams is what a session needs to continue where a previous
// one left off.
type ResumeParams struct {
	SessionID string
	Sequence  uint64
}

// Session owns one shard's gateway connection: handshake, frame
// decoding, sequence tracking and dispatch routing. It is stateless
// across reconnects except for what it exposes through Resume and
// ResumeGatewayURL; the host's connection loop owns reconnect and
// backoff.
type Session struct {
	rwlock   sync.RWMutex
	wsDialer *websocket.Dialer
	wsConn   *websocket.Conn
	log      *slog.Logger

	token    string
	intents  uint64
	shard    *[2]uint32
	presence *structs.PresenceUpdate
	compress bool

	sequence         atomic.Uint64
	mu               sync.Mutex
	status           GatewayStatus
	sessionID        string
	resumeGatewayURL string

	limiter *ratelimit.Limiter
	hb      *heartbeat.Monitor
	inf     *inflator

	readTimeout time.Duration

	dispatch DispatchFunc
	onError  ErrorFunc

	closed atomic.Bool // local, deliberate close
	forced atomic.Bool // heartbeat driver force-closed the socket
}

type SessionArguments struct {
	Token    string
	Intents  uint64
	Shard    *[2]uint32
	Presence *structs.PresenceUpdate
	Compress bool
	Dispatch DispatchFunc
	OnError  ErrorFunc
	Log      *slog.Logger
}

func NewSession(args SessionArguments) *Session {
	return &Session{
		wsDialer:    websocket.DefaultDialer,
		log:         args.Log,
		token:       args.Token,
		intents:     args.Intents,
		shard:       args.Shard,
		presence:    args.Presence,
		compress:    args.Compress,
		dispatch:    args.Dispatch,
		onError:     args.OnError,
		status:      StatusDisconnected,
		limiter:     ratelimit.NewLimiter(commandCapacity, commandPeriod),
		inf:         &inflator{},
		readTimeout: helloTimeout,
	}
}

// Connect dials the gateway, waits for HELLO, starts the heartbeat
// driver and sends IDENTIFY, or RESUME when resume carries a session.
func (s *Session) Connect(ctx context.Context, gatewayURL string, resume *ResumeParams) error {
	base, err := url.Parse(gatewayURL)
	if err != nil {
		return err
	}
	query := "v=10&encoding=json"
	if s.compress {
		query += "&compress=zlib-stream"
	}
	wsurl := url.URL{Scheme: "wss", Host: base.Host, Path: base.Path, RawQuery: query}
	if base.Scheme == "ws" {
		// plain ws is only ever used by tests against a local server.
		wsurl.Scheme = "ws"
	}

	s.setStatus(StatusConnecting)
	s.log.Info("connecting to gateway...")
	dialCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	conn, _, err := s.wsDialer.DialContext(dialCtx, wsurl.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	s.rwlock.Lock()
	s.wsConn = conn
	s.rwlock.Unlock()

	s.setStatus(StatusAwaitingHello)
	hello, err := s.awaitHello(conn)
	if err != nil {
		conn.Close()
		return err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	s.readTimeout = 2 * interval

	s.hb = heartbeat.NewMonitor(heartbeat.MonitorArguments{
		Interval: interval,
		Send:     s.sendHeartbeat,
		Sequence: s.sequence.Load,
		OnFailure: func(err error) {
			// Force-close from the heartbeat driver. The read loop
			// surfaces it as a resumable disconnect.
			s.forced.Store(true)
			conn.Close()
		},
		Log: s.log,
	})
	s.hb.Start()

	if resume != nil && resume.SessionID != "" {
		s.mu.Lock()
		s.sessionID = resume.SessionID
		s.mu.Unlock()
		s.sequence.Store(resume.Sequence)
		s.setStatus(StatusResuming)
		if err := s.sendEvent(structs.Event{
			Op: OpcodeResume,
			D: structs.ResumeEvent{
				Token:     s.token,
				SessionID: resume.SessionID,
				Seq:       resume.Sequence,
			},
		}); err != nil {
			return err
		}
		s.log.Info("resume event sent", "session_id", resume.SessionID, "seq", resume.Sequence)
		return nil
	}

	s.setStatus(StatusIdentifying)
	if err := s.sendEvent(structs.Event{
		Op: OpcodeIdentify,
		D: structs.IdentifyEvent{
			Token:   s.token,
			Intents: s.intents,
			Properties: structs.IdentifyProperties{
				Os:      "linux",
				Browser: "harpy",
				Device:  "harpy",
			},
			Compress: s.compress,
			Shard:    s.shard,
			Presence: s.presence,
		},
	}); err != nil {
		return err
	}
	s.log.Info("identify event sent")
	return nil
}

func (s *Session) awaitHello(conn *websocket.Conn) (*structs.HelloEvent, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	mt, raw, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("failed to read HELLO: %w", err)
	}
	payload, ok, err := s.decompress(mt, raw)
	if err != nil || !ok {
		return nil, ErrProtocolViolation
	}
	event := &structs.RawEvent{}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, ErrProtocolViolation
	}
	if event.Op != OpcodeHello {
		return nil, ErrProtocolViolation
	}
	hello := &structs.HelloEvent{}
	if err := json.Unmarshal(event.D, hello); err != nil {
		return nil, ErrProtocolViolation
	}
	return hello, nil
}

// Listen runs the read loop until the socket dies or ctx is done. It
// returns a *ReconnectError when the host should reconnect, one of
// the fatal sentinels when it must not, or ErrSessionClosed after a
// local Close.
func (s *Session) Listen(ctx context.Context) error {
	s.rwlock.RLock()
	conn := s.wsConn
	s.rwlock.RUnlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return s.disconnectError(err)
		}
		s.hb.RecordRecv()
		payload, ok, err := s.decompress(mt, raw)
		if err != nil {
			s.log.Error("transport stream corrupted", "error", err.Error())
			return s.disconnectError(err)
		}
		if !ok {
			continue
		}
		event := &structs.RawEvent{}
		if err := json.Unmarshal(payload, event); err != nil {
			s.log.Warn("dropping malformed frame", "error", err.Error())
			continue
		}
		if err := s.acceptEvent(event); err != nil {
			return err
		}
	}
}

func (s *Session) decompress(messageType int, raw []byte) ([]byte, bool, error) {
	if s.compress && messageType == websocket.BinaryMessage {
		return s.inf.Push(raw)
	}
	return raw, true, nil
}

func (s *Session) acceptEvent(e *structs.RawEvent) error {
	// Sequence only ever moves forward, whatever order frames claim.
	if e.S > 0 {
		for {
			cur := s.sequence.Load()
			if e.S <= cur || s.sequence.CompareAndSwap(cur, e.S) {
				break
			}
		}
	}
	switch e.Op {
	case OpcodeDispatch:
		return s.acceptDispatch(e)
	case OpcodeHeartbeat:
		// Server demands an immediate beat.
		return s.sendHeartbeat(s.sequence.Load())
	case OpcodeHeartbeatAck:
		s.hb.Ack()
		return nil
	case OpcodeReconnect:
		s.log.Info("gateway requested reconnect")
		return &ReconnectError{Resume: true}
	case OpcodeInvalidSession:
		return s.acceptInvalidSession(e)
	default:
		s.log.Warn("ignoring unknown opcode", "op", e.Op)
		return nil
	}
}

func (s *Session) acceptDispatch(e *structs.RawEvent) error {
	switch e.T {
	case EventReady:
		ready := &structs.ReadyEvent{}
		if err := json.Unmarshal(e.D, ready); err != nil {
			return fmt.Errorf("%w: bad READY payload: %w", ErrProtocolViolation, err)
		}
		s.mu.Lock()
		s.sessionID = ready.SessionID
		s.resumeGatewayURL = ready.ResumeGatewayURL
		s.status = StatusReady
		s.mu.Unlock()
		s.log.Info("gateway is ready", "session_id", ready.SessionID)
	case EventResumed:
		s.setStatus(StatusReady)
		s.log.Info("session resumed")
	}
	if s.dispatch == nil {
		return nil
	}
	if err := s.dispatch(e.T, e.D); err != nil {
		// Bootstrap cannot be partial; everything else is isolated.
		if e.T == EventReady || e.T == EventResumed {
			return err
		}
		s.log.Warn("dispatch handler failed", "event", e.T, "error", err.Error())
		if s.onError != nil {
			s.onError(e.T, err)
		}
	}
	return nil
}

func (s *Session) acceptInvalidSession(e *structs.RawEvent) error {
	var resumable bool
	if err := json.Unmarshal(e.D, &resumable); err != nil {
		resumable = false
	}
	if resumable {
		s.log.Info("session invalidated, resume allowed")
		return &ReconnectError{Resume: true}
	}
	s.log.Info("session invalidated, identify required")
	s.clearSession()
	return &ReconnectError{Resume: false}
}

func (s *Session) disconnectError(err error) error {
	s.setStatus(StatusDisconnected)
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.forced.Load() {
		return &ReconnectError{Resume: true, cause: err}
	}
	closeErr := &websocket.CloseError{}
	if errors.As(err, &closeErr) {
		switch reconnect.Classify(closeErr.Code, err) {
		case reconnect.ActionFatal:
			return s.fatalError(closeErr.Code)
		case reconnect.ActionReidentify:
			s.clearSession()
			return &ReconnectError{Resume: false, Code: closeErr.Code, cause: err}
		default:
			return &ReconnectError{Resume: true, Code: closeErr.Code, cause: err}
		}
	}
	// Socket-level error: timeouts, resets, DNS. All resumable.
	return &ReconnectError{Resume: true, cause: err}
}

func (s *Session) fatalError(code int) error {
	switch code {
	case reconnect.CloseAuthenticationFailed:
		return ErrAuthenticationFailed
	case reconnect.CloseDisallowedIntents:
		return ErrDisallowedIntents
	case reconnect.CloseInvalidShard, reconnect.CloseShardingRequired:
		return ErrInvalidShard
	default:
		return fmt.Errorf("gateway closed with non-retryable code %d", code)
	}
}

// Send writes one command frame after acquiring a rate limit slot.
// Heartbeats do not come through here; they bypass the limiter.
func (s *Session) Send(ctx context.Context, op GatewayOpcode, d interface{}) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	return s.sendEvent(structs.Event{Op: op, D: d})
}

func (s *Session) sendHeartbeat(sequence uint64) error {
	var d interface{}
	if sequence > 0 {
		d = sequence
	}
	return s.sendEvent(structs.Event{Op: OpcodeHeartbeat, D: d})
}

func (s *Session) sendEvent(e structs.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway event: %w", err)
	}
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	if s.wsConn == nil {
		return ErrSessionClosed
	}
	return s.wsConn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the session down: heartbeat driver, rate limiter waiters
// and the socket. Safe to call more than once.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.rwlock.Lock()
	conn := s.wsConn
	s.rwlock.Unlock()
	if conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		conn.Close()
	}
	// The socket is already gone, so the heartbeat driver cannot be
	// stuck mid-write when we wait for it.
	if s.hb != nil {
		s.hb.Stop()
	}
	s.limiter.Close()
	s.setStatus(StatusDisconnected)
	s.log.Info("gateway connection stopped.")
}

func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeGatewayURL = ""
	s.mu.Unlock()
	s.sequence.Store(0)
}

func (s *Session) setStatus(status GatewayStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Status reports the connection state for the status server.
func (s *Session) Status() GatewayStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Resume snapshots what the next connection needs to continue this
// session, or nil when the session cannot be resumed.
func (s *Session) Resume() *ResumeParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return nil
	}
	return &ResumeParams{SessionID: s.sessionID, Sequence: s.sequence.Load()}
}

// ResumeGatewayURL is where a resume must be attempted, empty until
// READY has been seen.
func (s *Session) ResumeGatewayURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeGatewayURL
}

// Sequence is the highest sequence number seen so far.
func (s *Session) Sequence() uint64 {
	return s.sequence.Load()
}

// Latency is the last heartbeat round trip, zero before the first ack.
func (s *Session) Latency() time.Duration {
	if s.hb == nil {
		return 0
	}
	return s.hb.Latency()
}
