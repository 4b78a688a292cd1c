package heartbeat

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrSendFailed = errors.New("heartbeat send failed after retries")

const (
	sendRetries = 3
	retryDelay  = time.Second
	// behindThreshold flags a connection whose acks lag noticeably.
	// It only produces a warning, never a disconnect.
	behindThreshold = 5 * time.Second
)

// SendFunc writes one heartbeat frame carrying the given sequence.
// It must bypass any command rate limiting.
type SendFunc func(sequence uint64) error

// Monitor drives heartbeats on its own goroutine so a stalled event
// handler in the read loop can never starve them. It talks back to
// the owning session only through the failure callback, which fires
// at most once: either the peer went quiet past the timeout or a
// heartbeat could not be written.
type Monitor struct {
	log      *slog.Logger
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration

	send      SendFunc
	sequence  func() uint64
	onFailure func(err error)

	mu       sync.Mutex
	lastSend time.Time
	lastAck  time.Time
	lastRecv time.Time
	latency  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type MonitorArguments struct {
	Interval time.Duration
	// Timeout is how long the peer may stay silent before the
	// connection is declared dead. Defaults to twice the interval.
	Timeout   time.Duration
	Send      SendFunc
	Sequence  func() uint64
	OnFailure func(err error)
	Log       *slog.Logger
	Clock     clock.Clock
}

func NewMonitor(args MonitorArguments) *Monitor {
	if args.Clock == nil {
		args.Clock = clock.New()
	}
	if args.Timeout == 0 {
		args.Timeout = 2 * args.Interval
	}
	now := args.Clock.Now()
	return &Monitor{
		log:       args.Log,
		clock:     args.Clock,
		interval:  args.Interval,
		timeout:   args.Timeout,
		send:      args.Send,
		sequence:  args.Sequence,
		onFailure: args.OnFailure,
		lastAck:   now,
		lastRecv:  now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	go m.run()
}

// Stop is idempotent and safe to call from any goroutine.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			m.log.Info("heartbeating stopped.")
			return
		case <-ticker.C:
			now := m.clock.Now()
			m.mu.Lock()
			silent := now.Sub(m.lastRecv)
			m.mu.Unlock()
			if silent > m.timeout {
				m.log.Error("no traffic from gateway, closing connection", "silent_for", silent)
				m.onFailure(errors.New("heartbeat ack timeout"))
				return
			}
			if err := m.beat(); err != nil {
				m.log.Error(err.Error())
				m.onFailure(err)
				return
			}
		}
	}
}

func (m *Monitor) beat() error {
	for attempt := 1; attempt <= sendRetries; attempt++ {
		err := m.send(m.sequence())
		if err == nil {
			m.mu.Lock()
			m.lastSend = m.clock.Now()
			m.mu.Unlock()
			return nil
		}
		m.log.Warn("heartbeat send failed, retrying", "attempt", attempt, "error", err.Error())
		select {
		case <-m.stop:
			return nil
		case <-m.clock.Timer(retryDelay).C:
		}
	}
	return ErrSendFailed
}

// RecordRecv marks that any frame arrived from the peer.
func (m *Monitor) RecordRecv() {
	m.mu.Lock()
	m.lastRecv = m.clock.Now()
	m.mu.Unlock()
}

// Ack records a HEARTBEAT_ACK and the round-trip latency.
func (m *Monitor) Ack() {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastAck = now
	m.lastRecv = now
	if !m.lastSend.IsZero() {
		m.latency = now.Sub(m.lastSend)
	}
	latency := m.latency
	m.mu.Unlock()
	if latency > behindThreshold {
		m.log.Warn("gateway acks are behind", "latency", latency)
	}
}

// Latency reports the last measured send-to-ack round trip.
func (m *Monitor) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}
