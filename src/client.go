package src

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hendrywilliam/harpy/src/dave"
	"github.com/hendrywilliam/harpy/src/gateway"
	"github.com/hendrywilliam/harpy/src/reconnect"
	"github.com/hendrywilliam/harpy/src/rest"
	"github.com/hendrywilliam/harpy/src/structs"
	"github.com/hendrywilliam/harpy/src/utils"
	"github.com/hendrywilliam/harpy/src/voice"
	"github.com/hendrywilliam/harpy/src/voicemanager"
)

// EventHandler receives raw dispatch payloads for one event name.
type EventHandler func(event string, data json.RawMessage) error

// Client is the host side of the core: it owns the gateway session
// for its shard, runs the reconnect/backoff loop the session itself
// stays out of, and routes voice signals into the voice manager.
type Client struct {
	log        *slog.Logger
	cfg        utils.AppConfig
	rest       *rest.REST
	voices     *voicemanager.VoiceManager
	capability dave.Capability

	mu       sync.Mutex
	session  *gateway.Session
	userID   string
	handlers map[string][]EventHandler
}

type ClientArguments struct {
	Config utils.AppConfig
	// Capability enables DAVE E2EE on voice connections when set.
	Capability dave.Capability
	Log        *slog.Logger
}

func NewClient(args ClientArguments) *Client {
	return &Client{
		log:        args.Log,
		cfg:        args.Config,
		rest:       rest.NewREST(args.Config.HTTPBaseURL, args.Config.BotToken),
		voices:     voicemanager.NewVoiceManager(),
		capability: args.Capability,
		handlers:   make(map[string][]EventHandler),
	}
}

// On registers a handler for a dispatch event name.
func (c *Client) On(event string, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// Open connects and blocks, driving the reconnect loop until ctx is
// done or a fatal error surfaces. Resumable disconnects re-enter the
// gateway with resume parameters; invalidated sessions re-identify
// against the original gateway URL.
func (c *Client) Open(ctx context.Context) error {
	gatewayBot, err := c.rest.GetGatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve gateway url: %w", err)
	}
	originalURL := gatewayBot.URL

	var resume *gateway.ResumeParams
	resumeURL := ""
	attempt := 0
	for {
		session := gateway.NewSession(gateway.SessionArguments{
			Token:    c.cfg.BotToken,
			Intents:  c.cfg.BotIntents,
			Shard:    &[2]uint32{c.cfg.ShardID, c.cfg.ShardCount},
			Compress: c.cfg.CompressStream,
			Dispatch: c.handleDispatch,
			OnError:  c.handleDispatchError,
			Log:      c.log,
		})
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()

		dialURL := originalURL
		if resume != nil && resumeURL != "" {
			dialURL = resumeURL
		}
		err := session.Connect(ctx, dialURL, resume)
		if err == nil {
			err = session.Listen(ctx)
		}
		session.Close()

		if errors.Is(err, gateway.ErrSessionClosed) || errors.Is(err, context.Canceled) {
			c.voices.CloseAll()
			return nil
		}
		reconnectErr := &gateway.ReconnectError{}
		if !errors.As(err, &reconnectErr) {
			var netErr net.Error
			if errors.Is(err, gateway.ErrHandshakeTimeout) || errors.As(err, &netErr) {
				// Transient: a silent gateway, a failed dial, a reset
				// socket. Retry.
				reconnectErr = &gateway.ReconnectError{Resume: resume != nil}
			} else {
				c.voices.CloseAll()
				return err
			}
		}
		if reconnectErr.Resume {
			if params := session.Resume(); params != nil {
				resume = params
				resumeURL = session.ResumeGatewayURL()
				attempt = 0
			}
		} else {
			resume = nil
			resumeURL = ""
		}
		attempt++
		delay := reconnect.Backoff(attempt)
		c.log.Info("reconnecting to gateway", "resume", reconnectErr.Resume, "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.voices.CloseAll()
			return nil
		}
	}
}

func (c *Client) handleDispatch(event gateway.EventName, data json.RawMessage) error {
	switch event {
	case gateway.EventReady:
		ready := &structs.ReadyEvent{}
		if err := json.Unmarshal(data, ready); err != nil {
			return err
		}
		c.mu.Lock()
		c.userID = ready.User.ID
		c.mu.Unlock()
	case gateway.EventVoiceStateUpdate:
		ev := &structs.VoiceStateUpdateEvent{}
		if err := json.Unmarshal(data, ev); err != nil {
			return err
		}
		c.voices.HandleVoiceStateUpdate(ev)
	case gateway.EventVoiceServerUpdate:
		ev := &structs.VoiceServerUpdateEvent{}
		if err := json.Unmarshal(data, ev); err != nil {
			return err
		}
		c.voices.HandleVoiceServerUpdate(ev)
	}
	c.mu.Lock()
	handlers := c.handlers[event]
	c.mu.Unlock()
	for _, handler := range handlers {
		if err := handler(event, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handleDispatchError(event gateway.EventName, err error) {
	c.log.Error("event handler error", "event", event, "error", err.Error())
}

// JoinVoiceChannel starts a voice session in a guild channel and
// blocks until its handshake completes.
func (c *Client) JoinVoiceChannel(ctx context.Context, guildID string, channelID string) (*voice.Session, error) {
	c.mu.Lock()
	session := c.session
	userID := c.userID
	c.mu.Unlock()
	if session == nil || userID == "" {
		return nil, errors.New("gateway session is not ready")
	}
	voiceSession := voice.NewSession(voice.SessionArguments{
		GuildID:    guildID,
		UserID:     userID,
		Capability: c.capability,
		OnTerminal: func(code int) {
			c.log.Error("voice session ended by gateway", "guild_id", guildID, "code", code)
			c.voices.Delete(guildID)
		},
		Log: c.log,
	})
	c.voices.Add(guildID, voiceSession)
	err := session.Send(ctx, gateway.OpcodeVoiceStateUpdate, structs.GatewayVoiceState{
		GuildID:   guildID,
		ChannelID: &channelID,
	})
	if err != nil {
		c.voices.Delete(guildID)
		return nil, err
	}
	if err := voiceSession.Connect(ctx); err != nil {
		c.voices.Delete(guildID)
		return nil, err
	}
	return voiceSession, nil
}

// LeaveVoiceChannel disconnects from a guild's voice channel.
func (c *Client) LeaveVoiceChannel(ctx context.Context, guildID string) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	c.voices.Delete(guildID)
	if session == nil {
		return nil
	}
	return session.Send(ctx, gateway.OpcodeVoiceStateUpdate, structs.GatewayVoiceState{
		GuildID:   guildID,
		ChannelID: nil,
	})
}

// StatusReport is a point-in-time health snapshot for the status
// server.
type StatusReport struct {
	Env           string   `json:"env"`
	Shard         []uint32 `json:"shard"`
	GatewayStatus string   `json:"gateway_status"`
	LatencyMS     int64    `json:"latency_ms"`
	Sequence      uint64   `json:"sequence"`
	VoiceGuilds   []string `json:"voice_guilds"`
}

func (c *Client) Report() StatusReport {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	report := StatusReport{
		Env:         c.cfg.AppEnv,
		Shard:       []uint32{c.cfg.ShardID, c.cfg.ShardCount},
		VoiceGuilds: c.voices.Guilds(),
	}
	if session != nil {
		report.GatewayStatus = session.Status()
		report.LatencyMS = session.Latency().Milliseconds()
		report.Sequence = session.Sequence()
	}
	return report
}
