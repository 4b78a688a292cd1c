package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hendrywilliam/harpy/src/dave"
	"github.com/hendrywilliam/harpy/src/structs"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func stringPtr(s string) *string { return &s }

func testSession(t *testing.T) *Session {
	t.Helper()
	return NewSession(SessionArguments{
		GuildID: "guild-1",
		UserID:  "user-1",
		Log:     discardLogger(),
	})
}

func TestAwaitSignalsBothOrders(t *testing.T) {
	for name, feed := range map[string]func(s *Session){
		"state first": func(s *Session) {
			s.UpdateVoiceState(&structs.VoiceStateUpdateEvent{
				UserID: "user-1", SessionID: "sess", ChannelID: stringPtr("chan-1"),
			})
			s.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{
				Token: "tok", Endpoint: stringPtr("voice.example.com:443"),
			})
		},
		"server first": func(s *Session) {
			s.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{
				Token: "tok", Endpoint: stringPtr("voice.example.com:443"),
			})
			s.UpdateVoiceState(&structs.VoiceStateUpdateEvent{
				UserID: "user-1", SessionID: "sess", ChannelID: stringPtr("chan-1"),
			})
		},
	} {
		t.Run(name, func(t *testing.T) {
			session := testSession(t)
			feed(session)
			require.NoError(t, session.awaitSignals(context.Background()))
			require.Equal(t, "sess", session.sessionID)
			require.Equal(t, "chan-1", session.channelID)
			require.Equal(t, "tok", session.token)
			require.Equal(t, "voice.example.com:443", session.endpoint)
		})
	}
}

func TestAwaitSignalsIgnoresOtherUsers(t *testing.T) {
	session := testSession(t)
	session.signalWait = 100 * time.Millisecond
	session.UpdateVoiceState(&structs.VoiceStateUpdateEvent{
		UserID: "someone-else", SessionID: "not-ours",
	})
	session.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{
		Token: "tok", Endpoint: stringPtr("voice.example.com:443"),
	})
	require.ErrorIs(t, session.awaitSignals(context.Background()), ErrSignalTimeout)
	require.Empty(t, session.sessionID)
}

func TestAwaitSignalsNullEndpointKeepsWaiting(t *testing.T) {
	session := testSession(t)
	session.signalWait = 100 * time.Millisecond
	session.UpdateVoiceState(&structs.VoiceStateUpdateEvent{
		UserID: "user-1", SessionID: "sess",
	})
	// A dead allocation: the real endpoint never arrives.
	session.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{Token: "tok", Endpoint: nil})
	require.ErrorIs(t, session.awaitSignals(context.Background()), ErrSignalTimeout)
}

func TestAwaitSignalsTimeout(t *testing.T) {
	session := testSession(t)
	session.signalWait = 50 * time.Millisecond
	require.ErrorIs(t, session.awaitSignals(context.Background()), ErrSignalTimeout)
}

func TestAwaitSignalsContextCancelled(t *testing.T) {
	session := testSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	require.ErrorIs(t, session.awaitSignals(ctx), context.Canceled)
}

func TestUpdateSignalsLatestWins(t *testing.T) {
	session := testSession(t)
	session.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{
		Token: "old", Endpoint: stringPtr("old.example.com:443"),
	})
	session.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{
		Token: "new", Endpoint: stringPtr("new.example.com:443"),
	})
	session.UpdateVoiceState(&structs.VoiceStateUpdateEvent{
		UserID: "user-1", SessionID: "sess",
	})
	require.NoError(t, session.awaitSignals(context.Background()))
	require.Equal(t, "new", session.token)
	require.Equal(t, "new.example.com:443", session.endpoint)
}

func TestHandleDisconnectInvalidatesSession(t *testing.T) {
	session := testSession(t)
	session.resumable = true
	session.sessionID = "sess"
	session.endpoint = "voice.example.com:443"

	session.handleDisconnect(&websocket.CloseError{Code: CloseSessionInvalid})
	require.False(t, session.resumable)
	require.Empty(t, session.sessionID)
	require.Empty(t, session.endpoint)
	require.Equal(t, StatusDisconnected, session.Status())
}

func TestTerminalCloseNotifiesOwner(t *testing.T) {
	for name, code := range map[string]int{
		"session invalid": CloseSessionInvalid,
		"auth failed":     CloseAuthenticationFailed,
	} {
		t.Run(name, func(t *testing.T) {
			codes := make(chan int, 1)
			session := NewSession(SessionArguments{
				GuildID:    "guild-1",
				UserID:     "user-1",
				OnTerminal: func(code int) { codes <- code },
				Log:        discardLogger(),
			})
			var key [32]byte
			pack, err := NewPacketizer(49, ModeAEADXChaCha20Poly1305, key)
			require.NoError(t, err)
			udp, err := net.Dial("udp", "127.0.0.1:9")
			require.NoError(t, err)
			session.pack = pack
			session.udpConn = udp

			session.handleDisconnect(&websocket.CloseError{Code: code})

			select {
			case got := <-codes:
				require.Equal(t, code, got)
			case <-time.After(time.Second):
				t.Fatal("owner was never told the session ended")
			}
			// Audio must stop rather than write into a dead socket.
			require.ErrorIs(t, session.SendAudioFrame([]byte{0x01}), ErrNotReady)
		})
	}
}

func TestConnectAttemptsReleaseEarlierContexts(t *testing.T) {
	session := testSession(t)
	session.signalWait = 10 * time.Millisecond

	require.ErrorIs(t, session.connect(context.Background()), ErrSignalTimeout)
	first := session.ctx
	require.ErrorIs(t, session.connect(context.Background()), ErrSignalTimeout)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("first attempt's context was never released")
	}
}

// fakeMediaServer answers IP discovery and collects every RTP packet
// it receives afterwards.
func fakeMediaServer(t *testing.T, externalIP string, externalPort uint16, rtp chan<- []byte) net.Addr {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n == discoveryPacketSize && binary.BigEndian.Uint16(buf[0:2]) == discoveryRequest {
				reply := make([]byte, discoveryPacketSize)
				binary.BigEndian.PutUint16(reply[0:2], discoveryResponse)
				binary.BigEndian.PutUint16(reply[2:4], discoveryLength)
				copy(reply[4:8], buf[4:8])
				copy(reply[discoveryIPOffset:], externalIP)
				binary.BigEndian.PutUint16(reply[discoveryPacketSize-2:], externalPort)
				pc.WriteTo(reply, addr)
				continue
			}
			packet := append([]byte(nil), buf[:n]...)
			select {
			case rtp <- packet:
			default:
			}
		}
	}()
	return pc.LocalAddr()
}

func voiceServerSend(conn *websocket.Conn, op VoiceOpcode, seq uint64, d interface{}) {
	data, err := json.Marshal(map[string]interface{}{"op": op, "seq": seq, "d": d})
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func voiceServerRead(conn *websocket.Conn) (structs.VoiceRawEvent, bool) {
	var event structs.VoiceRawEvent
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return event, false
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return event, false
	}
	return event, true
}

func TestVoiceHandshakeAndAudio(t *testing.T) {
	rtp := make(chan []byte, 16)
	mediaAddr := fakeMediaServer(t, "203.0.113.5", 12345, rtp)
	udpAddr := mediaAddr.(*net.UDPAddr)

	var secretKey [32]byte
	for i := range secretKey {
		secretKey[i] = byte(i * 3)
	}

	clientFrames := make(chan structs.VoiceRawEvent, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		voiceServerSend(conn, OpcodeHello, 0, structs.VoiceHello{HeartbeatInterval: 45000})
		identify, ok := voiceServerRead(conn)
		if !ok || identify.Op != OpcodeIdentify {
			return
		}
		clientFrames <- identify

		voiceServerSend(conn, OpcodeReady, 1, structs.VoiceReady{
			SSRC:  49,
			IP:    "127.0.0.1",
			Port:  uint16(udpAddr.Port),
			Modes: []string{"xsalsa20_poly1305", ModeAEADXChaCha20Poly1305, ModeAEADAES256GCM},
		})
		selectProto, ok := voiceServerRead(conn)
		if !ok || selectProto.Op != OpcodeSelectProtocol {
			return
		}
		clientFrames <- selectProto

		voiceServerSend(conn, OpcodeSessionDescription, 2, structs.SessionDescription{
			AudioCodec: "opus",
			Mode:       ModeAEADXChaCha20Poly1305,
			SecretKey:  secretKey,
		})
		speaking, ok := voiceServerRead(conn)
		if !ok || speaking.Op != OpcodeSpeaking {
			return
		}
		clientFrames <- speaking

		conn.ReadMessage() // hold open until the client closes
	}))
	defer srv.Close()

	session := testSession(t)
	session.UpdateVoiceState(&structs.VoiceStateUpdateEvent{
		UserID: "user-1", SessionID: "sess", ChannelID: stringPtr("chan-1"),
	})
	session.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{
		Token:    "voice-token",
		Endpoint: stringPtr("ws" + strings.TrimPrefix(srv.URL, "http")),
	})

	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()
	require.Equal(t, StatusReady, session.Status())

	identify := <-clientFrames
	var identifyPayload structs.VoiceIdentify
	require.NoError(t, json.Unmarshal(identify.D, &identifyPayload))
	require.Equal(t, "guild-1", identifyPayload.ServerID)
	require.Equal(t, "user-1", identifyPayload.UserID)
	require.Equal(t, "sess", identifyPayload.SessionID)
	require.Equal(t, "voice-token", identifyPayload.Token)
	require.Zero(t, identifyPayload.MaxDaveVersion) // no capability wired

	selectProto := <-clientFrames
	var protoPayload structs.SelectProtocol
	require.NoError(t, json.Unmarshal(selectProto.D, &protoPayload))
	require.Equal(t, "udp", protoPayload.Protocol)
	require.Equal(t, "203.0.113.5", protoPayload.Data.Address)
	require.Equal(t, uint16(12345), protoPayload.Data.Port)
	require.Equal(t, ModeAEADXChaCha20Poly1305, protoPayload.Data.Mode)

	speaking := <-clientFrames
	var speakingPayload structs.Speaking
	require.NoError(t, json.Unmarshal(speaking.D, &speakingPayload))
	require.Equal(t, uint(SpeakingModeMicrophone), speakingPayload.Speaking)
	require.Equal(t, uint32(49), speakingPayload.SSRC)

	// The session tracked the server's seq numbering for seq_ack.
	require.Equal(t, uint64(2), session.sequence.Load())

	// Audio goes out as sealed RTP over the discovered socket.
	require.NoError(t, session.SendAudioFrame([]byte{0xF8, 0xFF, 0xFE}))
	select {
	case packet := <-rtp:
		require.GreaterOrEqual(t, len(packet), rtpHeaderSize+nonceSuffixSize)
		require.Equal(t, byte(0x80), packet[0])
		require.Equal(t, byte(0x78), packet[1])
		require.Equal(t, uint32(49), binary.BigEndian.Uint32(packet[8:12]))
	case <-time.After(time.Second):
		t.Fatal("no rtp packet arrived at the media server")
	}
}

func TestSendAudioFrameBeforeReady(t *testing.T) {
	session := testSession(t)
	require.ErrorIs(t, session.SendAudioFrame([]byte{0x01}), ErrNotReady)
}

func TestHandshakeFailureReleasesResources(t *testing.T) {
	rtp := make(chan []byte, 1)
	mediaAddr := fakeMediaServer(t, "203.0.113.5", 12345, rtp)
	udpAddr := mediaAddr.(*net.UDPAddr)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		voiceServerSend(conn, OpcodeHello, 0, structs.VoiceHello{HeartbeatInterval: 45000})
		if _, ok := voiceServerRead(conn); !ok {
			return
		}
		voiceServerSend(conn, OpcodeReady, 1, structs.VoiceReady{
			SSRC:  49,
			IP:    "127.0.0.1",
			Port:  uint16(udpAddr.Port),
			Modes: []string{ModeAEADXChaCha20Poly1305},
		})
		if _, ok := voiceServerRead(conn); !ok {
			return
		}
		// Drop the connection instead of answering SELECT_PROTOCOL.
	}))
	defer srv.Close()

	session := testSession(t)
	session.UpdateVoiceState(&structs.VoiceStateUpdateEvent{
		UserID: "user-1", SessionID: "sess", ChannelID: stringPtr("chan-1"),
	})
	session.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{
		Token:    "voice-token",
		Endpoint: stringPtr("ws" + strings.TrimPrefix(srv.URL, "http")),
	})

	require.ErrorIs(t, session.connect(context.Background()), ErrHandshakeFailed)

	// The discovered UDP socket must not outlive the failed attempt.
	session.mu.Lock()
	udp := session.udpConn
	session.mu.Unlock()
	require.Nil(t, udp)
	require.ErrorIs(t, session.SendAudioFrame([]byte{0x01}), ErrNotReady)
}

// A do-nothing E2EE capability: enough for the session to negotiate
// DAVE without real crypto underneath.
type nopMLSSession struct{}

func (nopMLSSession) Init(version uint16, channelID, userID string) error { return nil }

func (nopMLSSession) MarshalKeyPackage() ([]byte, error) { return []byte{0x01}, nil }

func (nopMLSSession) SetExternalSender(data []byte) error { return nil }

func (nopMLSSession) ProcessProposals(data []byte, users []string) ([]byte, error) {
	return nil, nil
}

func (nopMLSSession) ProcessCommit(data []byte) error { return nil }

func (nopMLSSession) ProcessWelcome(data []byte, users []string) error { return nil }

func (nopMLSSession) GetKeyRatchet(userID string) (dave.KeyRatchet, error) {
	return struct{}{}, nil
}

func (nopMLSSession) Reset() error { return nil }

type nopEncryptor struct{}

func (nopEncryptor) SetKeyRatchet(ratchet dave.KeyRatchet) error { return nil }

func (nopEncryptor) HasKeyRatchet() bool { return true }

func (nopEncryptor) Encrypt(frame []byte) ([]byte, error) { return frame, nil }

type nopCapability struct{}

func (nopCapability) NewMLSSession() dave.MLSSession { return nopMLSSession{} }

func (nopCapability) NewEncryptor(ssrc uint32) dave.Encryptor { return nopEncryptor{} }

func TestMidSessionRekeyWhileSendingAudio(t *testing.T) {
	rtp := make(chan []byte, 64)
	mediaAddr := fakeMediaServer(t, "203.0.113.5", 12345, rtp)
	udpAddr := mediaAddr.(*net.UDPAddr)

	var secretKey [32]byte
	rekeysDone := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		voiceServerSend(conn, OpcodeHello, 0, structs.VoiceHello{HeartbeatInterval: 45000})
		if _, ok := voiceServerRead(conn); !ok {
			return
		}
		voiceServerSend(conn, OpcodeReady, 1, structs.VoiceReady{
			SSRC:  49,
			IP:    "127.0.0.1",
			Port:  uint16(udpAddr.Port),
			Modes: []string{ModeAEADXChaCha20Poly1305},
		})
		if _, ok := voiceServerRead(conn); !ok {
			return
		}
		voiceServerSend(conn, OpcodeSessionDescription, 2, structs.SessionDescription{
			Mode:      ModeAEADXChaCha20Poly1305,
			SecretKey: secretKey,
		})
		if _, ok := voiceServerRead(conn); !ok {
			return
		}

		// Re-key the session over and over while the client streams.
		for i := 0; i < 25; i++ {
			voiceServerSend(conn, OpcodeSessionDescription, uint64(3+i), structs.SessionDescription{
				Mode:                ModeAEADXChaCha20Poly1305,
				SecretKey:           secretKey,
				DaveProtocolVersion: 1,
			})
			time.Sleep(2 * time.Millisecond)
		}
		close(rekeysDone)

		// Drain key packages until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	session := NewSession(SessionArguments{
		GuildID:    "guild-1",
		UserID:     "user-1",
		Capability: nopCapability{},
		Log:        discardLogger(),
	})
	session.UpdateVoiceState(&structs.VoiceStateUpdateEvent{
		UserID: "user-1", SessionID: "sess", ChannelID: stringPtr("chan-1"),
	})
	session.UpdateVoiceServer(&structs.VoiceServerUpdateEvent{
		Token:    "voice-token",
		Endpoint: stringPtr("ws" + strings.TrimPrefix(srv.URL, "http")),
	})

	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()

	var sendErr error
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		for {
			select {
			case <-rekeysDone:
				return
			default:
			}
			if err := session.SendAudioFrame([]byte{0xF8, 0xFF, 0xFE}); err != nil {
				sendErr = err
				return
			}
		}
	}()

	select {
	case <-senderDone:
	case <-time.After(5 * time.Second):
		t.Fatal("audio sender never finished")
	}
	require.NoError(t, sendErr)
	require.Eventually(t, session.CanEncrypt, time.Second, 10*time.Millisecond)
}
