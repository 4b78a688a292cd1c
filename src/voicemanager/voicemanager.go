package voicemanager

import (
	"sync"

	"github.com/hendrywilliam/harpy/src/structs"
	"github.com/hendrywilliam/harpy/src/voice"
)

type GuildID = string

// VoiceManager owns the active voice sessions and routes the two
// gateway handshake signals into the right one. The manager holds the
// only owning reference; the gateway layer never reaches into a
// session directly.
type VoiceManager struct {
	mu           sync.Mutex
	activeVoices map[GuildID]*voice.Session
}

func NewVoiceManager() *VoiceManager {
	return &VoiceManager{
		activeVoices: make(map[GuildID]*voice.Session),
	}
}

func (vm *VoiceManager) Add(guildID GuildID, session *voice.Session) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if existing, ok := vm.activeVoices[guildID]; ok {
		existing.Close()
	}
	vm.activeVoices[guildID] = session
}

func (vm *VoiceManager) Get(guildID GuildID) *voice.Session {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.activeVoices[guildID]
}

// Delete closes and forgets a session.
func (vm *VoiceManager) Delete(guildID GuildID) {
	vm.mu.Lock()
	session, ok := vm.activeVoices[guildID]
	delete(vm.activeVoices, guildID)
	vm.mu.Unlock()
	if ok {
		session.Close()
	}
}

// HandleVoiceStateUpdate forwards a VOICE_STATE_UPDATE dispatch to
// the session for its guild, if one is waiting.
func (vm *VoiceManager) HandleVoiceStateUpdate(ev *structs.VoiceStateUpdateEvent) {
	if session := vm.Get(ev.GuildID); session != nil {
		session.UpdateVoiceState(ev)
	}
}

// HandleVoiceServerUpdate forwards a VOICE_SERVER_UPDATE dispatch.
func (vm *VoiceManager) HandleVoiceServerUpdate(ev *structs.VoiceServerUpdateEvent) {
	if session := vm.Get(ev.GuildID); session != nil {
		session.UpdateVoiceServer(ev)
	}
}

// Guilds lists the guilds with an active session, for the status
// server.
func (vm *VoiceManager) Guilds() []GuildID {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	guilds := make([]GuildID, 0, len(vm.activeVoices))
	for id := range vm.activeVoices {
		guilds = append(guilds, id)
	}
	return guilds
}

// CloseAll tears down every active session.
func (vm *VoiceManager) CloseAll() {
	vm.mu.Lock()
	sessions := make([]*voice.Session, 0, len(vm.activeVoices))
	for _, session := range vm.activeVoices {
		sessions = append(sessions, session)
	}
	vm.activeVoices = make(map[GuildID]*voice.Session)
	vm.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}
