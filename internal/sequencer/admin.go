package sequencer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/cespare/xxhash/v2"
)

type SayKind int

const (
	SayServer SayKind = iota
	SayHostGeneral
	SayHostPrivate
	SayMOTD
	SayRules
	SayPlain
)

func (k SayKind) prefix() string {
	switch k {
	case SayServer:
		return "SERVER: "
	case SayHostGeneral:
		return "Host(general): "
	case SayHostPrivate:
		return "Host(private): "
	case SayMOTD:
		return "MOTD: "
	case SayRules:
		return "Rules: "
	}
	return ""
}

type banKey uint64

func makeBanKey(ip string) banKey {
	return banKey(xxhash.Sum64String(ip))
}

type Ban struct {
	UID       int32     `json:"uid"`
	Nickname  string    `json:"nickname"`
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	By        string    `json:"by"`
	CreatedAt time.Time `json:"created_at"`
}

type ClientInfo struct {
	Slot        int                `json:"slot"`
	UID         int32              `json:"uid"`
	Nickname    string             `json:"nickname"`
	UniqueID    string             `json:"-"`
	IP          string             `json:"ip"`
	Vehicle     string             `json:"vehicle"`
	Auth        protocol.AuthFlags `json:"auth"`
	Flow        bool               `json:"flow"`
	Position    protocol.Vector3   `json:"position"`
	ConnectedAt time.Time          `json:"connected_at"`
	Queued      int                `json:"queued"`
	Dropped     uint64             `json:"dropped"`
}

type Stats struct {
	State      string                 `json:"state"`
	ServerName string                 `json:"server_name"`
	Terrain    string                 `json:"terrain"`
	Uptime     time.Duration          `json:"uptime"`
	NumClients int                    `json:"num_clients"`
	MaxClients int                    `json:"max_clients"`
	Traffic    messaging.TrafficStats `json:"traffic"`
}

func (s *Sequencer) sayLocked(text string, uid int32, kind SayKind) {
	payload := protocol.TextPayload(kind.prefix() + text)
	for _, sl := range s.slots {
		if sl.status != Used || !sl.flow {
			continue
		}
		if uid != protocol.ToAll && sl.uid != uid {
			continue
		}
		sl.broadcaster.QueueMessage(protocol.MsgChat, protocol.ServerSource, 0, payload)
	}
}

// Say sends a server chat line to uid, or to everybody with protocol.ToAll.
func (s *Sequencer) Say(text string, uid int32, kind SayKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sayLocked(text, uid, kind)
}

func (s *Sequencer) kickLocked(sl *slot, reason, by string) {
	s.sayLocked(fmt.Sprintf("%s was kicked: %s", sl.nickname, reason), protocol.ToAll, SayServer)
	s.logger.Warn().
		Int32("uid", sl.uid).
		Str("nick", sl.nickname).
		Str("by", by).
		Msgf("kick: %s", reason)
	s.disconnect(killRequest{
		uid:    sl.uid,
		reason: "kicked: " + reason,
		notice: "you were kicked: " + reason,
	})
}

// Kick disconnects uid with a notice.
func (s *Sequencer) Kick(uid int32, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.usedSlotLocked(uid)
	if !ok {
		return ErrUnknownClient
	}
	s.kickLocked(sl, reason, "server")
	return nil
}

func (s *Sequencer) banLocked(sl *slot, reason, by string) {
	s.bans[makeBanKey(sl.ip)] = &Ban{
		UID:       sl.uid,
		Nickname:  sl.nickname,
		IP:        sl.ip,
		Reason:    reason,
		By:        by,
		CreatedAt: time.Now(),
	}
	s.kickLocked(sl, "banned: "+reason, by)
}

// Ban bans the address of uid for the lifetime of the process and kicks it.
func (s *Sequencer) Ban(uid int32, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.usedSlotLocked(uid)
	if !ok {
		return ErrUnknownClient
	}
	s.banLocked(sl, reason, "server")
	return nil
}

func (s *Sequencer) unbanLocked(uid int32) bool {
	for key, ban := range s.bans {
		if ban.UID == uid {
			delete(s.bans, key)
			s.logger.Info().
				Int32("uid", uid).
				Str("ip", ban.IP).
				Msg("unbanned")
			return true
		}
	}
	return false
}

// Unban lifts the ban created for the session uid. it reports whether such a
// ban existed.
func (s *Sequencer) Unban(uid int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unbanLocked(uid)
}

func (s *Sequencer) IsBanned(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bans[makeBanKey(ip)]
	return ok
}

func (s *Sequencer) Bans() []Ban {
	s.mu.Lock()
	defer s.mu.Unlock()

	bans := make([]Ban, 0, len(s.bans))
	for _, ban := range s.bans {
		bans = append(bans, *ban)
	}
	sort.Slice(bans, func(i, j int) bool {
		return bans[i].CreatedAt.Before(bans[j].CreatedAt)
	})
	return bans
}

func (s *Sequencer) sendGameCommandLocked(uid int32, command string) error {
	payload := protocol.TextPayload(command)

	if uid == protocol.ToAll {
		for _, sl := range s.slots {
			if sl.status == Used && sl.flow {
				sl.broadcaster.QueueMessage(protocol.MsgGameCommand, protocol.ServerSource, 0, payload)
			}
		}
		return nil
	}

	sl, ok := s.usedSlotLocked(uid)
	if !ok || !sl.flow {
		return ErrUnknownClient
	}
	sl.broadcaster.QueueMessage(protocol.MsgGameCommand, protocol.ServerSource, 0, payload)
	return nil
}

// SendGameCommand delivers a game command to uid (or everybody with
// protocol.ToAll).
func (s *Sequencer) SendGameCommand(uid int32, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendGameCommandLocked(uid, command)
}

func (sl *slot) info() ClientInfo {
	return ClientInfo{
		Slot:        sl.index,
		UID:         sl.uid,
		Nickname:    sl.nickname,
		UniqueID:    sl.uniqueID,
		IP:          sl.ip,
		Vehicle:     sl.vehicle,
		Auth:        sl.auth,
		Flow:        sl.flow,
		Position:    sl.position,
		ConnectedAt: sl.connectedAt,
		Queued:      sl.broadcaster.Len(),
		Dropped:     sl.broadcaster.Dropped(),
	}
}

// Clients returns a copy of every used slot, ordered by slot index.
func (s *Sequencer) Clients() []ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := []ClientInfo{}
	for _, sl := range s.slots {
		if sl.status == Used {
			clients = append(clients, sl.info())
		}
	}
	return clients
}

func (s *Sequencer) Client(uid int32) (ClientInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.usedSlotLocked(uid)
	if !ok {
		return ClientInfo{}, false
	}
	return sl.info(), true
}

func (s *Sequencer) numClientsLocked() int {
	n := 0
	for _, sl := range s.slots {
		if sl.status == Used {
			n++
		}
	}
	return n
}

func (s *Sequencer) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numClientsLocked()
}

// HeartbeatData renders the report the master server expects on every
// heartbeat.
func (s *Sequencer) HeartbeatData(challenge string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := strings.Builder{}
	fmt.Fprintf(&b, "%s\nversion2\n%d\n", challenge, s.numClientsLocked())
	for _, sl := range s.slots {
		if sl.status != Used {
			continue
		}
		fmt.Fprintf(&b, "%d;%s;%s;%f,%f,%f;%s;%s\n",
			sl.index,
			sl.vehicle,
			sl.nickname,
			sl.position.X, sl.position.Y, sl.position.Z,
			sl.ip,
			sl.uniqueID,
		)
	}
	return b.String()
}

func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	stats := Stats{
		State:      s.state.String(),
		ServerName: s.cfg.ServerName,
		Terrain:    s.cfg.Terrain,
		NumClients: s.numClientsLocked(),
		MaxClients: len(s.slots),
	}
	if !s.startedAt.IsZero() {
		stats.Uptime = time.Since(s.startedAt)
	}
	s.mu.Unlock()

	stats.Traffic = s.codec.Traffic().Stats()
	return stats
}

// PrintStats logs the slot table and traffic counters.
func (s *Sequencer) PrintStats() {
	clients := s.Clients()
	stats := s.Stats()

	s.logger.Info().Msgf("server occupancy: %d/%d", stats.NumClients, stats.MaxClients)
	for _, c := range clients {
		s.logger.Info().
			Int("slot", c.Slot).
			Int32("uid", c.UID).
			Str("nick", c.Nickname).
			Str("ip", c.IP).
			Str("vehicle", c.Vehicle).
			Str("auth", c.Auth.String()).
			Int("queued", c.Queued).
			Uint64("dropped", c.Dropped).
			Msg("client")
	}
	s.logger.Info().
		Uint64("in", stats.Traffic.BytesIn).
		Uint64("out", stats.Traffic.BytesOut).
		Uint64("dropped", stats.Traffic.BytesDropped).
		Float64("rate_in", stats.Traffic.RateIn).
		Float64("rate_out", stats.Traffic.RateOut).
		Msg("traffic")
}

func (s *Sequencer) listLocked() []string {
	lines := []string{}
	for _, sl := range s.slots {
		if sl.status != Used {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d: uid %d %s (%s) %s", sl.index, sl.uid, sl.nickname, sl.auth, sl.vehicle))
	}
	if len(lines) == 0 {
		lines = append(lines, "nobody is here")
	}
	return lines
}
