// Package script runs an optional lua script next to the relay. the script
// defines any of these globals:
//
//	playerAdded(uid)
//	playerDeleted(uid, crashed)
//	playerChat(uid, text) -> broadcast mode
//	frameStep(dtMillis)
//
// and drives the relay through the "server" table.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/blukai/rorrelay/internal/lock"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/blukai/rorrelay/internal/sequencer"
	"github.com/phuslu/log"
	lua "github.com/yuin/gopher-lua"
)

const DefaultFrameInterval = 200 * time.Millisecond

var ErrClosed = errors.New("script is closed")

// Host is what the script may call into. *sequencer.Sequencer satisfies it.
type Host interface {
	Config() sequencer.Config
	Say(text string, uid int32, kind sequencer.SayKind)
	Kick(uid int32, reason string) error
	Ban(uid int32, reason string) error
	Unban(uid int32) bool
	SendGameCommand(uid int32, command string) error
	NumClients() int
	Client(uid int32) (sequencer.ClientInfo, bool)
}

var _ sequencer.ScriptHost = (*Script)(nil)

type Script struct {
	host   Host
	logger *log.Logger

	// a lua state is not safe for concurrent use. hooks arrive from every
	// receiver goroutine and from the frame ticker.
	mu     lock.Mutex
	state  *lua.LState
	closed bool
}

func NewScript(host Host, logger *log.Logger) *Script {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	s := &Script{
		host:   host,
		logger: logger,
		state:  lua.NewState(),
	}
	s.registerServer()
	return s
}

func (s *Script) LoadFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.state.DoFile(path); err != nil {
		return fmt.Errorf("could not load script %s: %w", path, err)
	}
	return nil
}

func (s *Script) LoadString(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.state.DoString(source); err != nil {
		return fmt.Errorf("could not load script: %w", err)
	}
	return nil
}

func (s *Script) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.state.Close()
}

// call invokes a global hook if the script defines it. nret results are left
// on the stack for the caller to pop. must be called with mu held.
func (s *Script) call(name string, nret int, args ...lua.LValue) bool {
	if s.closed {
		return false
	}

	fn, ok := s.state.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return false
	}

	err := s.state.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	if err != nil {
		s.logger.Error().
			Str("hook", name).
			Msgf("script error: %v", err)
		return false
	}
	return true
}

func (s *Script) PlayerAdded(uid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.call("playerAdded", 0, lua.LNumber(uid))
}

func (s *Script) PlayerDeleted(uid int32, crashed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.call("playerDeleted", 0, lua.LNumber(uid), lua.LBool(crashed))
}

// PlayerChat returns the broadcast mode the script picked. anything the
// script returns that is not a known mode counts as auto.
func (s *Script) PlayerChat(uid int32, text string) sequencer.BroadcastMode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.call("playerChat", 1, lua.LNumber(uid), lua.LString(text)) {
		return sequencer.BroadcastAuto
	}

	ret := s.state.Get(-1)
	s.state.Pop(1)

	n, ok := ret.(lua.LNumber)
	if !ok {
		return sequencer.BroadcastAuto
	}
	mode := sequencer.BroadcastMode(int(n))
	if mode < sequencer.BroadcastAuto || mode > sequencer.BroadcastBlock {
		return sequencer.BroadcastAuto
	}
	return mode
}

func (s *Script) frameStep(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.call("frameStep", 0, lua.LNumber(dt.Milliseconds()))
}

// Run calls frameStep every interval until ctx is done.
func (s *Script) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.frameStep(now.Sub(last))
			last = now
		}
	}
}

func (s *Script) registerServer() {
	L := s.state

	server := L.NewTable()
	L.SetFuncs(server, map[string]lua.LGFunction{
		"log":              s.luaLog,
		"say":              s.luaSay,
		"kick":             s.luaKick,
		"ban":              s.luaBan,
		"unban":            s.luaUnban,
		"cmd":              s.luaCmd,
		"getNumClients":    s.luaGetNumClients,
		"getUserName":      s.luaGetUserName,
		"getUserAuth":      s.luaGetUserAuth,
		"getUserVehicle":   s.luaGetUserVehicle,
		"getUserPosition":  s.luaGetUserPosition,
		"getServerTerrain": s.luaGetServerTerrain,
		"getServerName":    s.luaGetServerName,
	})

	// constants mirror sequencer.BroadcastMode and sequencer.SayKind
	for name, value := range map[string]int{
		"BROADCAST_AUTO":   int(sequencer.BroadcastAuto),
		"BROADCAST_ALL":    int(sequencer.BroadcastAll),
		"BROADCAST_NORMAL": int(sequencer.BroadcastNormal),
		"BROADCAST_AUTHED": int(sequencer.BroadcastAuthed),
		"BROADCAST_BLOCK":  int(sequencer.BroadcastBlock),
		"TO_ALL":           int(protocol.ToAll),
		"FROM_SERVER":      int(sequencer.SayServer),
		"FROM_HOST":        int(sequencer.SayHostGeneral),
		"FROM_MOTD":        int(sequencer.SayMOTD),
		"FROM_RULES":       int(sequencer.SayRules),
	} {
		L.SetField(server, name, lua.LNumber(value))
	}

	L.SetGlobal("server", server)
}

func (s *Script) luaLog(L *lua.LState) int {
	s.logger.Info().
		Str("source", "script").
		Msg(L.CheckString(1))
	return 0
}

// say(text [, uid [, kind]])
func (s *Script) luaSay(L *lua.LState) int {
	text := L.CheckString(1)
	uid := int32(L.OptInt(2, int(protocol.ToAll)))
	kind := sequencer.SayKind(L.OptInt(3, int(sequencer.SayServer)))
	s.host.Say(text, uid, kind)
	return 0
}

func (s *Script) luaKick(L *lua.LState) int {
	err := s.host.Kick(int32(L.CheckInt(1)), L.OptString(2, "kicked by script"))
	return pushResult(L, err)
}

func (s *Script) luaBan(L *lua.LState) int {
	err := s.host.Ban(int32(L.CheckInt(1)), L.OptString(2, "banned by script"))
	return pushResult(L, err)
}

func (s *Script) luaUnban(L *lua.LState) int {
	L.Push(lua.LBool(s.host.Unban(int32(L.CheckInt(1)))))
	return 1
}

func (s *Script) luaCmd(L *lua.LState) int {
	err := s.host.SendGameCommand(int32(L.CheckInt(1)), L.CheckString(2))
	return pushResult(L, err)
}

func (s *Script) luaGetNumClients(L *lua.LState) int {
	L.Push(lua.LNumber(s.host.NumClients()))
	return 1
}

func (s *Script) client(L *lua.LState) (sequencer.ClientInfo, bool) {
	return s.host.Client(int32(L.CheckInt(1)))
}

func (s *Script) luaGetUserName(L *lua.LState) int {
	info, ok := s.client(L)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(info.Nickname))
	return 1
}

func (s *Script) luaGetUserAuth(L *lua.LState) int {
	info, ok := s.client(L)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(info.Auth))
	return 1
}

func (s *Script) luaGetUserVehicle(L *lua.LState) int {
	info, ok := s.client(L)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(info.Vehicle))
	return 1
}

// getUserPosition(uid) -> x, y, z
func (s *Script) luaGetUserPosition(L *lua.LState) int {
	info, ok := s.client(L)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(info.Position.X))
	L.Push(lua.LNumber(info.Position.Y))
	L.Push(lua.LNumber(info.Position.Z))
	return 3
}

func (s *Script) luaGetServerTerrain(L *lua.LState) int {
	L.Push(lua.LString(s.host.Config().Terrain))
	return 1
}

func (s *Script) luaGetServerName(L *lua.LState) int {
	L.Push(lua.LString(s.host.Config().ServerName))
	return 1
}

// pushResult follows the lua convention of true on success and nil plus a
// message on failure.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
