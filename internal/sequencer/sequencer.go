// Package sequencer holds the client table of the relay, dispatches inbound
// frames to the outbound queues of other clients and tears sessions down on a
// dedicated killer goroutine.
//
// Lock order: table (Sequencer.mu) before any broadcaster queue, table before
// the kill queue. The table lock is never requested while holding a queue or
// the kill queue lock, and script hooks are never invoked with the table lock
// held.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/rorrelay/internal/broadcaster"
	"github.com/blukai/rorrelay/internal/debug"
	"github.com/blukai/rorrelay/internal/lock"
	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/blukai/rorrelay/internal/receiver"
	"github.com/blukai/rorrelay/internal/spamfilter"
	"github.com/phuslu/log"
)

var (
	ErrServerFull     = errors.New("server is full")
	ErrDuplicateNick  = errors.New("nickname is already in use")
	ErrBanned         = errors.New("banned")
	ErrNotRunning     = errors.New("sequencer is not running")
	ErrAlreadyStarted = errors.New("sequencer was already started")
	ErrUnknownClient  = errors.New("no such client")
)

const (
	DefaultMaxClients        = 16
	DefaultFinalFrameTimeout = 2 * time.Second

	maxRconRetries = 3
)

type State int

const (
	Uninitialized State = iota
	Running
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type SlotStatus int

const (
	Free SlotStatus = iota
	// Busy slots are being torn down. they are visible but no longer take
	// part in dispatch.
	Busy
	Used
)

func (s SlotStatus) String() string {
	switch s {
	case Free:
		return "free"
	case Busy:
		return "busy"
	case Used:
		return "used"
	}
	return fmt.Sprintf("SlotStatus(%d)", int(s))
}

type Config struct {
	MaxClients int
	ServerName string
	Terrain    string
	// RconPasswordHash is the hex sha1 of the remote console password.
	// empty disables the remote console.
	RconPasswordHash string
	MOTD             []string

	QueueLimits broadcaster.Limits
	InboundRate receiver.RateLimit
	Spam        spamfilter.Config

	// FinalFrameTimeout bounds the write of the notice a kicked client gets
	// right before its socket is closed.
	FinalFrameTimeout time.Duration
}

// Identity is what the handshake learned about a peer.
type Identity struct {
	Nickname string
	UniqueID string
	Auth     protocol.AuthFlags
}

type slot struct {
	index  int
	status SlotStatus

	uid         int32
	nickname    string
	uniqueID    string
	ip          string
	vehicle     string
	auth        protocol.AuthFlags
	flow        bool
	position    protocol.Vector3
	rconAuthed  bool
	rconRetries int
	connectedAt time.Time

	conn        net.Conn
	receiver    *receiver.Receiver
	broadcaster *broadcaster.Broadcaster
	spam        *spamfilter.Filter
}

func (sl *slot) clear() {
	sl.status = Free
	sl.uid = 0
	sl.nickname = ""
	sl.uniqueID = ""
	sl.ip = ""
	sl.vehicle = ""
	sl.auth = protocol.AuthNone
	sl.flow = false
	sl.position = protocol.Vector3{}
	sl.rconAuthed = false
	sl.rconRetries = 0
	sl.connectedAt = time.Time{}
	sl.conn = nil
}

type killRequest struct {
	uid     int32
	reason  string
	crashed bool
	// notice, when not empty, is written to the client before its socket is
	// closed.
	notice string
}

type Sequencer struct {
	cfg    Config
	codec  *messaging.Codec
	logger *log.Logger
	script ScriptHost

	mu        lock.Mutex
	state     State
	startedAt time.Time
	slots     []*slot
	byUID     map[int32]int
	nextUID   int32
	bans      map[banKey]*Ban

	killMu     lock.Mutex
	killCond   *sync.Cond
	killQueue  []killRequest
	killerStop bool
	killerDone chan struct{}
}

func NewSequencer(cfg Config, codec *messaging.Codec, logger *log.Logger) *Sequencer {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.FinalFrameTimeout <= 0 {
		cfg.FinalFrameTimeout = DefaultFinalFrameTimeout
	}

	s := &Sequencer{
		cfg:    cfg,
		codec:  codec,
		logger: logger,
		script: nopScript{},

		state:   Uninitialized,
		slots:   make([]*slot, cfg.MaxClients),
		byUID:   make(map[int32]int),
		nextUID: 1,
		bans:    make(map[banKey]*Ban),
	}
	s.killCond = lock.NewCond(&s.killMu)

	for i := range s.slots {
		s.slots[i] = &slot{
			index:       i,
			status:      Free,
			receiver:    receiver.NewReceiver(codec, s, cfg.InboundRate, logger),
			broadcaster: broadcaster.NewBroadcaster(codec, s, cfg.QueueLimits, logger),
			spam:        spamfilter.NewFilter(cfg.Spam),
		}
	}

	return s
}

// SetScriptHost installs the script hooks. it must be called before Start.
func (s *Sequencer) SetScriptHost(script ScriptHost) {
	if script == nil {
		script = nopScript{}
	}
	s.script = script
}

func (s *Sequencer) Config() Config {
	return s.cfg
}

// Start moves the sequencer to Running and starts the killer goroutine.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Uninitialized {
		return ErrAlreadyStarted
	}
	s.state = Running
	s.startedAt = time.Now()
	s.killerDone = make(chan struct{})

	go s.runKiller(s.killerDone)

	s.logger.Info().Msgf("sequencer running with %d slots", len(s.slots))
	return nil
}

// Shutdown disconnects every session, waits until the killer has torn all of
// them down and moves the sequencer to Terminated.
func (s *Sequencer) Shutdown() {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	s.state = ShuttingDown
	for _, sl := range s.slots {
		if sl.status == Used {
			s.disconnect(killRequest{
				uid:    sl.uid,
				reason: "server shutting down",
				notice: "server is shutting down",
			})
		}
	}
	done := s.killerDone
	s.mu.Unlock()

	s.killMu.Lock()
	s.killerStop = true
	s.killCond.Broadcast()
	s.killMu.Unlock()

	<-done

	s.mu.Lock()
	s.state = Terminated
	s.mu.Unlock()

	s.logger.Info().Msg("sequencer terminated")
}

// Run starts the sequencer and shuts it down once ctx is done.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Shutdown()
	return nil
}

func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// CreateClient reserves a slot for a peer that completed the handshake and
// starts its receiver and broadcaster. on error the caller still owns conn.
func (s *Sequencer) CreateClient(conn net.Conn, identity Identity) (int32, error) {
	ip := remoteIP(conn)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return 0, ErrNotRunning
	}
	if _, ok := s.bans[makeBanKey(ip)]; ok {
		return 0, ErrBanned
	}

	var free *slot
	for _, sl := range s.slots {
		if sl.status == Used && sl.nickname == identity.Nickname {
			return 0, ErrDuplicateNick
		}
		if sl.status == Free && free == nil {
			free = sl
		}
	}
	if free == nil {
		return 0, ErrServerFull
	}

	uid := s.nextUID
	s.nextUID++

	free.status = Used
	free.uid = uid
	free.nickname = identity.Nickname
	free.uniqueID = identity.UniqueID
	free.auth = identity.Auth
	free.ip = ip
	free.connectedAt = time.Now()
	free.conn = conn
	free.spam.Reset()
	s.byUID[uid] = free.index

	// the receiver's first act is CompleteHandshake, which needs the table
	// lock and therefore runs only after this function returns.
	free.broadcaster.Reset(uid, conn)
	free.receiver.Reset(uid, conn)

	s.logger.Info().
		Int("slot", free.index).
		Int32("uid", uid).
		Str("nick", identity.Nickname).
		Str("ip", ip).
		Str("auth", identity.Auth.String()).
		Msg("client created")

	return uid, nil
}

// mustSlotLocked resolves uid. a receiver or broadcaster only exists while its
// uid is indexed, so a miss during dispatch is a bug.
func (s *Sequencer) mustSlotLocked(uid int32) *slot {
	idx, ok := s.byUID[uid]
	debug.Assert(ok, fmt.Sprintf("no slot for uid %d", uid))
	return s.slots[idx]
}

func (s *Sequencer) usedSlotLocked(uid int32) (*slot, bool) {
	idx, ok := s.byUID[uid]
	if !ok {
		return nil, false
	}
	sl := s.slots[idx]
	return sl, sl.status == Used
}

// CompleteHandshake welcomes a freshly created session: it learns its uid,
// every vehicle already on the server and the message of the day, and only
// then starts taking part in fan-out.
func (s *Sequencer) CompleteHandshake(uid int32) {
	s.mu.Lock()
	sl, ok := s.usedSlotLocked(uid)
	if !ok {
		s.mu.Unlock()
		return
	}

	sl.broadcaster.QueueMessage(protocol.MsgWelcome, uid, 0, []byte(sl.nickname))

	for _, other := range s.slots {
		if other == sl || other.status != Used || other.vehicle == "" {
			continue
		}
		reg := protocol.VehicleRegistration{Vehicle: other.vehicle, Nickname: other.nickname}
		payload, err := reg.MarshalBinary()
		debug.Assert(err == nil)
		sl.broadcaster.QueueMessage(protocol.MsgUseVehicle, other.uid, 0, payload)
	}

	sl.flow = true

	for _, line := range s.cfg.MOTD {
		s.sayLocked(line, uid, SayMOTD)
	}
	s.mu.Unlock()

	s.script.PlayerAdded(uid)
}

// Disconnect requests teardown of uid after an I/O failure. it may be called
// from any goroutine, including with the table lock held, and never blocks on
// teardown.
func (s *Sequencer) Disconnect(uid int32, reason string) {
	s.disconnect(killRequest{uid: uid, reason: reason, crashed: true})
}

func (s *Sequencer) disconnect(req killRequest) {
	s.killMu.Lock()
	defer s.killMu.Unlock()

	for _, queued := range s.killQueue {
		if queued.uid == req.uid {
			return
		}
	}
	s.killQueue = append(s.killQueue, req)
	s.killCond.Signal()

	s.logger.Debug().
		Int32("uid", req.uid).
		Str("reason", req.reason).
		Msg("disconnect queued")
}

func (s *Sequencer) nextKill() (killRequest, bool) {
	s.killMu.Lock()
	defer s.killMu.Unlock()

	for len(s.killQueue) == 0 && !s.killerStop {
		s.killCond.Wait()
	}
	if len(s.killQueue) == 0 {
		return killRequest{}, false
	}

	req := s.killQueue[0]
	s.killQueue[0] = killRequest{}
	s.killQueue = s.killQueue[1:]
	return req, true
}

func (s *Sequencer) runKiller(done chan struct{}) {
	defer close(done)

	for {
		req, ok := s.nextKill()
		if !ok {
			return
		}
		s.kill(req)
	}
}

// kill is the only place that frees a slot.
func (s *Sequencer) kill(req killRequest) {
	s.mu.Lock()
	sl, ok := s.usedSlotLocked(req.uid)
	if !ok {
		s.mu.Unlock()
		return
	}

	sl.status = Busy
	for _, other := range s.slots {
		if other != sl && other.status == Used && other.flow {
			other.broadcaster.QueueMessage(protocol.MsgDelete, sl.uid, 0, nil)
		}
	}
	nickname := sl.nickname
	conn := sl.conn
	s.mu.Unlock()

	// the receiver may be waiting for the table lock in dispatch, so its
	// goroutine is joined without holding it. Busy keeps the slot out of
	// fan-out meanwhile.
	sl.broadcaster.Stop()
	if req.notice != "" {
		err := s.codec.SendWithin(conn, s.cfg.FinalFrameTimeout, protocol.MsgDelete, protocol.ServerSource, 0, protocol.TextPayload(req.notice))
		if err != nil {
			s.logger.Debug().
				Int32("uid", req.uid).
				Msgf("could not deliver final notice: %v", err)
		}
	}
	if err := conn.Close(); err != nil {
		s.logger.Debug().
			Int32("uid", req.uid).
			Msgf("could not close connection: %v", err)
	}
	sl.receiver.Stop()

	s.mu.Lock()
	delete(s.byUID, sl.uid)
	sl.clear()
	s.mu.Unlock()

	s.logger.Info().
		Int("slot", sl.index).
		Int32("uid", req.uid).
		Str("nick", nickname).
		Str("reason", req.reason).
		Msg("client disconnected")

	s.script.PlayerDeleted(req.uid, req.crashed)
}
