// Package broadcaster owns the outbound side of one client slot: a bounded
// queue fed by any goroutine and a drain goroutine writing it to the socket.
package broadcaster

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/rorrelay/internal/debug"
	"github.com/blukai/rorrelay/internal/lock"
	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/phuslu/log"
)

const (
	DefaultSoftLimit = 100
	DefaultHardLimit = 300

	stopRetryInterval = 10 * time.Millisecond
)

type State int

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Disconnector is told about sessions whose socket failed.
type Disconnector interface {
	Disconnect(uid int32, reason string)
}

type Limits struct {
	// Soft is the occupancy at which stream data stops being accepted.
	Soft int
	// Hard is the occupancy at which nothing is accepted.
	Hard int
}

func (l Limits) withDefaults() Limits {
	if l.Hard <= 0 {
		l.Hard = DefaultHardLimit
	}
	if l.Soft <= 0 || l.Soft > l.Hard {
		l.Soft = min(DefaultSoftLimit, l.Hard)
	}
	return l
}

type entry struct {
	msgType  protocol.MessageType
	source   int32
	streamID uint32
	payload  []byte
}

// Broadcaster is created once per slot and reused across sessions via Reset
// and Stop.
type Broadcaster struct {
	codec        *messaging.Codec
	disconnector Disconnector
	logger       *log.Logger
	limits       Limits

	mu    lock.Mutex
	cond  *sync.Cond
	state State
	uid   int32
	conn  net.Conn
	done  chan struct{}

	// ring buffer, capacity == limits.Hard
	ring  []entry
	head  int
	count int

	dropped    uint64
	fullLogged bool
}

func NewBroadcaster(
	codec *messaging.Codec,
	disconnector Disconnector,
	limits Limits,
	logger *log.Logger,
) *Broadcaster {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	limits = limits.withDefaults()

	b := &Broadcaster{
		codec:        codec,
		disconnector: disconnector,
		logger:       logger,
		limits:       limits,

		state: Idle,
		ring:  make([]entry, limits.Hard),
	}
	b.cond = lock.NewCond(&b.mu)

	return b
}

// Reset starts serving a new session. the broadcaster must be idle.
func (b *Broadcaster) Reset(uid int32, conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	debug.Assert(b.state == Idle, "reset of a broadcaster that is not idle")

	b.uid = uid
	b.conn = conn
	b.head = 0
	b.count = 0
	b.dropped = 0
	b.fullLogged = false
	b.state = Running
	b.done = make(chan struct{})

	go b.drain(uid, conn, b.done)
}

// Stop makes the drain goroutine exit and blocks until it did. entries still
// queued are discarded. calling Stop on an idle broadcaster is a no-op.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.state == Idle {
		b.mu.Unlock()
		return
	}
	b.state = Stopping
	b.cond.Broadcast()
	conn := b.conn
	done := b.done
	b.mu.Unlock()

	// abort a write that is stuck on a slow peer. a send that started after
	// the deadline was set installs its own, so keep expiring it until the
	// drain goroutine is gone.
	_ = conn.SetWriteDeadline(time.Now())
	ticker := time.NewTicker(stopRetryInterval)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.ring {
		b.ring[i] = entry{}
	}
	b.head = 0
	b.count = 0
	b.conn = nil
	b.state = Idle
}

// QueueMessage enqueues a frame for delivery. it never blocks on I/O and
// reports whether the frame was accepted.
func (b *Broadcaster) QueueMessage(msgType protocol.MessageType, source int32, streamID uint32, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Running {
		return false
	}

	if len(payload) > protocol.MaxPayloadSize {
		b.drop(msgType, payload)
		return false
	}
	if b.count >= b.limits.Hard {
		b.drop(msgType, payload)
		if !b.fullLogged {
			b.fullLogged = true
			b.logger.Debug().
				Int32("uid", b.uid).
				Any("queue", b.histogramLocked()).
				Msgf("outbound queue is full, dropping everything")
		}
		return false
	}
	if b.count >= b.limits.Soft && msgType.IsStreamData() {
		b.drop(msgType, payload)
		return false
	}

	tail := (b.head + b.count) % len(b.ring)
	b.ring[tail] = entry{
		msgType:  msgType,
		source:   source,
		streamID: streamID,
		payload:  payload,
	}
	b.count++
	b.cond.Signal()

	return true
}

func (b *Broadcaster) drop(msgType protocol.MessageType, payload []byte) {
	b.dropped++
	b.codec.Traffic().AddDropped(protocol.HeaderSize + len(payload))
	b.logger.Debug().
		Int32("uid", b.uid).
		Str("type", msgType.String()).
		Int("queued", b.count).
		Msg("dropped outbound frame")
}

func (b *Broadcaster) histogramLocked() map[string]int {
	histogram := make(map[string]int)
	for i := 0; i < b.count; i++ {
		e := b.ring[(b.head+i)%len(b.ring)]
		histogram[e.msgType.String()]++
	}
	return histogram
}

func (b *Broadcaster) pop() (entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && b.state == Running {
		b.cond.Wait()
	}
	if b.state != Running {
		return entry{}, false
	}

	e := b.ring[b.head]
	b.ring[b.head] = entry{}
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	if b.count < b.limits.Soft {
		b.fullLogged = false
	}

	return e, true
}

func (b *Broadcaster) drain(uid int32, conn net.Conn, done chan struct{}) {
	defer close(done)

	for {
		e, ok := b.pop()
		if !ok {
			return
		}

		// the queue lock is not held while writing
		err := b.codec.Send(conn, e.msgType, e.source, e.streamID, e.payload)
		if err == nil {
			continue
		}
		if errors.Is(err, messaging.ErrFrameTooLarge) {
			b.mu.Lock()
			b.drop(e.msgType, e.payload)
			b.mu.Unlock()
			continue
		}

		b.mu.Lock()
		stopping := b.state != Running
		b.mu.Unlock()
		if !stopping {
			b.logger.Error().
				Int32("uid", uid).
				Msgf("could not send: %v", err)
			b.disconnector.Disconnect(uid, fmt.Sprintf("send failed: %v", err))
		}
		return
	}
}

func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len is the current queue occupancy.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped counts frames discarded during the current session.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
