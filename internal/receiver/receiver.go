// Package receiver owns the inbound side of one client slot.
package receiver

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/blukai/rorrelay/internal/debug"
	"github.com/blukai/rorrelay/internal/lock"
	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"
)

// Dispatcher is the only way a receiver affects the rest of the relay.
type Dispatcher interface {
	// CompleteHandshake is called once from the receiver goroutine before the
	// first frame is read.
	CompleteHandshake(uid int32)
	QueueMessage(uid int32, msgType protocol.MessageType, streamID uint32, payload []byte)
	Disconnect(uid int32, reason string)
}

const stopRetryInterval = 10 * time.Millisecond

// RateLimit bounds inbound stream data. control frames are never limited.
type RateLimit struct {
	// FramesPerSecond of zero disables inbound limiting.
	FramesPerSecond rate.Limit
	Burst           int
}

type Receiver struct {
	codec      *messaging.Codec
	dispatcher Dispatcher
	logger     *log.Logger
	rateLimit  RateLimit

	mu       lock.Mutex
	running  bool
	stopping bool
	uid      int32
	conn     net.Conn
	done     chan struct{}
}

func NewReceiver(codec *messaging.Codec, dispatcher Dispatcher, rateLimit RateLimit, logger *log.Logger) *Receiver {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Receiver{
		codec:      codec,
		dispatcher: dispatcher,
		logger:     logger,
		rateLimit:  rateLimit,
	}
}

// Reset starts reading a new session. the receiver must be idle.
func (r *Receiver) Reset(uid int32, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	debug.Assert(!r.running, "reset of a receiver that is running")

	var limiter *rate.Limiter
	if r.rateLimit.FramesPerSecond > 0 {
		limiter = rate.NewLimiter(r.rateLimit.FramesPerSecond, max(r.rateLimit.Burst, 1))
	}

	r.uid = uid
	r.conn = conn
	r.running = true
	r.stopping = false
	r.done = make(chan struct{})

	go r.run(uid, conn, limiter, r.done)
}

// Stop blocks until the read loop has exited. it does not close the
// connection and it never triggers a disconnect request.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	conn := r.conn
	done := r.done
	r.mu.Unlock()

	// a receive that started after the deadline was set installs its own,
	// so keep expiring it until the read loop is gone
	_ = conn.SetReadDeadline(time.Now())
	ticker := time.NewTicker(stopRetryInterval)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case <-ticker.C:
			_ = conn.SetReadDeadline(time.Now())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = false
	r.stopping = false
	r.conn = nil
}

func (r *Receiver) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *Receiver) run(uid int32, conn net.Conn, limiter *rate.Limiter, done chan struct{}) {
	defer close(done)

	r.dispatcher.CompleteHandshake(uid)

	for {
		if r.isStopping() {
			return
		}

		msg, err := r.codec.Receive(conn, protocol.MaxPayloadSize)
		if err != nil {
			if r.isStopping() {
				return
			}
			r.logger.Info().
				Int32("uid", uid).
				Msgf("could not receive: %v", err)
			r.dispatcher.Disconnect(uid, fmt.Sprintf("receive failed: %v", err))
			return
		}

		if msg.Type.IsStreamData() && limiter != nil && !limiter.Allow() {
			r.logger.Debug().
				Int32("uid", uid).
				Str("type", msg.Type.String()).
				Msg("inbound rate exceeded, dropping frame")
			continue
		}

		r.dispatcher.QueueMessage(uid, msg.Type, msg.StreamID, msg.Payload)
	}
}
