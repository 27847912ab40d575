package messaging

import (
	"sync/atomic"
	"time"

	"github.com/blukai/rorrelay/internal/lock"
)

// Traffic aggregates bandwidth of every connection of the process. counters
// are updated by codecs on each successful send and receive. Tick is expected
// to be called once a minute by a single timer.
type Traffic struct {
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	bytesDropped atomic.Uint64

	mu            lock.Mutex
	lastTick      time.Time
	lastIn        uint64
	lastOut       uint64
	lastMinuteIn  uint64
	lastMinuteOut uint64
	rateIn        float64
	rateOut       float64
}

type TrafficStats struct {
	BytesIn       uint64  `json:"bytes_in"`
	BytesOut      uint64  `json:"bytes_out"`
	BytesDropped  uint64  `json:"bytes_dropped"`
	LastMinuteIn  uint64  `json:"last_minute_in"`
	LastMinuteOut uint64  `json:"last_minute_out"`
	RateIn        float64 `json:"rate_in"`
	RateOut       float64 `json:"rate_out"`
}

func NewTraffic() *Traffic {
	return &Traffic{lastTick: time.Now()}
}

func (t *Traffic) AddIn(n int) {
	t.bytesIn.Add(uint64(n))
}

func (t *Traffic) AddOut(n int) {
	t.bytesOut.Add(uint64(n))
}

// AddDropped accounts frames that were discarded on the outbound path.
func (t *Traffic) AddDropped(n int) {
	t.bytesDropped.Add(uint64(n))
}

// Tick closes the current minute window.
func (t *Traffic) Tick() {
	t.tickAt(time.Now())
}

func (t *Traffic) tickAt(now time.Time) {
	in := t.bytesIn.Load()
	out := t.bytesOut.Load()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastMinuteIn = in - t.lastIn
	t.lastMinuteOut = out - t.lastOut
	t.lastIn = in
	t.lastOut = out

	elapsed := now.Sub(t.lastTick).Seconds()
	if elapsed <= 0 {
		elapsed = 60
	}
	t.rateIn = float64(t.lastMinuteIn) / elapsed
	t.rateOut = float64(t.lastMinuteOut) / elapsed
	t.lastTick = now
}

func (t *Traffic) Stats() TrafficStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TrafficStats{
		BytesIn:       t.bytesIn.Load(),
		BytesOut:      t.bytesOut.Load(),
		BytesDropped:  t.bytesDropped.Load(),
		LastMinuteIn:  t.lastMinuteIn,
		LastMinuteOut: t.lastMinuteOut,
		RateIn:        t.rateIn,
		RateOut:       t.rateOut,
	}
}
