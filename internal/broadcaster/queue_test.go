package broadcaster

import (
	"testing"

	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/matryer/is"
)

// newStalled returns a running broadcaster without a drain goroutine, so the
// queue only grows.
func newStalled(limits Limits) *Broadcaster {
	b := NewBroadcaster(messaging.NewCodec(nil, 0, 0), nil, limits, nil)
	b.state = Running
	return b
}

func TestSoftLimitDropsStreamDataOnly(t *testing.T) {
	is := is.New(t)

	b := newStalled(Limits{Soft: 3, Hard: 5})
	for i := 0; i < 3; i++ {
		is.True(b.QueueMessage(protocol.MsgVehicleData, 1, 0, []byte{byte(i)}))
	}
	is.Equal(b.Len(), 3)

	// at the soft limit
	is.True(!b.QueueMessage(protocol.MsgVehicleData, 1, 0, nil))
	is.Equal(b.Len(), 3)

	is.True(b.QueueMessage(protocol.MsgChat, 1, 0, []byte("hi")))
	is.Equal(b.Len(), 4)
	is.True(b.QueueMessage(protocol.MsgChat, 1, 0, []byte("hi")))
	is.Equal(b.Len(), 5)

	// at the hard limit
	is.True(!b.QueueMessage(protocol.MsgChat, 1, 0, []byte("lost")))
	is.True(!b.QueueMessage(protocol.MsgDelete, 1, 0, nil))
	is.Equal(b.Len(), 5)
	is.Equal(b.Dropped(), uint64(3))
	is.True(b.codec.Traffic().Stats().BytesDropped > 0)
}

func TestQueueIsFIFO(t *testing.T) {
	is := is.New(t)

	b := newStalled(Limits{Soft: 2, Hard: 3})
	is.True(b.QueueMessage(protocol.MsgChat, 1, 0, []byte("a")))
	is.True(b.QueueMessage(protocol.MsgChat, 2, 0, []byte("b")))

	e, ok := b.pop()
	is.True(ok)
	is.Equal(string(e.payload), "a")

	// wraps around the ring
	is.True(b.QueueMessage(protocol.MsgChat, 3, 0, []byte("c")))
	is.True(b.QueueMessage(protocol.MsgChat, 4, 0, []byte("d")))

	for _, want := range []string{"b", "c", "d"} {
		e, ok := b.pop()
		is.True(ok)
		is.Equal(string(e.payload), want)
	}
	is.Equal(b.Len(), 0)
}

func TestIdleBroadcasterRejects(t *testing.T) {
	is := is.New(t)

	b := NewBroadcaster(messaging.NewCodec(nil, 0, 0), nil, Limits{}, nil)
	is.Equal(b.State(), Idle)
	is.True(!b.QueueMessage(protocol.MsgChat, 1, 0, nil))
	is.Equal(b.limits, Limits{Soft: DefaultSoftLimit, Hard: DefaultHardLimit})

	// stopping an idle broadcaster does nothing
	b.Stop()
	is.Equal(b.State(), Idle)
}
