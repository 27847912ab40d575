package sequencer_test

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/blukai/rorrelay/internal/sequencer"
	"github.com/matryer/is"
)

func TestCreateClientBeforeStart(t *testing.T) {
	is := is.New(t)

	seq := sequencer.NewSequencer(sequencer.Config{}, messaging.NewCodec(nil, 0, 0), nil)
	is.Equal(seq.State(), sequencer.Uninitialized)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := seq.CreateClient(server, sequencer.Identity{Nickname: "early"})
	is.True(errors.Is(err, sequencer.ErrNotRunning))
}

func TestConcurrentCreateDistinctNicknames(t *testing.T) {
	is := is.New(t)

	const capacity = 8
	seq := newTestSequencer(t, sequencer.Config{MaxClients: capacity})

	type result struct {
		uid int32
		err error
	}
	results := make(chan result, capacity+4)

	wg := sync.WaitGroup{}
	for i := 0; i < capacity+4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := tryConnect(t, seq, fmt.Sprintf("driver%d", i), protocol.AuthNone)
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{uid: p.uid}
		}(i)
	}
	wg.Wait()
	close(results)

	uids := map[int32]bool{}
	full := 0
	for r := range results {
		if r.err != nil {
			is.True(errors.Is(r.err, sequencer.ErrServerFull))
			full++
			continue
		}
		is.True(!uids[r.uid]) // uid handed out twice
		uids[r.uid] = true
	}
	is.Equal(len(uids), capacity)
	is.Equal(full, 4)
	is.Equal(seq.NumClients(), capacity)
}

func TestConcurrentCreateSameNickname(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 16})

	errs := make(chan error, 10)
	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tryConnect(t, seq, "twin", protocol.AuthNone)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		is.True(errors.Is(err, sequencer.ErrDuplicateNick))
	}
	is.Equal(ok, 1)
	is.Equal(seq.NumClients(), 1)
}

func TestFullServerKeepsTable(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 2})
	a := connect(t, seq, "a", protocol.AuthNone)
	connect(t, seq, "b", protocol.AuthNone)

	_, err := tryConnect(t, seq, "c", protocol.AuthNone)
	is.True(errors.Is(err, sequencer.ErrServerFull))
	is.Equal(seq.NumClients(), 2)

	// a freed slot is reused, the uid is not
	seq.Disconnect(a.uid, "test")
	a.expectClosed()

	var c *peer
	for i := 0; i < 100; i++ {
		c, err = tryConnect(t, seq, "c", protocol.AuthNone)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	is.NoErr(err)
	is.True(c.uid > a.uid)
}

func TestVehicleDataFanOut(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 4})
	a := connect(t, seq, "a", protocol.AuthNone)
	b := connect(t, seq, "b", protocol.AuthNone)
	c := connect(t, seq, "c", protocol.AuthNone)

	state := protocol.VehicleState{Position: protocol.Vector3{X: 1, Y: 2, Z: 3}}
	payload, err := state.MarshalBinary()
	is.NoErr(err)
	a.send(protocol.MsgVehicleData, payload)

	for _, p := range []*peer{b, c} {
		got := p.collect(protocol.MsgVehicleData, 200*time.Millisecond)
		is.Equal(len(got), 1)
		is.Equal(got[0].Source, a.uid)

		decoded := protocol.VehicleState{}
		is.NoErr(decoded.UnmarshalBinary(got[0].Payload))
		is.Equal(decoded.Position, protocol.Vector3{X: 1, Y: 2, Z: 3})
	}

	// never echoed to the sender
	is.Equal(len(a.collect(protocol.MsgVehicleData, 100*time.Millisecond)), 0)

	info, ok := seq.Client(a.uid)
	is.True(ok)
	is.Equal(info.Position, protocol.Vector3{X: 1, Y: 2, Z: 3})
}

func TestUseVehicle(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 4})
	a := connect(t, seq, "alice", protocol.AuthNone)
	b := connect(t, seq, "bob", protocol.AuthNone)

	a.send(protocol.MsgUseVehicle, []byte("daf.truck\x00"))

	msg := b.expect(protocol.MsgUseVehicle)
	is.Equal(msg.Source, a.uid)
	reg := protocol.VehicleRegistration{}
	is.NoErr(reg.UnmarshalBinary(msg.Payload))
	is.Equal(reg, protocol.VehicleRegistration{Vehicle: "daf.truck", Nickname: "alice"})

	// a late joiner learns about existing vehicles before anything else
	c := connect(t, seq, "carol", protocol.AuthNone)
	msg = c.expect(protocol.MsgUseVehicle)
	is.Equal(msg.Source, a.uid)

	info, ok := seq.Client(a.uid)
	is.True(ok)
	is.Equal(info.Vehicle, "daf.truck")
}

func TestOversizedVehicleIsIgnored(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 4})
	a := connect(t, seq, "alice", protocol.AuthNone)
	b := connect(t, seq, "bob", protocol.AuthNone)
	c := connect(t, seq, "carol", protocol.AuthNone)

	// fits one frame, but not once the nickname is appended
	a.send(protocol.MsgUseVehicle, []byte(strings.Repeat("x", protocol.MaxPayloadSize-1)+"\x00"))

	is.Equal(len(b.collect(protocol.MsgUseVehicle, 200*time.Millisecond)), 0)
	is.Equal(len(c.collect(protocol.MsgUseVehicle, 0)), 0)
	is.Equal(seq.NumClients(), 3)

	info, ok := seq.Client(a.uid)
	is.True(ok)
	is.Equal(info.Vehicle, "")

	// a regular registration still goes through
	a.send(protocol.MsgUseVehicle, []byte("daf.truck\x00"))
	msg := c.expect(protocol.MsgUseVehicle)
	is.Equal(msg.Source, a.uid)

	// a late joiner is not fed the rejected name
	d := connect(t, seq, "dave", protocol.AuthNone)
	msg = d.expect(protocol.MsgUseVehicle)
	reg := protocol.VehicleRegistration{}
	is.NoErr(reg.UnmarshalBinary(msg.Payload))
	is.Equal(reg.Vehicle, "daf.truck")
	is.Equal(seq.NumClients(), 4)
}

func TestLongSayIsTruncated(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 4})
	a := connect(t, seq, "alice", protocol.AuthNone)
	b := connect(t, seq, "bob", protocol.AuthNone)

	seq.Say(strings.Repeat("é", protocol.MaxPayloadSize), protocol.ToAll, sequencer.SayServer)

	for _, p := range []*peer{a, b} {
		msg := p.expect(protocol.MsgChat)
		is.True(len(msg.Payload) <= protocol.MaxPayloadSize)
		is.True(strings.HasSuffix(string(msg.Payload), "é"))
	}
	is.Equal(seq.NumClients(), 2)

	is.NoErr(seq.Kick(b.uid, strings.Repeat("z", protocol.MaxPayloadSize)))
	notice := b.expectFrom(protocol.MsgDelete, protocol.ServerSource)
	is.Equal(len(notice.Payload), protocol.MaxPayloadSize)
	b.expectClosed()

	// the kick announcement reaches alice without costing her the session
	msg := a.expect(protocol.MsgChat)
	is.Equal(len(msg.Payload), protocol.MaxPayloadSize)
	is.Equal(seq.NumClients(), 1)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	is := is.New(t)

	script := newRecordingScript()
	seq := sequencer.NewSequencer(sequencer.Config{MaxClients: 4}, messaging.NewCodec(nil, 0, time.Second), nil)
	seq.SetScriptHost(script)
	is.NoErr(seq.Start())
	t.Cleanup(seq.Shutdown)

	a := connect(t, seq, "a", protocol.AuthNone)
	b := connect(t, seq, "b", protocol.AuthNone)

	seq.Disconnect(a.uid, "first")
	seq.Disconnect(a.uid, "second")

	deletes := b.collect(protocol.MsgDelete, 300*time.Millisecond)
	is.Equal(len(deletes), 1)
	is.Equal(deletes[0].Source, a.uid)

	a.expectClosed()

	is.Equal(<-script.deleted, deletion{uid: a.uid, crashed: true})
	select {
	case d := <-script.deleted:
		t.Fatalf("second teardown: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}

	_, ok := seq.Client(a.uid)
	is.True(!ok)
	is.Equal(seq.NumClients(), 1)
}

func TestVoluntaryDelete(t *testing.T) {
	is := is.New(t)

	script := newRecordingScript()
	seq := sequencer.NewSequencer(sequencer.Config{MaxClients: 4}, messaging.NewCodec(nil, 0, time.Second), nil)
	seq.SetScriptHost(script)
	is.NoErr(seq.Start())
	t.Cleanup(seq.Shutdown)

	a := connect(t, seq, "leaver", protocol.AuthNone)
	b := connect(t, seq, "stayer", protocol.AuthNone)
	is.Equal(<-script.added, a.uid)
	is.Equal(<-script.added, b.uid)

	a.send(protocol.MsgDelete, nil)

	chat := b.expect(protocol.MsgChat)
	is.Equal(chat.Source, protocol.ServerSource)
	is.Equal(protocol.Text(chat.Payload), "SERVER: user leaver disconnects on request")

	is.Equal(b.expect(protocol.MsgDelete).Source, a.uid)
	is.Equal(<-script.deleted, deletion{uid: a.uid, crashed: false})
}

func TestForceIsUnicast(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 4})
	a := connect(t, seq, "a", protocol.AuthNone)
	b := connect(t, seq, "b", protocol.AuthNone)
	c := connect(t, seq, "c", protocol.AuthNone)

	force := protocol.NetForce{TargetUID: uint32(b.uid), NodeID: 3, Force: protocol.Vector3{Y: 10}}
	payload, err := force.MarshalBinary()
	is.NoErr(err)
	a.send(protocol.MsgForce, payload)

	msg := b.expect(protocol.MsgForce)
	is.Equal(msg.Source, a.uid)

	is.Equal(len(c.collect(protocol.MsgForce, 100*time.Millisecond)), 0)
	is.Equal(len(a.collect(protocol.MsgForce, 100*time.Millisecond)), 0)
}

func TestRconLockout(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 2, RconPasswordHash: sha1Hex("letmein")})
	a := connect(t, seq, "a", protocol.AuthNone)

	for i := 0; i < 3; i++ {
		a.send(protocol.MsgRconLogin, []byte(sha1Hex("guess")))
		a.expect(protocol.MsgRconLoginFailed)
	}

	// the right secret no longer helps
	a.send(protocol.MsgRconLogin, []byte(sha1Hex("letmein")))
	a.expect(protocol.MsgRconLoginNotAvailable)

	a.send(protocol.MsgRconCommand, []byte("kick 0"))
	a.expect(protocol.MsgRconCommandFailed)
	is.Equal(seq.NumClients(), 1)
}

func TestRconDisabled(t *testing.T) {
	seq := newTestSequencer(t, sequencer.Config{MaxClients: 2})
	a := connect(t, seq, "a", protocol.AuthNone)

	a.send(protocol.MsgRconLogin, []byte(sha1Hex("")))
	a.expect(protocol.MsgRconLoginNotAvailable)
}

func TestRconKick(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 4, RconPasswordHash: sha1Hex("letmein")})
	a := connect(t, seq, "admin", protocol.AuthNone)
	b := connect(t, seq, "bystander", protocol.AuthNone)
	c := connect(t, seq, "troll", protocol.AuthNone)

	a.send(protocol.MsgRconLogin, []byte(strings.ToUpper(sha1Hex("letmein"))))
	a.expect(protocol.MsgRconLoginSuccess)

	// logging in again is not a failure
	a.send(protocol.MsgRconLogin, []byte("whatever"))
	a.expect(protocol.MsgRconLoginSuccess)

	info, ok := seq.Client(c.uid)
	is.True(ok)

	a.send(protocol.MsgRconCommand, []byte(fmt.Sprintf("kick %d", info.Slot)))
	reply := a.expect(protocol.MsgRconCommandSuccess)
	is.Equal(protocol.Text(reply.Payload), "kicked troll")

	is.Equal(b.expect(protocol.MsgDelete).Source, c.uid)

	notice := c.expect(protocol.MsgDelete)
	is.Equal(notice.Source, protocol.ServerSource)
	is.True(strings.HasPrefix(protocol.Text(notice.Payload), "you were kicked"))
	c.expectClosed()

	// replies go to the issuer only
	is.Equal(len(b.collect(protocol.MsgRconCommandSuccess, 100*time.Millisecond)), 0)

	a.send(protocol.MsgRconCommand, []byte(fmt.Sprintf("kick %d", 99)))
	a.expect(protocol.MsgRconCommandFailed)
}

func TestRconCommandRequiresLogin(t *testing.T) {
	is := is.New(t)

	seq := newTestSequencer(t, sequencer.Config{MaxClients: 2, RconPasswordHash: sha1Hex("x")})
	a := connect(t, seq, "a", protocol.AuthNone)
	connect(t, seq, "b", protocol.AuthNone)

	a.send(protocol.MsgRconCommand, []byte("kick 1"))
	a.expect(protocol.MsgRconCommandFailed)
	is.Equal(seq.NumClients(), 2)
}

func TestShutdownDisconnectsEveryone(t *testing.T) {
	is := is.New(t)

	seq := sequencer.NewSequencer(sequencer.Config{MaxClients: 4}, messaging.NewCodec(nil, 0, time.Second), nil)
	is.NoErr(seq.Start())
	is.True(errors.Is(seq.Start(), sequencer.ErrAlreadyStarted))

	a := connect(t, seq, "a", protocol.AuthNone)
	b := connect(t, seq, "b", protocol.AuthNone)

	seq.Shutdown()
	is.Equal(seq.State(), sequencer.Terminated)
	is.Equal(seq.NumClients(), 0)

	for _, p := range []*peer{a, b} {
		notice := p.expectFrom(protocol.MsgDelete, protocol.ServerSource)
		is.Equal(protocol.Text(notice.Payload), "server is shutting down")
		p.expectClosed()
	}

	_, err := tryConnect(t, seq, "late", protocol.AuthNone)
	is.True(errors.Is(err, sequencer.ErrNotRunning))
}
