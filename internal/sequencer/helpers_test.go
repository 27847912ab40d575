package sequencer_test

import (
	"crypto/sha1"
	"encoding/hex"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/blukai/rorrelay/internal/sequencer"
)

const waitTimeout = 2 * time.Second

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestSequencer(t *testing.T, cfg sequencer.Config) *sequencer.Sequencer {
	t.Helper()

	seq := sequencer.NewSequencer(cfg, messaging.NewCodec(nil, 0, time.Second), nil)
	if err := seq.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(seq.Shutdown)
	return seq
}

// peer is the client side of a session created directly in the table.
type peer struct {
	t      *testing.T
	uid    int32
	conn   net.Conn
	codec  *messaging.Codec
	frames chan protocol.Message
}

func connect(t *testing.T, seq *sequencer.Sequencer, nickname string, auth protocol.AuthFlags) *peer {
	t.Helper()

	p, err := tryConnect(t, seq, nickname, auth)
	if err != nil {
		t.Fatalf("could not connect %s: %v", nickname, err)
	}
	p.expect(protocol.MsgWelcome)
	return p
}

func tryConnect(t *testing.T, seq *sequencer.Sequencer, nickname string, auth protocol.AuthFlags) (*peer, error) {
	server, client := net.Pipe()

	uid, err := seq.CreateClient(server, sequencer.Identity{Nickname: nickname, UniqueID: "id-" + nickname, Auth: auth})
	if err != nil {
		server.Close()
		client.Close()
		return nil, err
	}

	p := &peer{
		t:      t,
		uid:    uid,
		conn:   client,
		codec:  messaging.NewCodec(nil, 0, time.Second),
		frames: make(chan protocol.Message, 1024),
	}
	go func() {
		defer close(p.frames)
		for {
			msg, err := p.codec.Receive(client, protocol.MaxPayloadSize)
			if err != nil {
				return
			}
			p.frames <- msg
		}
	}()
	t.Cleanup(func() { client.Close() })

	return p, nil
}

func (p *peer) send(msgType protocol.MessageType, payload []byte) {
	p.t.Helper()
	if err := p.codec.Send(p.conn, msgType, p.uid, 0, payload); err != nil {
		p.t.Fatalf("could not send %s: %v", msgType, err)
	}
}

// expect skips frames until one of msgType arrives.
func (p *peer) expect(msgType protocol.MessageType) protocol.Message {
	p.t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-p.frames:
			if !ok {
				p.t.Fatalf("uid %d: connection closed while waiting for %s", p.uid, msgType)
			}
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			p.t.Fatalf("uid %d: timed out waiting for %s", p.uid, msgType)
		}
	}
}

// expectFrom skips frames until one of msgType from source arrives.
func (p *peer) expectFrom(msgType protocol.MessageType, source int32) protocol.Message {
	p.t.Helper()

	for {
		msg := p.expect(msgType)
		if msg.Source == source {
			return msg
		}
	}
}

// collect returns every frame of msgType that arrives within d.
func (p *peer) collect(msgType protocol.MessageType, d time.Duration) []protocol.Message {
	msgs := []protocol.Message{}
	deadline := time.After(d)
	for {
		select {
		case msg, ok := <-p.frames:
			if !ok {
				return msgs
			}
			if msg.Type == msgType {
				msgs = append(msgs, msg)
			}
		case <-deadline:
			return msgs
		}
	}
}

// expectClosed waits until the relay closes the connection.
func (p *peer) expectClosed() {
	p.t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-deadline:
			p.t.Fatalf("uid %d: connection was not closed", p.uid)
		}
	}
}

type deletion struct {
	uid     int32
	crashed bool
}

type recordingScript struct {
	mu      sync.Mutex
	added   chan int32
	deleted chan deletion
	chat    func(uid int32, text string) sequencer.BroadcastMode
}

func newRecordingScript() *recordingScript {
	return &recordingScript{
		added:   make(chan int32, 64),
		deleted: make(chan deletion, 64),
	}
}

func (s *recordingScript) PlayerAdded(uid int32) {
	s.added <- uid
}

func (s *recordingScript) PlayerDeleted(uid int32, crashed bool) {
	s.deleted <- deletion{uid: uid, crashed: crashed}
}

func (s *recordingScript) PlayerChat(uid int32, text string) sequencer.BroadcastMode {
	s.mu.Lock()
	chat := s.chat
	s.mu.Unlock()
	if chat == nil {
		return sequencer.BroadcastAuto
	}
	return chat(uid, text)
}

func (s *recordingScript) setChat(chat func(uid int32, text string) sequencer.BroadcastMode) {
	s.mu.Lock()
	s.chat = chat
	s.mu.Unlock()
}
