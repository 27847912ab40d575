package sequencer

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blukai/rorrelay/internal/debug"
	"github.com/blukai/rorrelay/internal/protocol"
)

// BroadcastMode selects who receives a chat line. script hooks return it.
type BroadcastMode int

const (
	// BroadcastAuto lets the relay decide (staff only for "!" lines,
	// everybody else otherwise).
	BroadcastAuto BroadcastMode = iota - 1
	// BroadcastAll includes the sender.
	BroadcastAll
	BroadcastNormal
	// BroadcastAuthed reaches admins, moderators and bots only.
	BroadcastAuthed
	BroadcastBlock
)

// ScriptHost receives lifecycle and chat events. hooks are never called with
// the table lock held and may call back into the Sequencer.
type ScriptHost interface {
	PlayerAdded(uid int32)
	PlayerDeleted(uid int32, crashed bool)
	PlayerChat(uid int32, text string) BroadcastMode
}

type nopScript struct{}

func (nopScript) PlayerAdded(int32)                      {}
func (nopScript) PlayerDeleted(int32, bool)              {}
func (nopScript) PlayerChat(int32, string) BroadcastMode { return BroadcastAuto }

// QueueMessage dispatches one inbound frame of uid.
func (s *Sequencer) QueueMessage(uid int32, msgType protocol.MessageType, streamID uint32, payload []byte) {
	switch msgType {
	case protocol.MsgChat:
		s.handleChat(uid, payload)
		return
	case protocol.MsgPrivateChat:
		s.handlePrivateChat(uid, payload)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.mustSlotLocked(uid)
	if sl.status != Used {
		return
	}

	switch msgType {
	case protocol.MsgUseVehicle:
		reg := protocol.VehicleRegistration{}
		err := reg.UnmarshalBinary(payload)
		debug.Assert(err == nil)

		reg.Nickname = sl.nickname
		payload, err = reg.MarshalBinary()
		debug.Assert(err == nil)
		if len(payload) > protocol.MaxPayloadSize {
			s.logger.Warn().
				Int32("uid", uid).
				Int("size", len(payload)).
				Msg("vehicle registration too large, ignoring")
			return
		}
		sl.vehicle = reg.Vehicle

		s.logger.Info().
			Int32("uid", uid).
			Str("vehicle", sl.vehicle).
			Msg("vehicle registered")
		s.publishLocked(sl, msgType, streamID, payload, BroadcastNormal)

	case protocol.MsgDelete:
		req := killRequest{uid: uid}
		if len(payload) == 0 {
			req.reason = "disconnected on request"
			s.sayLocked(fmt.Sprintf("user %s disconnects on request", sl.nickname), protocol.ToAll, SayServer)
		} else {
			req.reason = "crashed"
			req.crashed = true
			s.sayLocked(fmt.Sprintf("user %s crashed", sl.nickname), protocol.ToAll, SayServer)
		}
		s.disconnect(req)

	case protocol.MsgRconLogin:
		s.rconLoginLocked(sl, payload)

	case protocol.MsgRconCommand:
		s.rconCommandLocked(sl, payload)

	case protocol.MsgVehicleData:
		state := protocol.VehicleState{}
		if err := state.UnmarshalBinary(payload); err == nil {
			sl.position = state.Position
		} else {
			s.logger.Debug().
				Int32("uid", uid).
				Msgf("could not read vehicle position: %v", err)
		}
		s.publishLocked(sl, msgType, streamID, payload, BroadcastNormal)

	case protocol.MsgForce:
		force := protocol.NetForce{}
		if err := force.UnmarshalBinary(payload); err != nil {
			s.logger.Debug().
				Int32("uid", uid).
				Msgf("invalid force: %v", err)
			return
		}
		target, ok := s.usedSlotLocked(int32(force.TargetUID))
		if ok && target.flow {
			target.broadcaster.QueueMessage(msgType, uid, streamID, payload)
		}

	default:
		s.logger.Debug().
			Int32("uid", uid).
			Str("type", msgType.String()).
			Int("size", len(payload)).
			Msg("ignoring frame")
	}
}

// publishLocked fans a frame of sender out to every other used and flowing
// slot selected by mode.
func (s *Sequencer) publishLocked(sender *slot, msgType protocol.MessageType, streamID uint32, payload []byte, mode BroadcastMode) {
	if mode == BroadcastBlock {
		return
	}

	for _, sl := range s.slots {
		if sl.status != Used || !sl.flow {
			continue
		}
		if sl == sender && mode != BroadcastAll {
			continue
		}
		if mode == BroadcastAuthed && !sl.auth.IsStaff() {
			continue
		}
		sl.broadcaster.QueueMessage(msgType, sender.uid, streamID, payload)
	}
}

func (s *Sequencer) replyLocked(sl *slot, msgType protocol.MessageType, text string) {
	sl.broadcaster.QueueMessage(msgType, protocol.ServerSource, 0, protocol.TextPayload(text))
}

func (s *Sequencer) rconLoginLocked(sl *slot, payload []byte) {
	if sl.rconAuthed {
		s.replyLocked(sl, protocol.MsgRconLoginSuccess, "")
		return
	}
	if s.cfg.RconPasswordHash == "" || sl.rconRetries >= maxRconRetries {
		s.replyLocked(sl, protocol.MsgRconLoginNotAvailable, "")
		return
	}

	supplied := strings.ToLower(protocol.Text(payload))
	expected := strings.ToLower(s.cfg.RconPasswordHash)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) == 1 {
		sl.rconAuthed = true
		sl.rconRetries = 0
		s.logger.Info().
			Int32("uid", sl.uid).
			Str("nick", sl.nickname).
			Msg("rcon login succeeded")
		s.replyLocked(sl, protocol.MsgRconLoginSuccess, "")
		return
	}

	sl.rconRetries++
	s.logger.Warn().
		Int32("uid", sl.uid).
		Str("nick", sl.nickname).
		Int("retries", sl.rconRetries).
		Msg("rcon login failed")
	s.replyLocked(sl, protocol.MsgRconLoginFailed, "")
}

func (s *Sequencer) rconCommandLocked(sl *slot, payload []byte) {
	command := protocol.Text(payload)

	if !sl.rconAuthed {
		s.logger.Warn().
			Int32("uid", sl.uid).
			Str("command", command).
			Msg("rcon command without login")
		s.replyLocked(sl, protocol.MsgRconCommandFailed, "not logged in")
		return
	}

	s.logger.Warn().
		Int32("uid", sl.uid).
		Str("nick", sl.nickname).
		Str("command", command).
		Msg("rcon command")

	result, err := s.runRconLocked(sl, command)
	if err != nil {
		s.replyLocked(sl, protocol.MsgRconCommandFailed, err.Error())
		return
	}
	s.replyLocked(sl, protocol.MsgRconCommandSuccess, result)
}

func (s *Sequencer) slotByIndexLocked(arg string) (*slot, error) {
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 0 || idx >= len(s.slots) {
		return nil, fmt.Errorf("invalid slot %q", arg)
	}
	sl := s.slots[idx]
	if sl.status != Used {
		return nil, fmt.Errorf("slot %d is not in use", idx)
	}
	return sl, nil
}

func (s *Sequencer) runRconLocked(sender *slot, command string) (string, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(command), " ")
	rest = strings.TrimSpace(rest)
	by := "rcon " + sender.nickname

	switch name {
	case "kick":
		arg, reason, _ := strings.Cut(rest, " ")
		target, err := s.slotByIndexLocked(arg)
		if err != nil {
			return "", err
		}
		if reason == "" {
			reason = "kicked by remote console"
		}
		s.kickLocked(target, reason, by)
		return fmt.Sprintf("kicked %s", target.nickname), nil

	case "ban":
		arg, reason, _ := strings.Cut(rest, " ")
		target, err := s.slotByIndexLocked(arg)
		if err != nil {
			return "", err
		}
		if reason == "" {
			reason = "banned by remote console"
		}
		s.banLocked(target, reason, by)
		return fmt.Sprintf("banned %s", target.nickname), nil

	case "unban":
		uid, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid uid %q", rest)
		}
		if !s.unbanLocked(int32(uid)) {
			return "", ErrUnknownClient
		}
		return fmt.Sprintf("unbanned %d", uid), nil

	case "say":
		if rest == "" {
			return "", fmt.Errorf("nothing to say")
		}
		s.sayLocked(rest, protocol.ToAll, SayHostGeneral)
		return "said", nil

	case "gamecmd":
		arg, gameCommand, _ := strings.Cut(rest, " ")
		uid, err := strconv.ParseInt(arg, 10, 32)
		if err != nil || gameCommand == "" {
			return "", fmt.Errorf("usage: gamecmd <uid> <command>")
		}
		if err := s.sendGameCommandLocked(int32(uid), gameCommand); err != nil {
			return "", err
		}
		return "sent", nil

	case "list":
		return strings.Join(s.listLocked(), "\n"), nil
	}

	return "", fmt.Errorf("unknown command %q", name)
}

func (s *Sequencer) handleChat(uid int32, payload []byte) {
	text := protocol.Text(payload)

	s.mu.Lock()
	sl := s.mustSlotLocked(uid)
	if sl.status != Used {
		s.mu.Unlock()
		return
	}
	nickname := sl.nickname
	auth := sl.auth
	spam := sl.spam
	s.mu.Unlock()

	s.logger.Info().
		Int32("uid", uid).
		Str("nick", nickname).
		Msgf("chat: %s", text)

	if ok, remaining := spam.Check(time.Now()); !ok {
		s.Say(fmt.Sprintf("you are muted for %s for spamming", remaining.Round(time.Second)), uid, SayServer)
		return
	}

	command := strings.HasPrefix(text, "!")
	if command && s.runChatCommand(uid, nickname, auth, text) {
		return
	}

	mode := s.script.PlayerChat(uid, text)
	if mode == BroadcastAuto {
		mode = BroadcastNormal
		if command {
			mode = BroadcastAuthed
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl = s.mustSlotLocked(uid)
	if sl.status != Used {
		return
	}
	s.publishLocked(sl, protocol.MsgChat, 0, payload, mode)
}

func (s *Sequencer) handlePrivateChat(uid int32, payload []byte) {
	msg := protocol.PrivateChat{}
	if err := msg.UnmarshalBinary(payload); err != nil {
		s.logger.Debug().
			Int32("uid", uid).
			Msgf("invalid private chat: %v", err)
		return
	}

	s.mu.Lock()
	sl := s.mustSlotLocked(uid)
	if sl.status != Used {
		s.mu.Unlock()
		return
	}
	spam := sl.spam
	s.mu.Unlock()

	if ok, remaining := spam.Check(time.Now()); !ok {
		s.Say(fmt.Sprintf("you are muted for %s for spamming", remaining.Round(time.Second)), uid, SayServer)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl = s.mustSlotLocked(uid)
	target, ok := s.usedSlotLocked(int32(msg.TargetUID))
	if sl.status != Used || !ok || !target.flow {
		return
	}
	s.logger.Info().
		Int32("uid", uid).
		Int32("to", target.uid).
		Msgf("private chat: %s", msg.Text)
	target.broadcaster.QueueMessage(protocol.MsgChat, uid, 0, []byte(msg.Text))
}
