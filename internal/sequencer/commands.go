package sequencer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/blukai/rorrelay/internal/protocol"
)

type chatCommand struct {
	usage string
	staff bool
	run   func(s *Sequencer, sender *slot, args string) error
}

var chatCommands map[string]chatCommand

func init() {
	chatCommands = map[string]chatCommand{
		"!help":    {usage: "!help", run: (*Sequencer).chatHelpLocked},
		"!version": {usage: "!version", run: (*Sequencer).chatVersionLocked},
		"!list":    {usage: "!list", run: (*Sequencer).chatListLocked},
		"!bans":    {usage: "!bans", run: (*Sequencer).chatBansLocked},
		"!motd":    {usage: "!motd", run: (*Sequencer).chatMOTDLocked},
		"!kick":    {usage: "!kick <uid> [reason]", staff: true, run: (*Sequencer).chatKickLocked},
		"!ban":     {usage: "!ban <uid> [reason]", staff: true, run: (*Sequencer).chatBanLocked},
		"!unban":   {usage: "!unban <uid>", staff: true, run: (*Sequencer).chatUnbanLocked},
		"!say":     {usage: "!say <uid|-1> <text>", staff: true, run: (*Sequencer).chatSayLocked},
	}
}

// runChatCommand executes a built-in "!" command. it reports false for lines
// that are not built-in commands; those are relayed like any other chat.
func (s *Sequencer) runChatCommand(uid int32, nickname string, auth protocol.AuthFlags, text string) bool {
	name, args, _ := strings.Cut(text, " ")
	cmd, ok := chatCommands[name]
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.usedSlotLocked(uid)
	if !ok {
		return true
	}

	if cmd.staff && !auth.Has(protocol.AuthAdmin) && !auth.Has(protocol.AuthMod) {
		s.sayLocked("you are not allowed to use "+name, uid, SayServer)
		return true
	}

	if err := cmd.run(s, sender, strings.TrimSpace(args)); err != nil {
		s.sayLocked(fmt.Sprintf("%s: %v (usage: %s)", name, err, cmd.usage), uid, SayServer)
	}

	s.logger.Info().
		Int32("uid", uid).
		Str("nick", nickname).
		Msgf("chat command: %s", text)
	return true
}

func (s *Sequencer) chatHelpLocked(sender *slot, _ string) error {
	staff := sender.auth.Has(protocol.AuthAdmin) || sender.auth.Has(protocol.AuthMod)
	usages := []string{}
	for _, cmd := range chatCommands {
		if cmd.staff && !staff {
			continue
		}
		usages = append(usages, cmd.usage)
	}
	sort.Strings(usages)
	s.sayLocked("commands: "+strings.Join(usages, ", "), sender.uid, SayServer)
	return nil
}

func (s *Sequencer) chatVersionLocked(sender *slot, _ string) error {
	s.sayLocked(fmt.Sprintf("rorrelay, protocol %s", protocol.Version), sender.uid, SayServer)
	return nil
}

func (s *Sequencer) chatListLocked(sender *slot, _ string) error {
	for _, line := range s.listLocked() {
		s.sayLocked(line, sender.uid, SayServer)
	}
	return nil
}

func (s *Sequencer) chatBansLocked(sender *slot, _ string) error {
	if len(s.bans) == 0 {
		s.sayLocked("there are no bans", sender.uid, SayServer)
		return nil
	}
	for _, ban := range s.bans {
		s.sayLocked(fmt.Sprintf("uid %d %s (%s) by %s: %s", ban.UID, ban.Nickname, ban.IP, ban.By, ban.Reason), sender.uid, SayServer)
	}
	return nil
}

func (s *Sequencer) chatMOTDLocked(sender *slot, _ string) error {
	for _, line := range s.cfg.MOTD {
		s.sayLocked(line, sender.uid, SayMOTD)
	}
	return nil
}

func (s *Sequencer) targetLocked(arg string) (*slot, error) {
	uid, err := strconv.ParseInt(arg, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid %q", arg)
	}
	target, ok := s.usedSlotLocked(int32(uid))
	if !ok {
		return nil, ErrUnknownClient
	}
	return target, nil
}

func (s *Sequencer) chatKickLocked(sender *slot, args string) error {
	arg, reason, _ := strings.Cut(args, " ")
	target, err := s.targetLocked(arg)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "no reason given"
	}
	s.kickLocked(target, reason, sender.nickname)
	return nil
}

func (s *Sequencer) chatBanLocked(sender *slot, args string) error {
	arg, reason, _ := strings.Cut(args, " ")
	target, err := s.targetLocked(arg)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "no reason given"
	}
	s.banLocked(target, reason, sender.nickname)
	return nil
}

func (s *Sequencer) chatUnbanLocked(sender *slot, args string) error {
	uid, err := strconv.ParseInt(args, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid uid %q", args)
	}
	if !s.unbanLocked(int32(uid)) {
		return fmt.Errorf("uid %d is not banned", uid)
	}
	s.sayLocked(fmt.Sprintf("uid %d was unbanned", uid), sender.uid, SayServer)
	return nil
}

func (s *Sequencer) chatSayLocked(_ *slot, args string) error {
	arg, text, _ := strings.Cut(args, " ")
	uid, err := strconv.ParseInt(arg, 10, 32)
	if err != nil || text == "" {
		return fmt.Errorf("invalid arguments")
	}
	kind := SayHostGeneral
	if int32(uid) != protocol.ToAll {
		kind = SayHostPrivate
	}
	s.sayLocked(text, int32(uid), kind)
	return nil
}
