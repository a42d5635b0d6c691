package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matt0x6f/cascade-relay/internal/state"
)

var (
	// ErrUnknownChannel is returned for input aimed at a channel id this
	// network does not have.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrMissingArgument is returned when a command needs a target.
	ErrMissingArgument = errors.New("missing argument")
)

// Input runs a line typed by a user into the channel with the given id.
// Lines starting with / are commands; anything else is sent as a message.
func (s *Session) Input(channelID int64, text string) error {
	var err error
	if !s.call(func() {
		err = s.input(channelID, text)
		if err != nil {
			s.store.AppendMessageID(channelID, state.Message{Type: state.MessageError, Text: err.Error()})
		}
	}) {
		return ErrClosed
	}
	return err
}

func (s *Session) input(channelID int64, text string) error {
	ch, ok := s.store.ChannelByID(channelID)
	if !ok {
		return ErrUnknownChannel
	}
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return nil
	}

	if !strings.HasPrefix(text, "/") || strings.HasPrefix(text, "//") {
		return s.say(ch, strings.TrimPrefix(text, "/"), false)
	}

	command, rest, _ := strings.Cut(text[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch strings.ToLower(command) {
	case "who":
		target := firstOr(args, ch)
		if target == "" {
			return ErrMissingArgument
		}
		s.userWho[s.store.Fold(target)] = true
		s.throttle.Who(target)
		return nil
	case "whois":
		if len(args) == 0 {
			if ch.Kind != state.KindQuery {
				return ErrMissingArgument
			}
			args = []string{ch.Name}
		}
		s.throttle.Whois(args[0])
		return nil
	case "whowas":
		if len(args) == 0 {
			return ErrMissingArgument
		}
		s.throttle.Whowas(args[0])
		return nil
	case "join", "j":
		if len(args) == 0 {
			return ErrMissingArgument
		}
		return s.join(args[0], strings.Join(args[1:], " "))
	case "part", "leave", "close":
		return s.part(ch, args, rest)
	case "away":
		s.cfg.AwayMessage = rest
		if rest == "" {
			return s.send("AWAY")
		}
		return s.send("AWAY :" + rest)
	case "back":
		s.cfg.AwayMessage = ""
		return s.send("AWAY")
	case "connect":
		s.setClosing(false)
		s.open()
		return nil
	case "disconnect":
		s.setClosing(true)
		s.close(rest)
		return nil
	case "quote", "raw":
		if rest == "" {
			return ErrMissingArgument
		}
		return s.send(rest)
	case "me":
		return s.say(ch, rest, true)
	case "msg", "query":
		if len(args) == 0 {
			return ErrMissingArgument
		}
		target := args[0]
		if _, ok := s.store.Channel(target); !ok && !s.store.IsChannelName(target) {
			s.store.CreateChannel(target, state.KindQuery, "", true)
		}
		message := strings.TrimSpace(strings.TrimPrefix(rest, target))
		if message == "" {
			return nil
		}
		to, _ := s.store.Channel(target)
		if to.Name == "" {
			to = state.ChannelView{Name: target, Kind: state.KindChannel}
		}
		return s.say(to, message, false)
	default:
		line := strings.ToUpper(command)
		if rest != "" {
			line += " " + rest
		}
		return s.send(line)
	}
}

// firstOr returns the first argument, or the channel name when the input
// was typed into a channel or query.
func firstOr(args []string, ch state.ChannelView) string {
	if len(args) > 0 {
		return args[0]
	}
	if ch.Kind == state.KindSpecial {
		return ""
	}
	return ch.Name
}

func (s *Session) join(name, key string) error {
	if !s.store.IsChannelName(name) {
		name = "#" + name
	}
	if _, created := s.store.CreateChannel(name, state.KindChannel, key, true); !created && key != "" {
		s.store.SetKey(name, key)
	}
	if key != "" {
		return s.send("JOIN " + name + " " + key)
	}
	return s.send("JOIN " + name)
}

func (s *Session) part(ch state.ChannelView, args []string, rest string) error {
	target := ch
	reason := rest
	if len(args) > 0 && s.store.IsChannelName(args[0]) {
		found, ok := s.store.Channel(args[0])
		if !ok {
			return ErrUnknownChannel
		}
		target = found
		reason = strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
	}

	switch target.Kind {
	case state.KindSpecial:
		return ErrMissingArgument
	case state.KindQuery:
		s.store.RemoveChannel(target.Name)
		return nil
	}
	if target.State != state.StateJoined || s.transport == nil {
		s.store.RemoveChannel(target.Name)
		return nil
	}
	if reason != "" {
		return s.send("PART " + target.Name + " :" + reason)
	}
	return s.send("PART " + target.Name)
}

// say sends a message into a channel or query and echoes it locally unless
// the server echoes our messages back.
func (s *Session) say(ch state.ChannelView, text string, action bool) error {
	if ch.Kind == state.KindSpecial {
		return fmt.Errorf("cannot send messages to %s", ch.Name)
	}
	if text == "" {
		return nil
	}
	body := text
	typ := state.MessageText
	if action {
		body = "\x01ACTION " + text + "\x01"
		typ = state.MessageAction
	}
	if err := s.send("PRIVMSG " + ch.Name + " :" + body); err != nil {
		return err
	}
	if !s.caps["echo-message"] {
		s.store.AppendMessage(ch.Name, state.Message{Type: typ, From: s.store.Nick(), Self: true, Text: text})
	}
	return nil
}
