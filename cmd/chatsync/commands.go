package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdResend
	cmdRegenerate
	cmdRefresh
	cmdHistory
	cmdHelp
	cmdQuit
)

// command is one parsed line of chat input.
type command struct {
	kind      commandKind
	index     int
	text      string
	confirmed bool
}

const helpText = `Commands:
  <text>                   send a message
  /resend N [--yes] text   replace message N; --yes discards later messages
  /regenerate N            ask again for agent message N
  /refresh                 fetch new events now
  /history                 print the whole conversation
  /quit                    leave`

var errUsage = errors.New("unknown command, type /help")

// parseLine turns a line of input into a command. Lines not starting with a
// slash are messages.
func parseLine(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSend, text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "quit", "exit", "q":
		return command{kind: cmdQuit}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "refresh":
		return command{kind: cmdRefresh}, nil
	case "history":
		return command{kind: cmdHistory}, nil
	case "regenerate", "regen":
		index, _, err := parseIndex(rest)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdRegenerate, index: index}, nil
	case "resend":
		index, text, err := parseIndex(rest)
		if err != nil {
			return command{}, err
		}
		cmd := command{kind: cmdResend, index: index}
		if after, ok := strings.CutPrefix(text, "--yes"); ok && (after == "" || after[0] == ' ') {
			cmd.confirmed = true
			text = strings.TrimSpace(after)
		}
		if text == "" {
			return command{}, errors.New("usage: /resend N [--yes] text")
		}
		cmd.text = text
		return cmd, nil
	default:
		return command{}, errUsage
	}
}

func parseIndex(s string) (int, string, error) {
	head, tail, _ := strings.Cut(s, " ")
	index, err := strconv.Atoi(head)
	if err != nil || index < 0 {
		return 0, "", fmt.Errorf("expected a message number, got %q", head)
	}
	return index, strings.TrimSpace(tail), nil
}
