// Package control implements the line protocol spoken between the
// supervisor and a renderer-side plugin over a loopback TCP connection.
//
// Every message is one UTF-8 line. Outbound commands are "Name" or
// "Name:payload". Inbound lines are classified by prefix:
//
//	SUCCESS: <message>   terminal success with a message
//	SUCCESS              terminal success
//	CANCELED             terminal failure, render canceled
//	ERROR: <message>     terminal failure
//	STDOUT: <text>       renderer output, logged
//	WARN: <text>         renderer warning, logged
//	TOKEN:<value>        handshake token
//
// Prefixes are case-sensitive and checked in the order above.
package control

import "strings"

// MessageKind classifies an inbound line.
type MessageKind int

const (
	MessageOther MessageKind = iota
	MessageSuccess
	MessageSuccessNoMessage
	MessageCanceled
	MessageError
	MessageStdout
	MessageWarn
	MessageToken
)

// String returns a human-readable name for the kind.
func (k MessageKind) String() string {
	switch k {
	case MessageOther:
		return "other"
	case MessageSuccess:
		return "success"
	case MessageSuccessNoMessage:
		return "success_no_message"
	case MessageCanceled:
		return "canceled"
	case MessageError:
		return "error"
	case MessageStdout:
		return "stdout"
	case MessageWarn:
		return "warn"
	case MessageToken:
		return "token"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the kind ends a poll.
func (k MessageKind) IsTerminal() bool {
	switch k {
	case MessageSuccess, MessageSuccessNoMessage, MessageCanceled, MessageError:
		return true
	}
	return false
}

// Message is one parsed inbound line. It is consumed immediately.
type Message struct {
	Kind MessageKind

	// Text is the payload after the prefix, or the whole line for
	// MessageOther.
	Text string
}

var prefixes = []struct {
	prefix string
	kind   MessageKind
}{
	{"SUCCESS: ", MessageSuccess},
	{"SUCCESS", MessageSuccessNoMessage},
	{"CANCELED", MessageCanceled},
	{"ERROR: ", MessageError},
	{"STDOUT: ", MessageStdout},
	{"WARN: ", MessageWarn},
	{"TOKEN:", MessageToken},
}

// ParseMessage classifies a line by prefix.
func ParseMessage(line string) Message {
	for _, p := range prefixes {
		if strings.HasPrefix(line, p.prefix) {
			return Message{Kind: p.kind, Text: line[len(p.prefix):]}
		}
	}
	return Message{Kind: MessageOther, Text: line}
}

// Command formats an outbound command line.
func Command(name string, payload ...string) string {
	if len(payload) == 0 {
		return name
	}
	return name + ":" + strings.Join(payload, ";")
}
