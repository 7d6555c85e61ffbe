package shared

import (
	"strings"
)

// CommandPrefix marks a chat line as a command instead of a message.
const CommandPrefix = "!"

type CommandKind uint8

const (
	Message    CommandKind = iota // plain chat line
	Disconnect                    // !disconnect
	Kill                          // !kill <secret>
	Change                        // !change <name>
	Unknown                       // anything else starting with "!"
)

func (k CommandKind) String() string {
	switch k {
	case Message:
		return "message"
	case Disconnect:
		return "disconnect"
	case Kill:
		return "kill"
	case Change:
		return "change"
	default:
		return "unknown"
	}
}

// Command is one parsed line typed by a chat user.
type Command struct {
	Kind CommandKind
	Arg  string // secret for Kill, new name for Change, the whole line for Message
}

// ParseCommand classifies a line. Trailing whitespace and the line ending are ignored.
func ParseCommand(line string) Command {
	line = strings.TrimRight(line, " \t\r\n")
	if !strings.HasPrefix(line, CommandPrefix) {
		return Command{Kind: Message, Arg: line}
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(line, CommandPrefix), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "disconnect":
		if arg == "" {
			return Command{Kind: Disconnect}
		}
	case "kill":
		return Command{Kind: Kill, Arg: arg}
	case "change":
		if arg != "" {
			return Command{Kind: Change, Arg: arg}
		}
	}
	return Command{Kind: Unknown, Arg: line}
}

// RenameLine is the wire form of a rename request, sent as a command message.
func RenameLine(name string) string {
	return CommandPrefix + "change " + name
}

// ReservedName reports whether a user name would impersonate the relay itself.
func ReservedName(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), "server")
}
