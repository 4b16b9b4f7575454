package frame

// Command is the closed STOMP command vocabulary.
type Command uint8

const (
	CommandInvalid Command = iota

	// client -> server
	Connect
	Send
	Subscribe
	Unsubscribe
	Begin
	Commit
	Ack
	Abort
	Disconnect

	// server -> client
	Connected
	Message
	Receipt
	Error
)

// Direction selects the vocabulary a decoder accepts.
type Direction uint8

const (
	ClientToServer Direction = iota + 1
	ServerToClient
)

var commandNames = [...]string{
	CommandInvalid: "",
	Connect:        "CONNECT",
	Send:           "SEND",
	Subscribe:      "SUBSCRIBE",
	Unsubscribe:    "UNSUBSCRIBE",
	Begin:          "BEGIN",
	Commit:         "COMMIT",
	Ack:            "ACK",
	Abort:          "ABORT",
	Disconnect:     "DISCONNECT",
	Connected:      "CONNECTED",
	Message:        "MESSAGE",
	Receipt:        "RECEIPT",
	Error:          "ERROR",
}

var (
	clientCommands = []Command{Connect, Send, Subscribe, Unsubscribe, Begin, Commit, Ack, Abort, Disconnect}
	serverCommands = []Command{Connected, Message, Receipt, Error}
)

// ClientCommands returns the client -> server vocabulary.
func ClientCommands() []Command {
	return append([]Command(nil), clientCommands...)
}

// ServerCommands returns the server -> client vocabulary.
func ServerCommands() []Command {
	return append([]Command(nil), serverCommands...)
}

// Lookup resolves a command line against the vocabulary of dir.
func Lookup(dir Direction, name string) (Command, bool) {
	var set []Command
	switch dir {
	case ClientToServer:
		set = clientCommands
	case ServerToClient:
		set = serverCommands
	default:
		return CommandInvalid, false
	}
	for _, c := range set {
		if commandNames[c] == name {
			return c, true
		}
	}
	return CommandInvalid, false
}

// Direction reports which side sends c.
func (c Command) Direction() Direction {
	switch {
	case c >= Connect && c <= Disconnect:
		return ClientToServer
	case c >= Connected && c <= Error:
		return ServerToClient
	default:
		return 0
	}
}

// Valid reports whether c is part of the vocabulary.
func (c Command) Valid() bool {
	return c.Direction() != 0
}

func (c Command) String() string {
	if int(c) >= len(commandNames) {
		return ""
	}
	return commandNames[c]
}

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}
