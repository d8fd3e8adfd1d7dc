// Package telnet implements the byte-level telnet protocol used by chatter
// sessions: a restartable decoder that turns raw input into protocol events,
// an encoder for outbound data and commands, and a per-connection option
// negotiation state machine.
package telnet

import "fmt"

// Telnet command bytes (RFC 854).
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Subnegotiation Begin
	GA   byte = 249
	EL   byte = 248
	EC   byte = 247
	AYT  byte = 246
	AO   byte = 245
	IP   byte = 244
	BRK  byte = 243
	DM   byte = 242
	NOP  byte = 241
	SE   byte = 240 // Subnegotiation End
	EOR  byte = 239
)

// Telnet options understood by the negotiator.
const (
	OptBinary byte = 0
	OptEcho   byte = 1
	OptSGA    byte = 3 // Suppress Go Ahead
	OptStatus byte = 5
	OptTType  byte = 24 // Terminal type (RFC 1091)
	OptNAWS   byte = 31 // Window size (RFC 1073)
	OptMSSP   byte = 70
	OptGMCP   byte = 201
)

// Terminal type subnegotiation verbs.
const (
	TTypeIS   byte = 0
	TTypeSEND byte = 1
)

// MaxSubnegotiation bounds the payload a single subnegotiation may carry.
const MaxSubnegotiation = 4096

// Kind classifies decoded protocol events.
type Kind int

const (
	PlainData      Kind = iota // Ordinary text bytes
	OptionRequest              // WILL/WONT/DO/DONT <option>
	Subnegotiation             // IAC SB <option> <payload> IAC SE
	Command                    // Bare IAC <command>, e.g. NOP or AYT
	PeerClosed                 // The peer closed the byte stream
)

// String returns a human-readable name for the event kind.
func (k Kind) String() string {
	switch k {
	case PlainData:
		return "data"
	case OptionRequest:
		return "option"
	case Subnegotiation:
		return "subneg"
	case Command:
		return "command"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one unit of decoded telnet input. Only the fields relevant to
// Kind are set: Data for PlainData, Request and Option for OptionRequest,
// Option and Payload for Subnegotiation, Request for Command.
type Event struct {
	Kind    Kind
	Data    []byte
	Request byte // WILL, WONT, DO, DONT, or the bare command byte
	Option  byte
	Payload []byte
}

// Data returns a PlainData event.
func Data(p []byte) Event { return Event{Kind: PlainData, Data: p} }

// Request returns an OptionRequest event (cmd is WILL, WONT, DO or DONT).
func Request(cmd, opt byte) Event { return Event{Kind: OptionRequest, Request: cmd, Option: opt} }

// Sub returns a Subnegotiation event.
func Sub(opt byte, payload []byte) Event {
	return Event{Kind: Subnegotiation, Option: opt, Payload: payload}
}

func (e Event) String() string {
	switch e.Kind {
	case PlainData:
		return fmt.Sprintf("data(%q)", e.Data)
	case OptionRequest:
		return fmt.Sprintf("%s %s", CommandName(e.Request), OptionName(e.Option))
	case Subnegotiation:
		return fmt.Sprintf("SB %s %q", OptionName(e.Option), e.Payload)
	case Command:
		return CommandName(e.Request)
	default:
		return e.Kind.String()
	}
}

// IsCommand reports whether b is a telnet command that may follow IAC.
func IsCommand(b byte) bool {
	return b >= EOR
}

// CommandName returns the mnemonic for a command byte.
func CommandName(b byte) string {
	switch b {
	case IAC:
		return "IAC"
	case DONT:
		return "DONT"
	case DO:
		return "DO"
	case WONT:
		return "WONT"
	case WILL:
		return "WILL"
	case SB:
		return "SB"
	case GA:
		return "GA"
	case EL:
		return "EL"
	case EC:
		return "EC"
	case AYT:
		return "AYT"
	case AO:
		return "AO"
	case IP:
		return "IP"
	case BRK:
		return "BRK"
	case DM:
		return "DM"
	case NOP:
		return "NOP"
	case SE:
		return "SE"
	case EOR:
		return "EOR"
	default:
		return fmt.Sprintf("CMD(%d)", b)
	}
}

// OptionName returns the mnemonic for an option code.
func OptionName(b byte) string {
	switch b {
	case OptBinary:
		return "BINARY"
	case OptEcho:
		return "ECHO"
	case OptSGA:
		return "SGA"
	case OptStatus:
		return "STATUS"
	case OptTType:
		return "TTYPE"
	case OptNAWS:
		return "NAWS"
	case OptMSSP:
		return "MSSP"
	case OptGMCP:
		return "GMCP"
	default:
		return fmt.Sprintf("OPT(%d)", b)
	}
}
