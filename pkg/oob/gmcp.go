package oob

import (
	"encoding/json"
	"fmt"

	"github.com/crystal-mush/gochatter/pkg/events"
	"github.com/crystal-mush/gochatter/pkg/telnet"
)

// GMCPPackage maps event types to GMCP package names.
func GMCPPackage(evType events.EventType) string {
	switch evType {
	case events.EvSay, events.EvEmote:
		return "Comm.Room.Text"
	case events.EvWhisper:
		return "Comm.Private.Text"
	case events.EvRoom:
		return "Room.Info"
	case events.EvArrive:
		return "Room.AddPlayer"
	case events.EvDepart:
		return "Room.RemovePlayer"
	case events.EvConnect:
		return "Char.Login"
	case events.EvDisconnect:
		return "Char.Logout"
	case events.EvWho:
		return "Char.Players"
	default:
		return ""
	}
}

// EncodeGMCP encodes an event as a GMCP telnet subnegotiation sequence.
// Format: IAC SB 201 <package> <space> <json> IAC SE
// Returns nil if the event has no GMCP mapping or no structured data.
func EncodeGMCP(ev events.Event) []byte {
	pkg := GMCPPackage(ev.Type)
	if pkg == "" || ev.Data == nil {
		return nil
	}
	return encodeGMCP(pkg, ev.Data)
}

func encodeGMCP(pkg string, data any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	payload := fmt.Sprintf("%s %s", pkg, jsonData)
	return telnet.AppendSub(nil, telnet.OptGMCP, []byte(payload))
}

// ParseGMCPMessage parses an incoming GMCP message from client subnegotiation.
// The data is the raw bytes between SB 201 and IAC SE.
// Returns package name and JSON data.
func ParseGMCPMessage(data []byte) (pkg string, jsonData []byte) {
	// Find first space separator
	for i, b := range data {
		if b == ' ' {
			return string(data[:i]), data[i+1:]
		}
	}
	return string(data), nil
}
