package oob

import (
	"sort"
	"strconv"
	"time"

	"github.com/crystal-mush/gochatter/pkg/telnet"
)

// MSSP subnegotiation type bytes
const (
	MSSPVar byte = 1 // Variable name follows
	MSSPVal byte = 2 // Variable value follows
)

// Status is the server information advertised over MSSP.
type Status struct {
	Name     string
	Players  int
	Started  time.Time
	Port     int
	Codebase string
}

// Vars returns the MSSP variables for the status.
func (s Status) Vars() map[string]string {
	return map[string]string{
		"NAME":     s.Name,
		"PLAYERS":  strconv.Itoa(s.Players),
		"UPTIME":   strconv.FormatInt(s.Started.Unix(), 10),
		"PORT":     strconv.Itoa(s.Port),
		"CODEBASE": s.Codebase,
	}
}

// EncodeMSSP builds an MSSP telnet subnegotiation sequence from key-value pairs.
// Format: IAC SB 70 VAR "key" VAL "value" ... IAC SE
// Keys are written in sorted order.
func EncodeMSSP(data map[string]string) []byte {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload []byte
	for _, k := range keys {
		payload = append(payload, MSSPVar)
		payload = append(payload, k...)
		payload = append(payload, MSSPVal)
		payload = append(payload, data[k]...)
	}
	return telnet.AppendSub(nil, telnet.OptMSSP, payload)
}
