// Package oob implements out-of-band protocol support for MUD clients.
// It supports GMCP (Generic MUD Communication Protocol) for sending
// structured data alongside normal text output, and MSSP (MUD Server
// Status Protocol) for crawlers that ask about the server.
package oob

import (
	"encoding/json"
	"strings"
)

// Capabilities tracks which OOB protocols a connection has negotiated.
type Capabilities struct {
	GMCP bool // GMCP (telopt 201) negotiated
	MSSP bool // MSSP (telopt 70) negotiated

	// Client identification from Core.Hello
	Client        string
	ClientVersion string

	// GMCP package subscriptions from the client
	GMCPPackages map[string]bool
}

// NewCapabilities returns a zero-value Capabilities (nothing negotiated).
func NewCapabilities() *Capabilities {
	return &Capabilities{
		GMCPPackages: make(map[string]bool),
	}
}

// Wants reports whether a GMCP package should be sent. Clients that never
// sent Core.Supports get everything.
func (c *Capabilities) Wants(pkg string) bool {
	if !c.GMCP {
		return false
	}
	if len(c.GMCPPackages) == 0 {
		return true
	}
	module, _, _ := strings.Cut(pkg, ".")
	return c.GMCPPackages[strings.ToLower(module)]
}

// HandleGMCP applies an inbound GMCP message to the capabilities.
// Unknown packages are ignored.
func (c *Capabilities) HandleGMCP(payload []byte) {
	pkg, data := ParseGMCPMessage(payload)
	switch strings.ToLower(pkg) {
	case "core.hello":
		var hello struct {
			Client  string `json:"client"`
			Version string `json:"version"`
		}
		if json.Unmarshal(data, &hello) == nil {
			c.Client, c.ClientVersion = hello.Client, hello.Version
		}
	case "core.supports.set":
		c.GMCPPackages = make(map[string]bool)
		c.addSupports(data)
	case "core.supports.add":
		c.addSupports(data)
	case "core.supports.remove":
		var mods []string
		if json.Unmarshal(data, &mods) == nil {
			for _, m := range mods {
				name, _, _ := strings.Cut(m, " ")
				delete(c.GMCPPackages, strings.ToLower(name))
			}
		}
	}
}

// addSupports parses entries like "Room 1" or "Comm.Room 1".
func (c *Capabilities) addSupports(data []byte) {
	var mods []string
	if json.Unmarshal(data, &mods) != nil {
		return
	}
	for _, m := range mods {
		name, _, _ := strings.Cut(m, " ")
		module, _, _ := strings.Cut(name, ".")
		c.GMCPPackages[strings.ToLower(module)] = true
	}
}
