package session

import "strings"

// ParseConnect parses a login-screen command into (command, user, password).
// Handles: "connect name password", "create name password", "WHO", "QUIT".
func ParseConnect(msg string) (command, user, password string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", "", ""
	}

	parts := strings.SplitN(msg, " ", 2)
	command = strings.ToLower(parts[0])
	if len(parts) < 2 {
		return command, "", ""
	}

	rest := strings.TrimSpace(parts[1])
	if rest == "" {
		return command, "", ""
	}

	// Quoted names
	if rest[0] == '"' {
		end := strings.Index(rest[1:], "\"")
		if end >= 0 {
			user = rest[1 : end+1]
			password = strings.TrimSpace(rest[end+2:])
			return
		}
	}

	parts = strings.SplitN(rest, " ", 2)
	user = parts[0]
	if len(parts) > 1 {
		password = strings.TrimSpace(parts[1])
	}
	return
}

// WelcomeText is the connect screen used when no connect.txt is installed.
const WelcomeText = `
   ____       ____ _           _   _
  / ___| ___ / ___| |__   __ _| |_| |_ ___ _ __
 | |  _ / _ \ |   | '_ \ / _' | __| __/ _ \ '__|
 | |_| | (_) | |___| | | | (_| | |_| ||  __/ |
  \____|\___/ \____|_| |_|\__,_|\__|\__\___|_|

"connect <name> <password>" to connect to your existing character.
"create <name> <password>" to create a new character.
Leave the password off to be asked for it without it showing.
"WHO" to see who is connected.
"QUIT" to disconnect.
`
