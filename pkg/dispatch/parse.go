package dispatch

import (
	"strings"

	"github.com/buildkite/shellwords"
)

// Verb is a built-in command. Content verbs registered at runtime are
// VerbCustom and carry their name in Command.Name.
type Verb int

const (
	VerbLook Verb = iota
	VerbSay
	VerbEmote
	VerbWhisper
	VerbGo
	VerbQuit
	VerbWho
	VerbHelp
	VerbTitle
	VerbPrefix
	VerbPassword
	VerbCustom
)

func (v Verb) String() string {
	switch v {
	case VerbLook:
		return "look"
	case VerbSay:
		return "say"
	case VerbEmote:
		return "emote"
	case VerbWhisper:
		return "whisper"
	case VerbGo:
		return "go"
	case VerbQuit:
		return "quit"
	case VerbWho:
		return "who"
	case VerbHelp:
		return "help"
	case VerbTitle:
		return "title"
	case VerbPrefix:
		return "prefix"
	case VerbPassword:
		return "password"
	default:
		return "custom"
	}
}

// Command is one parsed input line. Session and Actor are filled in by
// the caller before submission.
type Command struct {
	Session int
	Actor   string
	Verb    Verb
	Name    string   // verb as typed, lowercased
	Text    string   // everything after the verb, trimmed
	Args    []string // Text split into words, honoring quotes
	Raw     string
}

var verbs = map[string]Verb{
	"look":      VerbLook,
	"l":         VerbLook,
	"say":       VerbSay,
	"pose":      VerbEmote,
	"emote":     VerbEmote,
	"me":        VerbEmote,
	"whisper":   VerbWhisper,
	"page":      VerbWhisper,
	"go":        VerbGo,
	"move":      VerbGo,
	"quit":      VerbQuit,
	"logout":    VerbQuit,
	"who":       VerbWho,
	"help":      VerbHelp,
	"title":     VerbTitle,
	"prefix":    VerbPrefix,
	"password":  VerbPassword,
	"@password": VerbPassword,
}

var directions = map[string]string{
	"n": "north", "north": "north",
	"s": "south", "south": "south",
	"e": "east", "east": "east",
	"w": "west", "west": "west",
	"ne": "northeast", "northeast": "northeast",
	"nw": "northwest", "northwest": "northwest",
	"se": "southeast", "southeast": "southeast",
	"sw": "southwest", "southwest": "southwest",
	"u": "up", "up": "up",
	"d": "down", "down": "down",
	"in": "in", "out": "out",
}

// Direction returns the canonical direction for a name or abbreviation.
func Direction(s string) (string, bool) {
	d, ok := directions[strings.ToLower(s)]
	return d, ok
}

// Parse turns an input line into a Command. It reports false for blank
// lines. Unknown verbs parse as VerbCustom; whether they exist is decided
// at dispatch time.
func Parse(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, false
	}
	cmd := Command{Raw: line}

	switch line[0] {
	case '"', '\'', '.':
		cmd.Verb, cmd.Name = VerbSay, "say"
		cmd.Text = strings.TrimSpace(line[1:])
		return cmd, true
	case ':':
		cmd.Verb, cmd.Name = VerbEmote, "emote"
		cmd.Text = strings.TrimSpace(line[1:])
		return cmd, true
	case ';':
		// ;'s hat falls off => possessive pose with no space
		cmd.Verb, cmd.Name = VerbEmote, "emote"
		cmd.Text = line[1:]
		return cmd, true
	case '>':
		cmd.Verb, cmd.Name = VerbWhisper, "whisper"
		cmd.Text = strings.TrimSpace(line[1:])
		cmd.Args = splitArgs(cmd.Text)
		return cmd, true
	}

	name, rest, _ := strings.Cut(line, " ")
	cmd.Name = strings.ToLower(name)
	cmd.Text = strings.TrimSpace(rest)
	cmd.Args = splitArgs(cmd.Text)

	if v, ok := verbs[cmd.Name]; ok {
		cmd.Verb = v
		return cmd, true
	}
	if dir, ok := directions[cmd.Name]; ok && cmd.Text == "" {
		cmd.Verb = VerbGo
		cmd.Args = []string{dir}
		return cmd, true
	}
	cmd.Verb = VerbCustom
	return cmd, true
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	parts, err := shellwords.SplitPosix(s)
	if err != nil {
		// unbalanced quotes
		return strings.Fields(s)
	}
	return parts
}
