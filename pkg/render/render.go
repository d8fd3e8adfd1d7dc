// Package render turns events into terminal text for one viewer. Color
// depth follows the negotiated terminal type and lines are wrapped to the
// negotiated window width.
package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"

	"github.com/crystal-mush/gochatter/pkg/events"
)

// Viewer describes the recipient of rendered output.
type Viewer struct {
	ID           string // identity id, empty before login
	TerminalType string
	Width        int
}

type styles struct {
	name    lipgloss.Style
	title   lipgloss.Style
	exits   lipgloss.Style
	speech  lipgloss.Style
	whisper lipgloss.Style
	system  lipgloss.Style
	errText lipgloss.Style
	header  lipgloss.Style
}

func newStyles(p termenv.Profile) *styles {
	r := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(p))
	r.SetColorProfile(p)
	return &styles{
		name:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		exits:   r.NewStyle().Foreground(lipgloss.Color("10")),
		speech:  r.NewStyle().Foreground(lipgloss.Color("15")),
		whisper: r.NewStyle().Foreground(lipgloss.Color("13")),
		system:  r.NewStyle().Foreground(lipgloss.Color("12")),
		errText: r.NewStyle().Foreground(lipgloss.Color("9")),
		header:  r.NewStyle().Underline(true),
	}
}

// Renderer renders events. It is safe for concurrent use.
type Renderer struct {
	mu    sync.Mutex
	cache map[termenv.Profile]*styles
}

// New returns a renderer.
func New() *Renderer {
	return &Renderer{cache: make(map[termenv.Profile]*styles)}
}

func (r *Renderer) styles(p termenv.Profile) *styles {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.cache[p]
	if !ok {
		s = newStyles(p)
		r.cache[p] = s
	}
	return s
}

// Profile maps a telnet terminal type to a color profile. Unknown
// terminals get plain text.
func Profile(ttype string) termenv.Profile {
	t := strings.ToLower(ttype)
	switch {
	case strings.Contains(t, "truecolor"), strings.Contains(t, "24bit"), strings.Contains(t, "direct"):
		return termenv.TrueColor
	case strings.Contains(t, "256"), t == "mudlet", t == "mushclient":
		return termenv.ANSI256
	case t == "ansi", strings.HasPrefix(t, "xterm"), strings.HasPrefix(t, "screen"),
		strings.HasPrefix(t, "tmux"), t == "linux", t == "rxvt", t == "cmud", t == "zmud", strings.HasPrefix(t, "tintin"):
		return termenv.ANSI
	default:
		return termenv.Ascii
	}
}

// Sanitize removes escape sequences and other control characters from
// text supplied by users.
func Sanitize(s string) string {
	s = ansi.Strip(strings.ToValidUTF8(s, ""))
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// Render returns the text of ev as seen by v, or "" when v should see
// nothing. Lines are separated by "\n".
func (r *Renderer) Render(ev events.Event, v Viewer) string {
	s := r.styles(Profile(v.TerminalType))
	self := v.ID != "" && ev.Actor == v.ID
	name := s.name.Render(Sanitize(ev.ActorName))
	text := Sanitize(ev.Text)

	var out string
	switch ev.Type {
	case events.EvSay:
		if self {
			out = fmt.Sprintf("You say, %s", s.speech.Render(quote(text)))
		} else {
			out = fmt.Sprintf("%s says, %s", name, s.speech.Render(quote(text)))
		}
	case events.EvEmote:
		sep := " "
		if strings.HasPrefix(text, "'") || strings.HasPrefix(text, ",") {
			sep = ""
		}
		out = name + sep + text
	case events.EvWhisper:
		if self {
			out = fmt.Sprintf("You whisper to %s, %s", s.name.Render(Sanitize(ev.Target)), s.whisper.Render(quote(text)))
		} else {
			out = fmt.Sprintf("%s whispers, %s", name, s.whisper.Render(quote(text)))
		}
	case events.EvRoom:
		out = r.room(ev, v, s)
	case events.EvArrive:
		if !self {
			out = fmt.Sprintf("%s arrives.", name)
		}
	case events.EvDepart:
		if !self {
			if text != "" {
				out = fmt.Sprintf("%s leaves %s.", name, text)
			} else {
				out = fmt.Sprintf("%s leaves.", name)
			}
		}
	case events.EvConnect:
		if !self {
			out = s.system.Render(fmt.Sprintf("%s has connected.", Sanitize(ev.ActorName)))
		}
	case events.EvDisconnect:
		if !self {
			out = s.system.Render(fmt.Sprintf("%s has disconnected.", Sanitize(ev.ActorName)))
		}
	case events.EvWho:
		out = r.who(ev, s)
	case events.EvSystem:
		out = s.system.Render(text)
	case events.EvReject:
		out = s.errText.Render(text)
	default:
		out = ev.Text
	}
	return wrap(out, v.Width)
}

func quote(s string) string {
	return "\"" + s + "\""
}

func wrap(s string, width int) string {
	if s == "" || width <= 0 {
		return s
	}
	return ansi.Wordwrap(s, width, "")
}

func (r *Renderer) room(ev events.Event, v Viewer, s *styles) string {
	var b strings.Builder
	name, _ := ev.Data["name"].(string)
	b.WriteString(s.title.Render(Sanitize(name)))
	if desc := Sanitize(ev.Text); desc != "" {
		b.WriteString("\n")
		b.WriteString(wrap(desc, v.Width))
	}

	players, _ := ev.Data["players"].([]string)
	ids, _ := ev.Data["ids"].([]string)
	var others []string
	for i, p := range players {
		if i < len(ids) && ids[i] == v.ID {
			continue
		}
		others = append(others, s.name.Render(Sanitize(p)))
	}
	if len(others) > 0 {
		b.WriteString("\nAlso here: ")
		b.WriteString(strings.Join(others, ", "))
	}

	dirs, _ := ev.Data["dirs"].([]string)
	if len(dirs) > 0 {
		b.WriteString("\n")
		b.WriteString(s.exits.Render("Exits: " + strings.Join(dirs, " ")))
	} else {
		b.WriteString("\n")
		b.WriteString(s.exits.Render("There are no obvious exits."))
	}
	return b.String()
}

// WhoEntry is one line of a WHO listing.
type WhoEntry struct {
	Name   string
	Title  string
	Room   string
	Online string
	Idle   string
}

func (r *Renderer) who(ev events.Event, s *styles) string {
	entries, _ := ev.Data["entries"].([]WhoEntry)
	var b strings.Builder
	b.WriteString(s.header.Render(fmt.Sprintf("%-20s %-20s %8s %6s", "Name", "Location", "On For", "Idle")))
	for _, e := range entries {
		display := Sanitize(e.Name)
		if e.Title != "" {
			display += " " + Sanitize(e.Title)
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%-20s %-20s %8s %6s", ansi.Truncate(display, 20, ""), ansi.Truncate(e.Room, 20, ""), e.Online, e.Idle))
	}
	n := len(entries)
	noun := "people"
	if n == 1 {
		noun = "person"
	}
	b.WriteString(fmt.Sprintf("\n%d %s connected.", n, noun))
	return b.String()
}
