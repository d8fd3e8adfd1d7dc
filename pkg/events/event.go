package events

import "time"

// EventType classifies events for rendering and out-of-band encoding.
type EventType int

const (
	EvText       EventType = iota // Raw text (universal fallback)
	EvSay                         // Speech
	EvEmote                       // Pose/emote
	EvWhisper                     // Private message
	EvRoom                        // Room description
	EvArrive                      // Someone entered a room
	EvDepart                      // Someone left a room
	EvConnect                     // Identity became active
	EvDisconnect                  // Identity left the world
	EvWho                         // WHO listing
	EvSystem                      // Server notices
	EvReject                      // Command rejected, addressed to the issuer
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EvText:
		return "text"
	case EvSay:
		return "say"
	case EvEmote:
		return "emote"
	case EvWhisper:
		return "whisper"
	case EvRoom:
		return "room"
	case EvArrive:
		return "arrive"
	case EvDepart:
		return "depart"
	case EvConnect:
		return "connect"
	case EvDisconnect:
		return "disconnect"
	case EvWho:
		return "who"
	case EvSystem:
		return "system"
	case EvReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ScopeKind selects the audience of an event.
type ScopeKind int

const (
	ScopeRoom     ScopeKind = iota // Occupants of one room
	ScopeIdentity                  // One identity's session
	ScopeGlobal                    // Every active session
)

// Scope names an audience. ID is the room or identity id and is empty for
// the global scope.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// Global is the scope every active session subscribes to.
var Global = Scope{Kind: ScopeGlobal}

// Room returns the scope for a room's occupants.
func Room(id string) Scope { return Scope{Kind: ScopeRoom, ID: id} }

// Identity returns the scope addressing a single identity.
func Identity(id string) Scope { return Scope{Kind: ScopeIdentity, ID: id} }

func (s Scope) String() string {
	switch s.Kind {
	case ScopeRoom:
		return "room:" + s.ID
	case ScopeIdentity:
		return "identity:" + s.ID
	default:
		return "global"
	}
}

// Event is an immutable notification produced by a state change. Renderers
// personalize it per recipient, e.g. "You say" when the viewer is Actor.
type Event struct {
	Seq       uint64 // Assigned by the fabric on publish
	Type      EventType
	Scope     Scope
	Actor     string // Identity id of the originator
	ActorName string
	Room      string // Room context
	Target    string // Recipient name for whispers
	Text      string
	Data      map[string]any // Structured data for OOB clients
	Time      time.Time
}
