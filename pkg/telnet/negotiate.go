package telnet

import "strings"

// Defaults used when the peer does not report terminal details.
const (
	DefaultTerminalType = "unknown"
	DefaultWidth        = 80
	DefaultHeight       = 24
)

type sideState uint8

const (
	sideOff sideState = iota
	sideWantOn
	sideOn
	sideWantOff
)

type replyKind uint8

const (
	replyNone replyKind = iota
	replyAgree
	replyRefuse
)

type trigger struct {
	from      sideState
	positive  bool // WILL for the peer side, DO for our side
	supported bool
}

type transition struct {
	next  sideState
	reply replyKind
}

// sideTransitions is the option state machine for one side of one option.
// Requests that confirm the current state are never answered, which keeps
// two conforming endpoints from looping. Missing entries stay off silently.
var sideTransitions = map[trigger]transition{
	{sideOff, true, true}:      {sideOn, replyAgree},
	{sideOff, true, false}:     {sideOff, replyRefuse},
	{sideWantOn, true, true}:   {sideOn, replyNone},
	{sideWantOn, false, true}:  {sideOff, replyNone},
	{sideOn, true, true}:       {sideOn, replyNone},
	{sideOn, false, true}:      {sideOff, replyRefuse},
	{sideWantOff, true, true}:  {sideOff, replyNone},
	{sideWantOff, false, true}: {sideOff, replyNone},
}

type policy struct {
	local     bool // we are willing to perform the option
	remote    bool // we want the peer to perform the option
	onRequest bool // only while we asked for it; an unsolicited DO is refused
}

var supported = map[byte]policy{
	OptEcho:  {local: true, onRequest: true},
	OptSGA:   {local: true},
	OptTType: {remote: true},
	OptNAWS:  {remote: true},
	OptMSSP:  {local: true},
	OptGMCP:  {local: true},
}

// startup lists the requests made when a connection opens.
var startup = []Event{
	Request(WILL, OptSGA),
	Request(DO, OptTType),
	Request(DO, OptNAWS),
	Request(WILL, OptGMCP),
	Request(WILL, OptMSSP),
}

type side struct {
	state   sideState
	refused bool
}

// OptionState is a snapshot of one option. Enabled refers to our side (we
// WILL), PeerEnabled to the peer's side (peer WILL).
type OptionState struct {
	Requested     bool
	Enabled       bool
	PeerRequested bool
	PeerEnabled   bool
	Refused       bool
}

// NegotiationState is the per-connection result of option negotiation.
type NegotiationState struct {
	Options      map[byte]OptionState
	TerminalType string
	Width        int
	Height       int
}

// Change reports an option side switching on or off.
type Change struct {
	Option  byte
	Local   bool
	Enabled bool
}

// Update describes what a received event changed.
type Update struct {
	Changes      []Change
	TerminalType string // non-empty when the peer reported its terminal type
	Resized      bool
	Width        int
	Height       int
	Sub          *Event // subnegotiation for an enabled option the negotiator does not consume
}

// Negotiator tracks option negotiation for one connection. Transitions are
// driven only by Start, Receive, Retry and Abandon; each returns the bytes
// to send as Events. A Negotiator is not safe for concurrent use.
type Negotiator struct {
	local  map[byte]*side
	remote map[byte]*side

	ttype     string
	ttypeSeen bool
	width     int
	height    int
	nawsSeen  bool
	retried   bool
	abandoned bool
}

// NewNegotiator returns a negotiator with every option off.
func NewNegotiator() *Negotiator {
	return &Negotiator{
		local:  make(map[byte]*side),
		remote: make(map[byte]*side),
		width:  DefaultWidth,
		height: DefaultHeight,
	}
}

func (n *Negotiator) sideFor(local bool, opt byte) *side {
	m := n.remote
	if local {
		m = n.local
	}
	s, ok := m[opt]
	if !ok {
		s = &side{}
		m[opt] = s
	}
	return s
}

// Start returns the requests to send when the connection opens.
func (n *Negotiator) Start() []Event {
	out := make([]Event, 0, len(startup))
	for _, req := range startup {
		s := n.sideFor(req.Request == WILL, req.Option)
		if s.state != sideOff {
			continue
		}
		s.state = sideWantOn
		out = append(out, req)
	}
	return out
}

// Receive applies one decoded event and returns the replies to send.
// PlainData and Command events are ignored.
func (n *Negotiator) Receive(ev Event) ([]Event, Update) {
	var up Update
	switch ev.Kind {
	case OptionRequest:
		return n.receiveRequest(ev, &up), up
	case Subnegotiation:
		return n.receiveSub(ev, &up), up
	}
	return nil, up
}

func (n *Negotiator) receiveRequest(ev Event, up *Update) []Event {
	var local, positive bool
	switch ev.Request {
	case WILL:
		positive = true
	case WONT:
	case DO:
		local, positive = true, true
	case DONT:
		local = true
	default:
		return nil
	}

	pol := supported[ev.Option]
	ok := pol.remote
	if local {
		ok = pol.local
	}
	s := n.sideFor(local, ev.Option)
	prev := s.state
	if local && pol.onRequest && prev == sideOff {
		ok = false
	}
	tr, found := sideTransitions[trigger{prev, positive, ok}]
	if !found {
		tr = transition{next: sideOff}
	}
	if prev == sideWantOn && tr.next == sideOff {
		s.refused = true
	}
	s.state = tr.next

	var out []Event
	switch tr.reply {
	case replyAgree:
		out = append(out, Request(agreeVerb(local), ev.Option))
	case replyRefuse:
		out = append(out, Request(refuseVerb(local), ev.Option))
	}

	if (prev == sideOn) != (tr.next == sideOn) {
		up.Changes = append(up.Changes, Change{Option: ev.Option, Local: local, Enabled: tr.next == sideOn})
		if !local && ev.Option == OptTType && tr.next == sideOn {
			out = append(out, Sub(OptTType, []byte{TTypeSEND}))
		}
	}
	return out
}

func agreeVerb(local bool) byte {
	if local {
		return WILL
	}
	return DO
}

func refuseVerb(local bool) byte {
	if local {
		return WONT
	}
	return DONT
}

func (n *Negotiator) receiveSub(ev Event, up *Update) []Event {
	switch ev.Option {
	case OptTType:
		if n.sideFor(false, OptTType).state != sideOn {
			return nil
		}
		if len(ev.Payload) < 1 || ev.Payload[0] != TTypeIS {
			return nil
		}
		name := strings.ToLower(strings.TrimSpace(string(ev.Payload[1:])))
		if name == "" {
			return nil
		}
		n.ttype = name
		n.ttypeSeen = true
		up.TerminalType = name
	case OptNAWS:
		if n.sideFor(false, OptNAWS).state != sideOn || len(ev.Payload) != 4 {
			return nil
		}
		w := int(ev.Payload[0])<<8 | int(ev.Payload[1])
		h := int(ev.Payload[2])<<8 | int(ev.Payload[3])
		// Zero means unknown for that dimension.
		if w > 0 {
			n.width = w
		}
		if h > 0 {
			n.height = h
		}
		n.nawsSeen = true
		up.Resized = true
		up.Width, up.Height = n.width, n.height
	default:
		if n.sideFor(true, ev.Option).state != sideOn {
			return nil
		}
		sub := ev
		up.Sub = &sub
	}
	return nil
}

func (n *Negotiator) ttypeResolved() bool {
	return n.ttypeSeen || n.abandoned || n.sideFor(false, OptTType).state == sideOff
}

func (n *Negotiator) nawsResolved() bool {
	return n.nawsSeen || n.abandoned || n.sideFor(false, OptNAWS).state == sideOff
}

// Resolved reports whether terminal type and window size have each been
// answered, refused, or abandoned.
func (n *Negotiator) Resolved() bool {
	return n.ttypeResolved() && n.nawsResolved()
}

// Retry re-sends the requests still unanswered. It acts at most once per
// connection; later calls return nil.
func (n *Negotiator) Retry() []Event {
	if n.retried {
		return nil
	}
	n.retried = true
	var out []Event
	if !n.ttypeResolved() {
		if n.sideFor(false, OptTType).state == sideOn {
			out = append(out, Sub(OptTType, []byte{TTypeSEND}))
		} else {
			out = append(out, Request(DO, OptTType))
		}
	}
	if !n.nawsResolved() && n.sideFor(false, OptNAWS).state == sideWantOn {
		out = append(out, Request(DO, OptNAWS))
	}
	return out
}

// Retried reports whether Retry has been used.
func (n *Negotiator) Retried() bool {
	return n.retried
}

// Abandon stops waiting for outstanding answers; defaults stay in effect.
func (n *Negotiator) Abandon() {
	n.abandoned = true
}

// Enable asks to start performing opt. It returns the WILL to send, or
// nil when opt is unsupported or already on or requested.
func (n *Negotiator) Enable(opt byte) []Event {
	if !supported[opt].local {
		return nil
	}
	s := n.sideFor(true, opt)
	if s.state == sideOn || s.state == sideWantOn {
		return nil
	}
	s.state = sideWantOn
	s.refused = false
	return []Event{Request(WILL, opt)}
}

// Disable stops performing opt. It returns the WONT to send, or nil when
// opt is already off.
func (n *Negotiator) Disable(opt byte) []Event {
	s := n.sideFor(true, opt)
	if s.state == sideOff || s.state == sideWantOff {
		return nil
	}
	s.state = sideWantOff
	return []Event{Request(WONT, opt)}
}

// Enabled reports whether we perform opt.
func (n *Negotiator) Enabled(opt byte) bool {
	return n.sideFor(true, opt).state == sideOn
}

// PeerEnabled reports whether the peer performs opt.
func (n *Negotiator) PeerEnabled(opt byte) bool {
	return n.sideFor(false, opt).state == sideOn
}

// TerminalType returns the reported terminal type, or DefaultTerminalType.
func (n *Negotiator) TerminalType() string {
	if n.ttype == "" {
		return DefaultTerminalType
	}
	return n.ttype
}

// Size returns the window size in columns and rows.
func (n *Negotiator) Size() (width, height int) {
	return n.width, n.height
}

// State returns a snapshot of the negotiation.
func (n *Negotiator) State() NegotiationState {
	st := NegotiationState{
		Options:      make(map[byte]OptionState),
		TerminalType: n.TerminalType(),
		Width:        n.width,
		Height:       n.height,
	}
	for opt, s := range n.local {
		o := st.Options[opt]
		o.Requested = s.state == sideWantOn
		o.Enabled = s.state == sideOn
		o.Refused = o.Refused || s.refused
		st.Options[opt] = o
	}
	for opt, s := range n.remote {
		o := st.Options[opt]
		o.PeerRequested = s.state == sideWantOn
		o.PeerEnabled = s.state == sideOn
		o.Refused = o.Refused || s.refused
		st.Options[opt] = o
	}
	return st
}
