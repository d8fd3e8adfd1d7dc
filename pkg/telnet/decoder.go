package telnet

import "iter"

type decodeState int

const (
	stNormal decodeState = iota
	stIAC
	stOption
	stSB
	stSubData
	stSubIAC
	stDiscard
	stDiscardIAC
)

// Decoder converts a raw inbound byte stream into Events. It keeps its
// parse state between calls, so escape sequences may be split across reads.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	st   decodeState
	cmd  byte
	opt  byte
	sub  []byte
	data []byte

	ready     []Event
	pending   []byte
	malformed int
}

// NewDecoder returns a decoder in the normal data state.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Malformed returns the number of protocol errors discarded so far.
func (d *Decoder) Malformed() int {
	return d.malformed
}

// Decode returns a single-use iterator over the events contained in p.
// Events are produced lazily. If the consumer stops early, whatever was not
// yet delivered is kept and delivered first by the next call, so no input is
// lost. Plain data is never held back across calls.
func (d *Decoder) Decode(p []byte) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		input := p
		if len(d.pending) > 0 {
			input = append(d.pending, p...)
			d.pending = nil
		}
		if !d.drain(yield) {
			d.pending = append([]byte(nil), input...)
			return
		}
		for i := 0; i < len(input); i++ {
			d.step(input[i])
			if len(d.ready) > 0 && !d.drain(yield) {
				d.pending = append([]byte(nil), input[i+1:]...)
				return
			}
		}
		d.flushData()
		d.drain(yield)
	}
}

// Close returns the events still buffered followed by PeerClosed.
// A sequence left incomplete by the peer counts as malformed.
func (d *Decoder) Close() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for ev := range d.Decode(nil) {
			if !yield(ev) {
				return
			}
		}
		if d.st != stNormal {
			d.malformed++
			d.st = stNormal
			d.sub = nil
		}
		yield(Event{Kind: PeerClosed})
	}
}

// Feed decodes p eagerly and returns all resulting events.
func (d *Decoder) Feed(p []byte) []Event {
	var out []Event
	for ev := range d.Decode(p) {
		out = append(out, ev)
	}
	return out
}

func (d *Decoder) drain(yield func(Event) bool) bool {
	for len(d.ready) > 0 {
		ev := d.ready[0]
		d.ready = d.ready[1:]
		if !yield(ev) {
			return false
		}
	}
	d.ready = nil
	return true
}

func (d *Decoder) flushData() {
	if len(d.data) == 0 {
		return
	}
	d.ready = append(d.ready, Data(d.data))
	d.data = nil
}

func (d *Decoder) emit(ev Event) {
	d.flushData()
	d.ready = append(d.ready, ev)
}

func (d *Decoder) step(b byte) {
	switch d.st {
	case stNormal:
		if b == IAC {
			d.st = stIAC
			return
		}
		d.data = append(d.data, b)

	case stIAC:
		d.st = stNormal
		switch {
		case b == IAC:
			d.data = append(d.data, IAC)
		case b == WILL || b == WONT || b == DO || b == DONT:
			d.cmd = b
			d.st = stOption
		case b == SB:
			d.st = stSB
		case b == SE:
			// SE without a matching SB
			d.malformed++
		case IsCommand(b):
			d.emit(Event{Kind: Command, Request: b})
		default:
			d.malformed++
		}

	case stOption:
		d.st = stNormal
		d.emit(Request(d.cmd, b))

	case stSB:
		d.opt = b
		d.sub = nil
		d.st = stSubData

	case stSubData:
		if b == IAC {
			d.st = stSubIAC
			return
		}
		d.appendSub(b)

	case stSubIAC:
		switch b {
		case SE:
			d.st = stNormal
			payload := d.sub
			d.sub = nil
			d.emit(Sub(d.opt, payload))
		case IAC:
			d.st = stSubData
			d.appendSub(IAC)
		default:
			// Truncated subnegotiation: drop it and treat b as the
			// command that follows IAC.
			d.malformed++
			d.sub = nil
			d.st = stIAC
			d.step(b)
		}

	case stDiscard:
		if b == IAC {
			d.st = stDiscardIAC
		}

	case stDiscardIAC:
		if b == SE {
			d.st = stNormal
		} else {
			d.st = stDiscard
		}
	}
}

func (d *Decoder) appendSub(b byte) {
	if len(d.sub) >= MaxSubnegotiation {
		d.malformed++
		d.sub = nil
		d.st = stDiscard
		return
	}
	d.sub = append(d.sub, b)
}
