package telnet

import (
	"bytes"
	"reflect"
	"testing"
)

func TestDecodePlainAndNegotiation(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []Event
	}{
		{"plain", []byte("hello\r\n"), []Event{Data([]byte("hello\r\n"))}},
		{"escaped IAC", []byte{'a', IAC, IAC, 'b'}, []Event{Data([]byte{'a', IAC, 'b'})}},
		{"will ttype", []byte{IAC, WILL, OptTType}, []Event{Request(WILL, OptTType)}},
		{"data around request", []byte{'x', IAC, DO, OptSGA, 'y'}, []Event{
			Data([]byte("x")), Request(DO, OptSGA), Data([]byte("y")),
		}},
		{"ttype is", []byte{IAC, SB, OptTType, TTypeIS, 'a', 'n', 's', 'i', IAC, SE}, []Event{
			Sub(OptTType, []byte{TTypeIS, 'a', 'n', 's', 'i'}),
		}},
		{"escaped IAC in sub", []byte{IAC, SB, OptNAWS, 0, IAC, IAC, 0, 24, IAC, SE}, []Event{
			Sub(OptNAWS, []byte{0, IAC, 0, 24}),
		}},
		{"nop", []byte{IAC, NOP}, []Event{{Kind: Command, Request: NOP}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewDecoder().Feed(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Feed(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeSplitAcrossReads(t *testing.T) {
	d := NewDecoder()
	var got []Event
	got = append(got, d.Feed([]byte{'a', IAC})...)
	got = append(got, d.Feed([]byte{SB, OptTType, TTypeIS, 'x'})...)
	got = append(got, d.Feed([]byte{'t', IAC})...)
	got = append(got, d.Feed([]byte{SE, 'b'})...)

	want := []Event{
		Data([]byte("a")),
		Sub(OptTType, []byte{TTypeIS, 'x', 't'}),
		Data([]byte("b")),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDecodeMalformedIACYieldsText(t *testing.T) {
	d := NewDecoder()
	// IAC followed by a byte that is not a command, then ordinary text.
	in := append([]byte{IAC, 0x05}, []byte("hello")...)
	got := d.Feed(in)
	want := []Event{Data([]byte("hello"))}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if d.Malformed() != 1 {
		t.Errorf("Malformed() = %d, want 1", d.Malformed())
	}
}

func TestDecodeTruncatedSubnegotiation(t *testing.T) {
	d := NewDecoder()
	in := []byte{IAC, SB, OptTType, TTypeIS, 'v', 't', IAC, WILL, OptNAWS, 'o', 'k'}
	got := d.Feed(in)
	want := []Event{Request(WILL, OptNAWS), Data([]byte("ok"))}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if d.Malformed() != 1 {
		t.Errorf("Malformed() = %d, want 1", d.Malformed())
	}
}

func TestDecodeOversizedSubnegotiationDiscarded(t *testing.T) {
	d := NewDecoder()
	in := []byte{IAC, SB, OptGMCP}
	in = append(in, bytes.Repeat([]byte{'z'}, MaxSubnegotiation+10)...)
	in = append(in, IAC, SE, 'h', 'i')
	got := d.Feed(in)
	want := []Event{Data([]byte("hi"))}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDecodeStopEarlyIsRestartable(t *testing.T) {
	d := NewDecoder()
	in := []byte{IAC, WILL, OptTType, IAC, WILL, OptNAWS, 'h', 'i'}
	var first []Event
	for ev := range d.Decode(in) {
		first = append(first, ev)
		break
	}
	if len(first) != 1 || !reflect.DeepEqual(first[0], Request(WILL, OptTType)) {
		t.Fatalf("first = %v", first)
	}
	rest := d.Feed([]byte("!"))
	want := []Event{Request(WILL, OptNAWS), Data([]byte("hi!"))}
	if !reflect.DeepEqual(rest, want) {
		t.Errorf("rest = %v, want %v", rest, want)
	}
}

func TestDecodeClose(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{'a', IAC, SB, OptTType})
	var got []Event
	for ev := range d.Close() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Kind != PeerClosed {
		t.Errorf("got %v, want [closed]", got)
	}
	if d.Malformed() != 1 {
		t.Errorf("Malformed() = %d, want 1", d.Malformed())
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte("plain text\r\n"),
		{IAC, IAC, IAC, IAC},
		{IAC, WILL, OptTType, IAC, DO, OptSGA, IAC, WONT, 99, IAC, DONT, 42},
		{IAC, SB, OptNAWS, 0, 80, 0, 24, IAC, SE},
		{IAC, SB, OptGMCP, IAC, IAC, SE, IAC, SE, 'x'},
		{IAC, SB, OptMSSP, IAC, SE},
		append([]byte("look"), IAC, NOP, '\r', '\n', IAC, GA),
	}
	for _, in := range inputs {
		got := Encode(NewDecoder().Feed(in)...)
		if !bytes.Equal(got, in) {
			t.Errorf("round trip %v = %v", in, got)
		}
	}
}

func TestRoundTripSplitEverywhere(t *testing.T) {
	in := []byte{'a', IAC, IAC, IAC, WILL, OptTType, IAC, SB, OptTType, TTypeIS, 'x', IAC, SE, 'b', IAC, NOP}
	for cut := 0; cut <= len(in); cut++ {
		d := NewDecoder()
		evs := append(d.Feed(in[:cut]), d.Feed(in[cut:])...)
		if got := Encode(evs...); !bytes.Equal(got, in) {
			t.Errorf("cut %d: got %v, want %v", cut, got, in)
		}
	}
}

func TestEncodeEscapes(t *testing.T) {
	got := Encode(Data([]byte{1, IAC, 2}), Sub(OptGMCP, []byte{IAC}))
	want := []byte{1, IAC, IAC, 2, IAC, SB, OptGMCP, IAC, IAC, IAC, SE}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = %v, want %v", got, want)
	}
}
