package telnet

// AppendData appends p to dst, doubling every IAC byte.
func AppendData(dst, p []byte) []byte {
	for _, b := range p {
		if b == IAC {
			dst = append(dst, IAC, IAC)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// AppendRequest appends IAC <cmd> <opt>.
func AppendRequest(dst []byte, cmd, opt byte) []byte {
	return append(dst, IAC, cmd, opt)
}

// AppendCommand appends a bare IAC <cmd>.
func AppendCommand(dst []byte, cmd byte) []byte {
	return append(dst, IAC, cmd)
}

// AppendSub appends IAC SB <opt> <payload> IAC SE with the payload escaped.
func AppendSub(dst []byte, opt byte, payload []byte) []byte {
	dst = append(dst, IAC, SB, opt)
	dst = AppendData(dst, payload)
	return append(dst, IAC, SE)
}

// Append appends the wire form of ev to dst. PeerClosed has no wire form.
func Append(dst []byte, ev Event) []byte {
	switch ev.Kind {
	case PlainData:
		return AppendData(dst, ev.Data)
	case OptionRequest:
		return AppendRequest(dst, ev.Request, ev.Option)
	case Subnegotiation:
		return AppendSub(dst, ev.Option, ev.Payload)
	case Command:
		return AppendCommand(dst, ev.Request)
	default:
		return dst
	}
}

// Encode returns the wire form of the given events.
func Encode(evs ...Event) []byte {
	var buf []byte
	for _, ev := range evs {
		buf = Append(buf, ev)
	}
	return buf
}
