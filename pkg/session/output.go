package session

import (
	"errors"
	"log"
	"net"
	"strings"
	"time"

	"github.com/crystal-mush/gochatter/pkg/events"
	"github.com/crystal-mush/gochatter/pkg/oob"
	"github.com/crystal-mush/gochatter/pkg/render"
	"github.com/crystal-mush/gochatter/pkg/telnet"
)

const writeTimeout = 5 * time.Second

// frame is one unit of outbound work. Exactly one field is set.
type frame struct {
	ev   *events.Event
	text string
	raw  []byte
}

// enqueue adds f to the outbound queue without blocking.
func (s *Session) enqueue(f frame) bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return false
	}
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

// Send queues a line of server text.
func (s *Session) Send(text string) {
	if !s.enqueue(frame{text: text}) {
		log.Printf("[%d] WARNING: dropped output, queue full or closed", s.ID)
	}
}

func (s *Session) sendRaw(p []byte) {
	if len(p) == 0 {
		return
	}
	if !s.enqueue(frame{raw: p}) {
		log.Printf("[%d] WARNING: dropped telnet output, queue full or closed", s.ID)
	}
}

// deliverLocal renders an event for this session only.
func (s *Session) deliverLocal(ev events.Event) {
	s.enqueue(frame{ev: &ev})
}

// Deliver implements events.Subscriber. It never blocks; false means the
// outbound queue is full.
func (s *Session) Deliver(ev events.Event) bool {
	if s.closing.Load() {
		return true
	}
	return s.enqueue(frame{ev: &ev})
}

// Closed implements events.Subscriber.
func (s *Session) Closed() bool {
	return s.closing.Load()
}

// Fault implements events.Subscriber. A subscriber that cannot keep up is
// torn down.
func (s *Session) Fault(err error) {
	s.faultOnce.Do(func() {
		log.Printf("[%d] ERROR: subscriber fault: %v", s.ID, err)
		if s.cancel != nil {
			s.cancel(err)
		}
	})
}

func (s *Session) writer() {
	defer close(s.writerDone)
	defer s.guard("writer")
	var keepalive <-chan time.Time
	if s.cfg.Keepalive > 0 {
		t := time.NewTicker(s.cfg.Keepalive)
		defer t.Stop()
		keepalive = t.C
	}
	nop := telnet.AppendCommand(nil, telnet.NOP)
	for {
		select {
		case f, ok := <-s.out:
			if !ok {
				return
			}
			if err := s.write(s.encode(f)); err != nil {
				s.writeFailed(err)
				return
			}
		case <-keepalive:
			if err := s.write(nop); err != nil {
				s.writeFailed(err)
				return
			}
		}
	}
}

func (s *Session) writeFailed(err error) {
	if !errors.Is(err, net.ErrClosed) {
		log.Printf("[%d] connection fault: write: %v", s.ID, err)
	}
	s.cancel(err)
}

func (s *Session) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(p)
	return err
}

// encode turns a frame into wire bytes: rendered text with CRLF line ends
// and IAC escaped, followed by GMCP when the client takes it.
func (s *Session) encode(f frame) []byte {
	switch {
	case f.raw != nil:
		return f.raw
	case f.ev == nil:
		return appendLine(nil, f.text)
	}

	s.mu.Lock()
	viewer := render.Viewer{ID: s.identity.ID, TerminalType: s.neg.TerminalType()}
	viewer.Width, _ = s.neg.Size()
	pkg := oob.GMCPPackage(f.ev.Type)
	gmcp := pkg != "" && s.caps.Wants(pkg)
	s.mu.Unlock()

	var out []byte
	if text := s.deps.Renderer.Render(*f.ev, viewer); text != "" {
		out = appendLine(out, text)
	}
	if gmcp {
		out = append(out, oob.EncodeGMCP(*f.ev)...)
	}
	return out
}

func appendLine(dst []byte, text string) []byte {
	text = strings.TrimRight(text, "\r\n")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n", "\r\n")
	dst = telnet.AppendData(dst, []byte(text))
	return append(dst, '\r', '\n')
}
