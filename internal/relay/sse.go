package relay

import (
	"mime"
	"strings"
)

// Framing selects how upstream bytes are cut into relay units.
type Framing int

const (
	// Raw relays each upstream read as one unit.
	Raw Framing = iota
	// SSE relays one complete server-sent event per unit.
	SSE
)

// String implements fmt.Stringer.
func (f Framing) String() string {
	if f == SSE {
		return "sse"
	}
	return "raw"
}

// FramingFor picks the framing for an upstream Content-Type.
func FramingFor(contentType string) Framing {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	if strings.EqualFold(mt, "text/event-stream") {
		return SSE
	}
	return Raw
}

// eventSplitter accumulates upstream bytes and cuts them at event boundaries:
// a blank line terminated by LF, CRLF or CR.
type eventSplitter struct {
	pending []byte
	resume  int
	max     int
}

// feed appends p and returns every event completed by it, each in its own
// freshly allocated slice. When the pending event outgrows max it is returned
// as-is so memory stays bounded.
func (s *eventSplitter) feed(p []byte) [][]byte {
	s.pending = append(s.pending, p...)

	var out [][]byte
	start := 0
	for {
		end := eventEnd(s.pending[start+s.resume:])
		if end < 0 {
			break
		}
		cut := start + s.resume + end
		out = append(out, clone(s.pending[start:cut]))
		start = cut
		s.resume = 0
	}

	rest := len(s.pending) - start
	if s.max > 0 && rest > s.max {
		out = append(out, clone(s.pending[start:]))
		start = len(s.pending)
		rest = 0
	}

	// Compact and remember where the next scan may start: a terminator not yet
	// found ends in future bytes, so it starts at most 3 bytes back.
	n := copy(s.pending, s.pending[start:])
	s.pending = s.pending[:n]
	s.resume = max(0, rest-3)
	return out
}

// flush returns whatever is left once the upstream body has ended.
func (s *eventSplitter) flush() []byte {
	if len(s.pending) == 0 {
		return nil
	}
	out := clone(s.pending)
	s.pending = s.pending[:0]
	s.resume = 0
	return out
}

// eventEnd returns the offset just past the first blank line in b, or -1.
// A trailing CR is treated as undecided, since an LF may follow it.
func eventEnd(b []byte) int {
	eol := false
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\n':
			if eol {
				return i + 1
			}
			eol = true
		case '\r':
			if i+1 == len(b) {
				return -1
			}
			crlf := b[i+1] == '\n'
			if eol {
				if crlf {
					return i + 2
				}
				return i + 1
			}
			if crlf {
				i++
			}
			eol = true
		default:
			eol = false
		}
	}
	return -1
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
