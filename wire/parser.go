package wire

import "encoding/binary"

// Phase names a state in the incremental parser's state machine. The
// parser never blocks: each phase consumes from an internal buffer fed by
// Feed, and Poll returns ok=false whenever the buffer doesn't yet hold a
// complete unit for the current phase.
type Phase int

const (
	AwaitHandshakePrefix Phase = iota
	AwaitPeerID
	AwaitFrame
)

// maxFrameLength bounds the length prefix a single frame may declare. A
// compliant peer never sends anything near this; it exists so a
// misbehaving or hostile peer can't make Poll allocate unbounded memory
// from a single 4-byte length field.
const maxFrameLength = 1 << 20

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventHandshake EventKind = iota
	EventKeepAlive
	EventMessage
)

// Event is one parsed unit handed back by Poll: a completed handshake, a
// keep-alive, or a fully framed message.
type Event struct {
	Kind      EventKind
	Handshake Handshake
	Message   Message
}

// Parser is a buffer-owning, tagged-variant incremental decoder for one
// peer connection. It is fed raw bytes as they arrive off the socket
// (however they happen to be chunked) and yields events one at a time via
// Poll, never losing a partial frame across calls.
type Parser struct {
	buf              []byte
	phase            Phase
	pendingHandshake Handshake
}

// NewParser returns a Parser ready to receive an incoming handshake as the
// first thing on the connection.
func NewParser() *Parser {
	return &Parser{phase: AwaitHandshakePrefix}
}

// Feed appends newly received bytes to the parser's internal buffer.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Pending reports how many unconsumed bytes are buffered, for diagnostics.
func (p *Parser) Pending() int { return len(p.buf) }

// Poll attempts to extract the next event from the buffered bytes. It
// returns ok=false (with a nil error) when more bytes are needed before an
// event can be produced; callers should stop polling and wait for the next
// Feed. A non-nil error is always a protocol violation that ends the
// session.
func (p *Parser) Poll() (Event, bool, error) {
	switch p.phase {
	case AwaitHandshakePrefix:
		return p.pollHandshakePrefix()
	case AwaitPeerID:
		return p.pollPeerID()
	case AwaitFrame:
		return p.pollFrame()
	default:
		return Event{}, false, &ProtocolError{Reason: "parser in unknown phase"}
	}
}

func (p *Parser) pollHandshakePrefix() (Event, bool, error) {
	if len(p.buf) < 1 {
		return Event{}, false, nil
	}
	pstrlen := int(p.buf[0])
	need := 1 + pstrlen + 8 + 20
	if len(p.buf) < need {
		return Event{}, false, nil
	}

	var hs Handshake
	hs.Pstr = string(p.buf[1 : 1+pstrlen])
	copy(hs.InfoHash[:], p.buf[1+pstrlen+8:1+pstrlen+28])
	p.buf = p.buf[need:]
	p.pendingHandshake = hs
	p.phase = AwaitPeerID
	return p.pollPeerID()
}

func (p *Parser) pollPeerID() (Event, bool, error) {
	if len(p.buf) < 20 {
		return Event{}, false, nil
	}
	copy(p.pendingHandshake.PeerID[:], p.buf[:20])
	p.buf = p.buf[20:]
	p.phase = AwaitFrame
	return Event{Kind: EventHandshake, Handshake: p.pendingHandshake}, true, nil
}

func (p *Parser) pollFrame() (Event, bool, error) {
	if len(p.buf) < 4 {
		return Event{}, false, nil
	}
	length := binary.BigEndian.Uint32(p.buf[:4])
	if length == 0 {
		p.buf = p.buf[4:]
		return Event{Kind: EventKeepAlive}, true, nil
	}
	if length > maxFrameLength {
		return Event{}, false, &ProtocolError{Reason: "frame length exceeds sanity bound"}
	}
	if uint32(len(p.buf)-4) < length {
		return Event{}, false, nil
	}

	frame := p.buf[4 : 4+length]
	msg, err := DecodeMessage(frame)
	p.buf = p.buf[4+length:]
	if err != nil {
		return Event{}, false, err
	}
	return Event{Kind: EventMessage, Message: msg}, true, nil
}
