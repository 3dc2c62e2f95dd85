package wire

import (
	"bytes"
	"testing"
)

func buildStream(t *testing.T) []byte {
	t.Helper()
	var infoHash, peerID [20]byte
	infoHash[0] = 0x11
	peerID[0] = 0x22

	hs, err := EncodeHandshake(Handshake{Pstr: Pstr, InfoHash: infoHash, PeerID: peerID})
	if err != nil {
		t.Fatal(err)
	}

	var stream []byte
	stream = append(stream, hs...)
	stream = append(stream, EncodeKeepAlive()...)
	stream = append(stream, EncodeUnchoke()...)
	stream = append(stream, EncodeBitfield([]byte{0xf0})...)
	stream = append(stream, EncodeRequest(0, 0, 1<<14)...)
	stream = append(stream, EncodePiece(0, 0, []byte("hello"))...)
	return stream
}

func drain(t *testing.T, p *Parser) []Event {
	t.Helper()
	var events []Event
	for {
		ev, ok, err := p.Poll()
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}

func assertStreamEvents(t *testing.T, events []Event) {
	t.Helper()
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(events), events)
	}
	if events[0].Kind != EventHandshake {
		t.Fatalf("event 0 = %+v, want handshake", events[0])
	}
	if events[1].Kind != EventKeepAlive {
		t.Fatalf("event 1 = %+v, want keep-alive", events[1])
	}
	if events[2].Kind != EventMessage || events[2].Message.ID != Unchoke {
		t.Fatalf("event 2 = %+v, want unchoke", events[2])
	}
	if events[3].Kind != EventMessage || events[3].Message.ID != Bitfield {
		t.Fatalf("event 3 = %+v, want bitfield", events[3])
	}
	if events[4].Kind != EventMessage || events[4].Message.ID != Request {
		t.Fatalf("event 4 = %+v, want request", events[4])
	}
}

// whole stream fed at once, as a baseline.
func TestParserWholeStream(t *testing.T) {
	stream := buildStream(t)
	p := NewParser()
	p.Feed(stream)

	var events []Event
	for {
		ev, ok, err := p.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		events = append(events, ev)
		if len(events) == 5 {
			break
		}
	}
	assertStreamEvents(t, events)

	ev, ok, err := p.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the trailing piece message to still be pollable")
	}
	if ev.Kind != EventMessage || ev.Message.ID != Piece || !bytes.Equal(ev.Message.Block, []byte("hello")) {
		t.Fatalf("trailing event = %+v", ev)
	}
}

// Invariant 4: feeding the same stream split at arbitrary byte boundaries
// produces the identical event sequence as feeding it whole.
func TestParserByteGranularityFragmentation(t *testing.T) {
	stream := buildStream(t)

	for chunkSize := 1; chunkSize <= 7; chunkSize++ {
		p := NewParser()
		var events []Event
		for off := 0; off < len(stream); off += chunkSize {
			end := off + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			p.Feed(stream[off:end])
			for {
				ev, ok, err := p.Poll()
				if err != nil {
					t.Fatalf("chunkSize=%d: Poll: %v", chunkSize, err)
				}
				if !ok {
					break
				}
				events = append(events, ev)
			}
		}
		if len(events) != 6 {
			t.Fatalf("chunkSize=%d: got %d events, want 6", chunkSize, len(events))
		}
		assertStreamEvents(t, events[:5])
		if events[5].Message.ID != Piece {
			t.Fatalf("chunkSize=%d: final event = %+v, want piece", chunkSize, events[5])
		}
	}
}

func TestParserRejectsUnknownMessageID(t *testing.T) {
	p := NewParser()
	var infoHash, peerID [20]byte
	hs, _ := EncodeHandshake(Handshake{Pstr: Pstr, InfoHash: infoHash, PeerID: peerID})
	p.Feed(hs)
	drain(t, p)

	p.Feed([]byte{0, 0, 0, 1, 99})
	if _, _, err := p.Poll(); err == nil {
		t.Fatal("expected protocol error for unknown message id")
	}
}

func TestParserHoldsPartialFrameAcrossPolls(t *testing.T) {
	p := NewParser()
	p.Feed([]byte{19})
	if _, ok, err := p.Poll(); ok || err != nil {
		t.Fatalf("expected no event yet, got ok=%v err=%v", ok, err)
	}
	p.Feed([]byte(Pstr))
	if _, ok, err := p.Poll(); ok || err != nil {
		t.Fatalf("expected no event yet, got ok=%v err=%v", ok, err)
	}
}
