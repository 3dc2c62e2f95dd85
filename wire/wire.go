// Package wire implements the BitTorrent Peer Wire Protocol (BEP 3) framing:
// the handshake, the ten message types, and an incremental parser that is
// robust to arbitrary fragmentation of the underlying byte stream.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Pstr is the protocol name this implementation speaks.
const Pstr = "BitTorrent protocol"

// BlockSize is the canonical block unit (16 KiB) used throughout the wire
// and block-plan logic.
const BlockSize = 1 << 14

// Handshake is the 68-byte (for the standard pstr) exchange that binds a
// connection to a torrent and identifies its peers.
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

// EncodeHandshake serializes a Handshake. Reserved bytes are always emitted
// as zero; no extension bits are supported.
func EncodeHandshake(hs Handshake) ([]byte, error) {
	if len(hs.Pstr) > 255 {
		return nil, &HandshakeError{Reason: "pstr longer than 255 bytes"}
	}
	buf := make([]byte, 0, 1+len(hs.Pstr)+8+20+20)
	buf = append(buf, byte(len(hs.Pstr)))
	buf = append(buf, hs.Pstr...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)
	return buf, nil
}

// DecodeHandshake parses a complete handshake (including the peer id) from
// buf and returns it along with the number of bytes consumed.
func DecodeHandshake(buf []byte) (Handshake, int, error) {
	if len(buf) < 1 {
		return Handshake{}, 0, &HandshakeError{Reason: "buffer too short for pstrlen"}
	}
	pstrlen := int(buf[0])
	need := 1 + pstrlen + 8 + 20 + 20
	if len(buf) < need {
		return Handshake{}, 0, &HandshakeError{Reason: "buffer too short for handshake"}
	}

	hs := Handshake{Pstr: string(buf[1 : 1+pstrlen])}
	copy(hs.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+28])
	copy(hs.PeerID[:], buf[1+pstrlen+28:1+pstrlen+48])
	return hs, need, nil
}

// MessageID is the wire id of a framed message, per the id table in §4.3.
type MessageID int8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9

	// KeepAlive and Closed are conceptual ids (-1 and -2 per §4.3); they
	// never appear on the wire. The parser does not use them: it reports a
	// keep-alive as an EventKeepAlive event, and a closed transport is
	// signalled by the engine's reactor, not by the parser.
	KeepAlive MessageID = -1
	Closed    MessageID = -2
)

// Message is a parsed PWP frame. Only the fields relevant to ID are
// meaningful; this mirrors the teacher's ID+Payload shape but decodes the
// payload eagerly so the engine never re-parses raw bytes.
type Message struct {
	ID       MessageID
	Index    uint32
	Begin    uint32
	Length   uint32
	Block    []byte
	Bitfield []byte
	Port     uint16
}

func simpleFrame(id MessageID) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], 1)
	buf[4] = byte(id)
	return buf
}

// EncodeKeepAlive returns the zero-length keep-alive frame.
func EncodeKeepAlive() []byte { return []byte{0, 0, 0, 0} }

// EncodeChoke, EncodeUnchoke, EncodeInterested and EncodeNotInterested
// encode the four id-only messages.
func EncodeChoke() []byte         { return simpleFrame(Choke) }
func EncodeUnchoke() []byte       { return simpleFrame(Unchoke) }
func EncodeInterested() []byte    { return simpleFrame(Interested) }
func EncodeNotInterested() []byte { return simpleFrame(NotInterested) }

// EncodeHave encodes a have message for piece index.
func EncodeHave(index uint32) []byte {
	buf := make([]byte, 4+5)
	binary.BigEndian.PutUint32(buf[0:4], 5)
	buf[4] = byte(Have)
	binary.BigEndian.PutUint32(buf[5:9], index)
	return buf
}

// EncodeBitfield encodes a bitfield message from a pre-built bitfield byte
// slice (MSB-first, bit k of byte b meaning piece b*8+k).
func EncodeBitfield(bits []byte) []byte {
	buf := make([]byte, 0, 4+1+len(bits))
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(1+len(bits)))
	buf = append(buf, lenPrefix...)
	buf = append(buf, byte(Bitfield))
	buf = append(buf, bits...)
	return buf
}

func threeUint32Frame(id MessageID, a, b, c uint32) []byte {
	buf := make([]byte, 4+13)
	binary.BigEndian.PutUint32(buf[0:4], 13)
	buf[4] = byte(id)
	binary.BigEndian.PutUint32(buf[5:9], a)
	binary.BigEndian.PutUint32(buf[9:13], b)
	binary.BigEndian.PutUint32(buf[13:17], c)
	return buf
}

// EncodeRequest encodes a request message.
func EncodeRequest(index, begin, length uint32) []byte {
	return threeUint32Frame(Request, index, begin, length)
}

// EncodeCancel encodes a cancel message.
func EncodeCancel(index, begin, length uint32) []byte {
	return threeUint32Frame(Cancel, index, begin, length)
}

// EncodePiece encodes a piece message carrying block at (index, begin).
func EncodePiece(index, begin uint32, block []byte) []byte {
	buf := make([]byte, 0, 4+9+len(block))
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(9+len(block)))
	buf = append(buf, lenPrefix...)
	buf = append(buf, byte(Piece))
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, index)
	buf = append(buf, idx...)
	bg := make([]byte, 4)
	binary.BigEndian.PutUint32(bg, begin)
	buf = append(buf, bg...)
	buf = append(buf, block...)
	return buf
}

// EncodePort encodes a port message (DHT listen port advertisement).
func EncodePort(port uint16) []byte {
	buf := make([]byte, 4+3)
	binary.BigEndian.PutUint32(buf[0:4], 3)
	buf[4] = byte(Port)
	binary.BigEndian.PutUint16(buf[5:7], port)
	return buf
}

// DecodeMessage parses a message whose first byte is the id and whose
// remaining bytes are the body (i.e. the frame with the 4-byte length
// prefix already stripped). Unknown ids are a protocol violation.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, &ProtocolError{Reason: "empty frame has no id"}
	}
	id := MessageID(int8(frame[0]))
	body := frame[1:]

	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(body) != 0 {
			return Message{}, &ProtocolError{Reason: fmt.Sprintf("id %d expects no body", id)}
		}
		return Message{ID: id}, nil

	case Have:
		if len(body) != 4 {
			return Message{}, &ProtocolError{Reason: "have body must be 4 bytes"}
		}
		return Message{ID: id, Index: binary.BigEndian.Uint32(body)}, nil

	case Bitfield:
		return Message{ID: id, Bitfield: append([]byte(nil), body...)}, nil

	case Request, Cancel:
		if len(body) != 12 {
			return Message{}, &ProtocolError{Reason: fmt.Sprintf("id %d body must be 12 bytes", id)}
		}
		return Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}, nil

	case Piece:
		if len(body) < 8 {
			return Message{}, &ProtocolError{Reason: "piece body shorter than index+begin"}
		}
		return Message{
			ID:    id,
			Index: binary.BigEndian.Uint32(body[0:4]),
			Begin: binary.BigEndian.Uint32(body[4:8]),
			Block: append([]byte(nil), body[8:]...),
		}, nil

	case Port:
		if len(body) != 2 {
			return Message{}, &ProtocolError{Reason: "port body must be 2 bytes"}
		}
		return Message{ID: id, Port: binary.BigEndian.Uint16(body)}, nil

	default:
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("unknown message id %d", id)}
	}
}

// EncodeMessage re-serializes a parsed Message, used by property tests to
// check decode(encode(M)) == M for every id other than keep-alive.
func EncodeMessage(m Message) ([]byte, error) {
	switch m.ID {
	case Choke:
		return EncodeChoke(), nil
	case Unchoke:
		return EncodeUnchoke(), nil
	case Interested:
		return EncodeInterested(), nil
	case NotInterested:
		return EncodeNotInterested(), nil
	case Have:
		return EncodeHave(m.Index), nil
	case Bitfield:
		return EncodeBitfield(m.Bitfield), nil
	case Request:
		return EncodeRequest(m.Index, m.Begin, m.Length), nil
	case Cancel:
		return EncodeCancel(m.Index, m.Begin, m.Length), nil
	case Piece:
		return EncodePiece(m.Index, m.Begin, m.Block), nil
	case Port:
		return EncodePort(m.Port), nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("cannot encode message id %d", m.ID)}
	}
}
