// Package metainfo provides a typed view over a parsed .torrent file: name,
// length, piece length, and the piece-hash table, plus the infohash that
// identifies the torrent on the wire.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"

	"bitpeer/bencode"
)

// Metainfo is a thin typed projection of a decoded .torrent mapping.
// Multi-file torrents are out of scope (see spec Non-goals): Length is
// always the single file's total byte count.
type Metainfo struct {
	Announce     string
	Comment      string
	CreatedBy    string
	Encoding     string
	CreationDate int64
	HasCreation  bool
	MD5Sum       string

	Name        string
	PieceLength int64
	Length      int64
	Pieces      []byte // concatenated 20-byte SHA-1 digests, one per piece

	infoHash [20]byte
	rawInfo  []byte
}

// Load reads and parses a .torrent file from disk.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %s: %w", path, err)
	}
	return FromBytes(data)
}

// FromBytes parses an already-read .torrent file's bytes.
func FromBytes(data []byte) (*Metainfo, error) {
	root, n, err := bencode.Decode(data, 0)
	if err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("bencode decode: %v", err)}
	}
	if n != len(data) {
		return nil, &InvalidError{Reason: "trailing bytes after top-level value"}
	}
	if root.Kind != bencode.KindDict {
		return nil, &InvalidError{Reason: "top-level value is not a dictionary"}
	}

	infoVal, ok := root.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, &InvalidError{Reason: "missing or malformed info dictionary"}
	}

	rawInfo, ok := bencode.RawSpan(data, root, "info")
	if !ok {
		return nil, &InvalidError{Reason: "could not locate raw info bytes"}
	}

	name, ok := infoVal.GetString("name")
	if !ok {
		return nil, &InvalidError{Reason: "info.name missing"}
	}
	if err := bencode.ValidateUTF8Text(name); err != nil {
		return nil, &InvalidError{Reason: "info.name is not valid UTF-8"}
	}

	pieceLength, ok := infoVal.GetInt("piece length")
	if !ok || pieceLength <= 0 {
		return nil, &InvalidError{Reason: "info.piece length missing or non-positive"}
	}

	length, ok := infoVal.GetInt("length")
	if !ok || length < 0 {
		return nil, &InvalidError{Reason: "info.length missing or negative"}
	}

	pieces, ok := infoVal.GetString("pieces")
	if !ok || len(pieces)%20 != 0 {
		return nil, &InvalidError{Reason: "info.pieces missing or not a multiple of 20 bytes"}
	}

	pieceCount := len(pieces) / 20
	wantCount := int((length + pieceLength - 1) / pieceLength)
	if length == 0 {
		wantCount = 0
	}
	if pieceCount != wantCount {
		return nil, &InvalidError{
			Reason: fmt.Sprintf("piece count mismatch: pieces table has %d, ceil(length/piece_length) wants %d", pieceCount, wantCount),
		}
	}

	for _, key := range []string{"announce", "comment", "created by", "encoding"} {
		if text, ok := root.GetString(key); ok {
			if err := bencode.ValidateUTF8Text(text); err != nil {
				return nil, &InvalidError{Reason: key + " is not valid UTF-8"}
			}
		}
	}

	m := &Metainfo{
		Name:        string(name),
		PieceLength: pieceLength,
		Length:      length,
		Pieces:      append([]byte(nil), pieces...),
		infoHash:    sha1.Sum(rawInfo),
		rawInfo:     append([]byte(nil), rawInfo...),
	}

	if announce, ok := root.GetString("announce"); ok {
		m.Announce = string(announce)
	}
	if comment, ok := root.GetString("comment"); ok {
		m.Comment = string(comment)
	}
	if createdBy, ok := root.GetString("created by"); ok {
		m.CreatedBy = string(createdBy)
	}
	if encoding, ok := root.GetString("encoding"); ok {
		m.Encoding = string(encoding)
	}
	if creationDate, ok := root.GetInt("creation date"); ok {
		m.CreationDate = creationDate
		m.HasCreation = true
	}
	if md5sum, ok := infoVal.GetString("md5sum"); ok {
		m.MD5Sum = string(md5sum)
	}

	return m, nil
}

// InfoHash is the 20-byte SHA-1 of the exact bencoded info sub-map bytes as
// received; it uniquely identifies the torrent on the wire.
func (m *Metainfo) InfoHash() [20]byte { return m.infoHash }

// RawInfo returns the exact bencoded bytes of the info sub-map, as seen on
// the wire. Re-deriving this by re-encoding m's fields would silently
// diverge whenever the source bytes used a key order or integer
// representation Encode wouldn't reproduce; slicing the original buffer
// cannot diverge.
func (m *Metainfo) RawInfo() []byte { return m.rawInfo }

// PieceCount returns the number of pieces described by the piece-hash table.
func (m *Metainfo) PieceCount() int { return len(m.Pieces) / 20 }

// PieceHash returns the 20-byte SHA-1 digest recorded for piece index.
func (m *Metainfo) PieceHash(index int) ([20]byte, error) {
	var h [20]byte
	if index < 0 || index >= m.PieceCount() {
		return h, fmt.Errorf("metainfo: piece index %d out of range [0,%d)", index, m.PieceCount())
	}
	copy(h[:], m.Pieces[index*20:(index+1)*20])
	return h, nil
}

// PieceSize returns the byte size of piece index: PieceLength for every
// piece except the last, which is whatever remains of Length.
func (m *Metainfo) PieceSize(index int) (int64, error) {
	count := m.PieceCount()
	if index < 0 || index >= count {
		return 0, fmt.Errorf("metainfo: piece index %d out of range [0,%d)", index, count)
	}
	if index < count-1 {
		return m.PieceLength, nil
	}
	return m.Length - m.PieceLength*int64(count-1), nil
}

// InvalidError reports a metainfo that fails one of the structural
// invariants in §3: required attributes missing, or
// piece_count*20 != len(info.pieces).
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("metainfo: invalid torrent: %s", e.Reason)
}
