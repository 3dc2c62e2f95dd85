package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bitpeer/bencode"
)

// DefaultPieceLength matches the corpus's common default (256 KiB); small
// enough for typical test fixtures, a power of two as piece lengths are in
// practice.
const DefaultPieceLength = 1 << 18

// Create reads sourcePath, hashes it into pieces of pieceLength bytes, and
// builds the bencoded .torrent file bytes for it. It returns both the
// parsed Metainfo (so callers get InfoHash for free) and the raw bytes to
// write to disk, grounded on the original implementation's create_torrent:
// read fixed-size pieces, SHA-1 each, concatenate the digests into
// info.pieces.
func Create(sourcePath string, pieceLength int64) (*Metainfo, []byte, error) {
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("metainfo: opening %s: %w", sourcePath, err)
	}
	defer f.Close()

	var pieces []byte
	var total int64
	buf := make([]byte, pieceLength)

	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			h := sha1.Sum(buf[:n])
			pieces = append(pieces, h[:]...)
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("metainfo: reading %s: %w", sourcePath, err)
		}
		if n < len(buf) {
			break
		}
	}

	info := bencode.Dict(
		bencode.Entry{Key: []byte("name"), Val: bencode.String(filepath.Base(sourcePath))},
		bencode.Entry{Key: []byte("piece length"), Val: bencode.Int64(pieceLength)},
		bencode.Entry{Key: []byte("length"), Val: bencode.Int64(total)},
		bencode.Entry{Key: []byte("pieces"), Val: bencode.Bytes(pieces)},
	)

	root := bencode.Dict(
		bencode.Entry{Key: []byte("announce"), Val: bencode.String("")},
		bencode.Entry{Key: []byte("created by"), Val: bencode.String("bitpeer")},
		bencode.Entry{Key: []byte("info"), Val: info},
	)

	raw := bencode.Marshal(root)

	meta, err := FromBytes(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("metainfo: built torrent failed to parse back: %w", err)
	}

	return meta, raw, nil
}
