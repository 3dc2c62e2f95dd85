package engine

import (
	"bitpeer/metainfo"
	"bitpeer/wire"
)

// BlockSpan is one (begin, length) unit within a piece, as produced by the
// block plan for a given piece size.
type BlockSpan struct {
	Begin  uint32
	Length uint32
}

// BlocksForPieceSize splits a piece of the given byte size into wire.BlockSize
// blocks, with a final short block carrying whatever remains. Applied
// uniformly to every piece (not just the last), this reduces to
// blocks_per_piece = piece_length / block_size for any piece whose size is
// block-aligned, and to the full_blocks+short_block rule of §4.4 for the
// last piece.
func BlocksForPieceSize(size int64) []BlockSpan {
	var spans []BlockSpan
	var begin int64
	for begin < size {
		remaining := size - begin
		length := int64(wire.BlockSize)
		if remaining < length {
			length = remaining
		}
		spans = append(spans, BlockSpan{Begin: uint32(begin), Length: uint32(length)})
		begin += length
	}
	return spans
}

// BlocksPerPiece returns P / 2^14, the block count for any non-last piece.
func BlocksPerPiece(pieceLength int64) int {
	return int(pieceLength / wire.BlockSize)
}

// RequestAll builds the full burst of request frames covering every block
// of every piece in meta: one request per block covering the entire file.
// A leech session sends this burst (via SendInitialRequests) once the
// peer's handshake has been received and accepted, not right after our own
// handshake is written.
func RequestAll(meta *metainfo.Metainfo) []wire.Message {
	var requests []wire.Message
	for i := 0; i < meta.PieceCount(); i++ {
		size, err := meta.PieceSize(i)
		if err != nil {
			continue
		}
		for _, span := range BlocksForPieceSize(size) {
			requests = append(requests, wire.Message{
				ID:     wire.Request,
				Index:  uint32(i),
				Begin:  span.Begin,
				Length: span.Length,
			})
		}
	}
	return requests
}
