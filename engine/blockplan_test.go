package engine

import (
	"os"
	"path/filepath"
	"testing"

	"bitpeer/metainfo"
)

// S6: piece length 2^18, file length 2^20+5 ⇒ piece_count 5, last piece
// size 5, blocks_per_piece 16, request_all emits 65 frames.
func TestRequestAllCountS6(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	data := make([]byte, (1<<20)+5)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	meta, _, err := metainfo.Create(path, 1<<18)
	if err != nil {
		t.Fatal(err)
	}
	if meta.PieceCount() != 5 {
		t.Fatalf("PieceCount() = %d, want 5", meta.PieceCount())
	}

	requests := RequestAll(meta)
	if len(requests) != 65 {
		t.Fatalf("RequestAll produced %d frames, want 65", len(requests))
	}

	if BlocksPerPiece(meta.PieceLength) != 16 {
		t.Fatalf("BlocksPerPiece = %d, want 16", BlocksPerPiece(meta.PieceLength))
	}

	lastSize, err := meta.PieceSize(4)
	if err != nil {
		t.Fatal(err)
	}
	if lastSize != 5 {
		t.Fatalf("last piece size = %d, want 5", lastSize)
	}
	lastSpans := BlocksForPieceSize(lastSize)
	if len(lastSpans) != 1 || lastSpans[0].Length != 5 {
		t.Fatalf("last piece spans = %+v, want one 5-byte span", lastSpans)
	}
}

func TestBlocksForPieceSizeAligned(t *testing.T) {
	spans := BlocksForPieceSize(1 << 18)
	if len(spans) != 16 {
		t.Fatalf("got %d spans, want 16", len(spans))
	}
	for _, s := range spans {
		if s.Length != 1<<14 {
			t.Fatalf("span length = %d, want 2^14", s.Length)
		}
	}
}
