package engine

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bitpeer/metainfo"
	"bitpeer/wire"
)

func buildTestTorrent(t *testing.T, size int, pieceLength int64) (*metainfo.Metainfo, string) {
	t.Helper()
	seedDir := t.TempDir()
	content := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF, 0x01}, size/4+1)[:size]
	path := filepath.Join(seedDir, "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	meta, _, err := metainfo.Create(path, pieceLength)
	if err != nil {
		t.Fatal(err)
	}
	return meta, seedDir
}

// readFrames decodes one length-prefixed message at a time from conn and
// sends each onto out, until the connection is closed.
func readFrames(t *testing.T, conn net.Conn, out chan<- wire.Message) {
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n == 0 {
			continue // keep-alive; none expected on this path
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		msg, err := wire.DecodeMessage(body)
		if err != nil {
			t.Errorf("readFrames: decode: %v", err)
			return
		}
		out <- msg
	}
}

// Invariant 6: a full leech against a cooperating seed produces a
// byte-identical file.
func TestLeechAgainstSeedProducesIdenticalFile(t *testing.T) {
	meta, seedDir := buildTestTorrent(t, 5000, 1<<12)
	want, err := os.ReadFile(filepath.Join(seedDir, meta.Name))
	if err != nil {
		t.Fatal(err)
	}

	seedFile, err := OpenSeedFile(seedDir, meta)
	if err != nil {
		t.Fatal(err)
	}
	seedEngine := NewEngine(nil)
	seedEngine.RegisterTorrent(meta, seedFile)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	stopSeed := make(chan struct{})
	go seedEngine.Run(stopSeed)
	defer close(stopSeed)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		seedEngine.AddInboundSession(conn)
	}()

	leechDir := t.TempDir()
	leechFile, err := OpenLeechFile(leechDir, meta)
	if err != nil {
		t.Fatal(err)
	}
	leechEngine := NewEngine(nil)
	leechEngine.RegisterTorrent(meta, leechFile)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := leechEngine.AddOutboundSession(conn, meta.InfoHash()); err != nil {
		t.Fatal(err)
	}

	stopLeech := make(chan struct{})
	go leechEngine.Run(stopLeech)
	defer close(stopLeech)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := os.ReadFile(filepath.Join(leechDir, meta.Name))
		if err == nil && bytes.Equal(got, want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("leech did not converge to the seed's file in time")
}

// S7: two concurrent leech sessions against the same seeder each request
// and receive the whole file; both resulting files are byte-identical to
// the source. Exercises Run/serviceSession driving multiple sessions in
// the same dispatcher pass.
func TestTwoConcurrentLeechesConvergeToIdenticalFiles(t *testing.T) {
	meta, seedDir := buildTestTorrent(t, 5000, 1<<12)
	want, err := os.ReadFile(filepath.Join(seedDir, meta.Name))
	if err != nil {
		t.Fatal(err)
	}

	seedFile, err := OpenSeedFile(seedDir, meta)
	if err != nil {
		t.Fatal(err)
	}
	seedEngine := NewEngine(nil)
	seedEngine.RegisterTorrent(meta, seedFile)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	stopSeed := make(chan struct{})
	go seedEngine.Run(stopSeed)
	defer close(stopSeed)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			seedEngine.AddInboundSession(conn)
		}
	}()

	const numLeeches = 2
	leechDirs := make([]string, numLeeches)
	stops := make([]chan struct{}, numLeeches)

	for i := 0; i < numLeeches; i++ {
		leechDir := t.TempDir()
		leechDirs[i] = leechDir

		leechFile, err := OpenLeechFile(leechDir, meta)
		if err != nil {
			t.Fatal(err)
		}
		leechEngine := NewEngine(nil)
		leechEngine.RegisterTorrent(meta, leechFile)

		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		if err := leechEngine.AddOutboundSession(conn, meta.InfoHash()); err != nil {
			t.Fatal(err)
		}

		stop := make(chan struct{})
		stops[i] = stop
		go leechEngine.Run(stop)
	}
	defer func() {
		for _, stop := range stops {
			close(stop)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		allConverged := true
		for _, dir := range leechDirs {
			got, err := os.ReadFile(filepath.Join(dir, meta.Name))
			if err != nil || !bytes.Equal(got, want) {
				allConverged = false
				break
			}
		}
		if allConverged {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("not all concurrent leeches converged to the seed's file in time")
}

// Invariant 7: under an injected single-block bit-flip in piece i, the
// leecher detects the mismatch, re-requests exactly piece i, and converges
// to the correct file once given the real bytes.
func TestHandlePieceRetriesExactlyTheCorruptedPiece(t *testing.T) {
	meta, seedDir := buildTestTorrent(t, 8192, 4096) // two single-block pieces
	want, err := os.ReadFile(filepath.Join(seedDir, meta.Name))
	if err != nil {
		t.Fatal(err)
	}

	size0, err := meta.PieceSize(0)
	if err != nil {
		t.Fatal(err)
	}
	size1, err := meta.PieceSize(1)
	if err != nil {
		t.Fatal(err)
	}
	correct0 := want[:size0]
	correct1 := want[size0 : size0+size1]

	tampered0 := append([]byte(nil), correct0...)
	tampered0[0] ^= 0xff

	leechDir := t.TempDir()
	leechFile, err := OpenLeechFile(leechDir, meta)
	if err != nil {
		t.Fatal(err)
	}
	defer leechFile.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := NewSession(1, clientConn, RoleLeech)
	s.Meta = meta
	s.File = leechFile
	s.Phase = Established
	s.InitPartialPieces(meta.PieceCount())

	eng := NewEngine(nil)

	frames := make(chan wire.Message, 16)
	go readFrames(t, serverConn, frames)

	// Deliver a corrupted piece 0; expect a re-request for piece 0 only,
	// and piece 1's tracking left untouched.
	eng.handlePiece(s, wire.Message{ID: wire.Piece, Index: 0, Begin: 0, Block: tampered0})

	select {
	case msg := <-frames:
		if msg.ID != wire.Request || msg.Index != 0 || msg.Begin != 0 || msg.Length != uint32(size0) {
			t.Fatalf("re-request = %+v, want request(index=0, begin=0, length=%d)", msg, size0)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a re-request frame for the mismatched piece")
	}

	if blocks, ok := s.PartialPieces[0]; !ok || len(blocks) != 0 {
		t.Fatalf("piece 0 partial state after mismatch = %+v, want a fresh empty entry", blocks)
	}
	if blocks, ok := s.PartialPieces[1]; !ok || len(blocks) != 0 {
		t.Fatalf("piece 1 should remain untouched, got %+v", blocks)
	}

	// Deliver the correct bytes for piece 0; expect it to be written and a
	// have(0) sent, with piece 1 still outstanding.
	eng.handlePiece(s, wire.Message{ID: wire.Piece, Index: 0, Begin: 0, Block: correct0})

	select {
	case msg := <-frames:
		if msg.ID != wire.Have || msg.Index != 0 {
			t.Fatalf("got %+v, want have(0)", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a have frame for the corrected piece")
	}
	if s.Done(meta.PieceCount()) {
		t.Fatal("session should not be done with piece 1 still outstanding")
	}

	// Deliver piece 1 to reach full convergence.
	eng.handlePiece(s, wire.Message{ID: wire.Piece, Index: 1, Begin: 0, Block: correct1})

	select {
	case msg := <-frames:
		if msg.ID != wire.Have || msg.Index != 1 {
			t.Fatalf("got %+v, want have(1)", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a have frame for piece 1")
	}
	if !s.Done(meta.PieceCount()) {
		t.Fatal("session should be done once both pieces have converged")
	}

	got, err := os.ReadFile(filepath.Join(leechDir, meta.Name))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("leech file does not match source after re-request recovery")
	}
}
