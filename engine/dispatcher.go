package engine

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"bitpeer/metainfo"
	"bitpeer/wire"

	"bitpeer/internal/ttylog"
)

// messagesPerPass bounds how many queued messages the dispatcher drains
// from a single session before moving to the next one, per §4.4's "up to N
// (default 10)" fairness rule.
const messagesPerPass = 10

// idleSleep is how long the dispatcher yields after a pass that did no
// work, per §4.4's "default 1 ms".
const idleSleep = time.Millisecond

// Engine owns every active session, the loaded-torrents map, and the
// open-file map; it is the single-threaded dispatcher task from §5. Only
// the goroutine running Run ever touches sessions — callers register new
// connections through a channel instead of direct map writes, so no mutex
// guards the session map. RegisterTorrent, by contrast, writes the torrent
// and file maps directly from the calling goroutine.
type Engine struct {
	torrents map[[20]byte]*metainfo.Metainfo
	files    map[[20]byte]*FileStore

	sessions map[uint64]*Session
	nextID   uint64

	pending chan *pendingSession
	log     *ttylog.Logger

	// onPieceComplete, if set, is called from the dispatcher goroutine
	// whenever a piece is verified and written, for progress reporting.
	onPieceComplete func(sessionID uint64, index, pieceCount int)
}

// OnPieceComplete registers a callback invoked after each piece is
// verified and written, used to drive progress reporting (e.g. a
// terminal-gated progress bar) without coupling the dispatcher to any
// particular UI.
func (e *Engine) OnPieceComplete(fn func(sessionID uint64, index, pieceCount int)) {
	e.onPieceComplete = fn
}

type pendingSession struct {
	conn      net.Conn
	role      Role
	expect    [20]byte
	initiated bool
}

// NewEngine builds an engine. Whether a given connection behaves as a seed
// or a leech is decided per-session by AddInboundSession/AddOutboundSession,
// not by the engine as a whole — a single engine can service both inbound
// seed sessions and outbound leech sessions at once.
func NewEngine(log *ttylog.Logger) *Engine {
	if log == nil {
		log = ttylog.Default
	}
	return &Engine{
		torrents: make(map[[20]byte]*metainfo.Metainfo),
		files:    make(map[[20]byte]*FileStore),
		sessions: make(map[uint64]*Session),
		pending:  make(chan *pendingSession, 16),
		log:      log,
	}
}

// RegisterTorrent binds an infohash to its metainfo and file store, as
// done once at startup for every file under torrents/ (seed) or the single
// torrent named on the command line (leech).
func (e *Engine) RegisterTorrent(meta *metainfo.Metainfo, file *FileStore) {
	e.torrents[meta.InfoHash()] = meta
	e.files[meta.InfoHash()] = file
}

// AddInboundSession registers a freshly accepted connection (seed role).
func (e *Engine) AddInboundSession(conn net.Conn) {
	e.pending <- &pendingSession{conn: conn, role: RoleSeed}
}

// AddOutboundSession registers a freshly dialed connection for a leech
// session expecting the given infohash. Per the leech-initiation rule in
// §4.4, our handshake is written to the connection here, before the
// session enters the dispatcher at all — there is no session state yet for
// a concurrent goroutine to race against.
func (e *Engine) AddOutboundSession(conn net.Conn, expect [20]byte) error {
	ourID := NewPeerID('l')
	var peerIDArr [20]byte
	copy(peerIDArr[:], ourID)

	out, err := wire.EncodeHandshake(wire.Handshake{Pstr: wire.Pstr, InfoHash: expect, PeerID: peerIDArr})
	if err != nil {
		return newError(HandshakeReject, "encoding our handshake", err)
	}
	if _, err := conn.Write(out); err != nil {
		return newError(TransportIo, "writing handshake", err)
	}

	e.pending <- &pendingSession{conn: conn, role: RoleLeech, expect: expect, initiated: true}
	return nil
}

// Run is the dispatcher's main loop: each pass walks every session,
// services up to messagesPerPass queued events per session, and removes
// sessions that closed during the pass. It never returns until stop is
// closed.
func (e *Engine) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			e.shutdown()
			return
		default:
		}

		e.admitPending()

		didWork := false
		var toRemove []uint64

		for id, s := range e.sessions {
			if e.serviceSession(s) {
				didWork = true
			}
			if s.Phase == Closed {
				toRemove = append(toRemove, id)
			}
		}

		for _, id := range toRemove {
			if s, ok := e.sessions[id]; ok {
				s.Conn.Close()
				delete(e.sessions, id)
			}
		}

		if !didWork {
			time.Sleep(idleSleep)
		}
	}
}

func (e *Engine) admitPending() {
	for {
		select {
		case p := <-e.pending:
			e.nextID++
			s := NewSession(e.nextID, p.conn, p.role)
			s.Initiated = p.initiated
			if p.role == RoleLeech {
				s.ExpectedInfoHash = p.expect
			}
			go runReactor(p.conn, s.inbound, s.transportClosed)
			e.sessions[s.ID] = s
			e.log.Info("session %d: connected (%s)", s.ID, p.conn.RemoteAddr())
		default:
			return
		}
	}
}

// serviceSession drains available inbound bytes, feeds the parser, and
// processes up to messagesPerPass parser events. It reports whether any
// work was actually done (bytes fed or events processed), for the idle
// sleep decision.
func (e *Engine) serviceSession(s *Session) bool {
	if s.Phase == Closed {
		return false
	}

	didWork := false

	select {
	case <-s.transportClosed:
		e.closeSession(s, newError(TransportClosed, "peer closed connection", nil))
		return true
	default:
	}

drainBytes:
	for {
		select {
		case chunk := <-s.inbound:
			s.Parser.Feed(chunk)
			didWork = true
		default:
			break drainBytes
		}
	}

	for i := 0; i < messagesPerPass; i++ {
		ev, ok, err := s.Parser.Poll()
		if err != nil {
			e.closeSession(s, newError(ProtocolViolation, "wire decode failed", err))
			return true
		}
		if !ok {
			break
		}
		didWork = true
		e.handleEvent(s, ev)
		if s.Phase == Closed {
			break
		}
	}

	return didWork
}

func (e *Engine) handleEvent(s *Session, ev wire.Event) {
	switch ev.Kind {
	case wire.EventHandshake:
		e.handleHandshake(s, ev.Handshake)
	case wire.EventKeepAlive:
		// no-op per §4.4.
	case wire.EventMessage:
		e.handleMessage(s, ev.Message)
	}
}

func (e *Engine) handleHandshake(s *Session, hs wire.Handshake) {
	if s.Phase != AwaitInfohash {
		e.closeSession(s, newError(ProtocolViolation, "unexpected handshake", nil))
		return
	}

	var meta *metainfo.Metainfo
	switch s.Role {
	case RoleSeed:
		m, ok := e.torrents[hs.InfoHash]
		if !ok {
			e.closeSession(s, newError(HandshakeReject, fmt.Sprintf("unknown infohash %x", hs.InfoHash), nil))
			return
		}
		meta = m
	case RoleLeech:
		if hs.InfoHash != s.ExpectedInfoHash {
			e.closeSession(s, newError(HandshakeReject, "infohash mismatch", nil))
			return
		}
		meta = e.torrents[s.ExpectedInfoHash]
	}

	s.Meta = meta
	s.File = e.files[meta.InfoHash()]

	if s.Role == RoleLeech {
		s.InitPartialPieces(meta.PieceCount())
	}

	if !s.Initiated {
		ourID := NewPeerID('s')
		var peerIDArr [20]byte
		copy(peerIDArr[:], ourID)
		out, err := wire.EncodeHandshake(wire.Handshake{Pstr: wire.Pstr, InfoHash: meta.InfoHash(), PeerID: peerIDArr})
		if err != nil {
			e.closeSession(s, newError(HandshakeReject, "encoding our handshake", err))
			return
		}
		if _, err := s.Conn.Write(out); err != nil {
			e.closeSession(s, newError(TransportIo, "writing handshake", err))
			return
		}
	}

	// The wire parser bundles the handshake-prefix and peer-id bytes into
	// a single Handshake event (no framing boundary separates them), so
	// the session goes straight to Established rather than passing through
	// a separate peer-id-received state.
	s.PeerID = hs.PeerID
	s.Phase = Established

	if s.Role == RoleLeech {
		if err := e.SendInitialRequests(s); err != nil {
			e.closeSession(s, err.(*SessionError))
		}
	}
}

func (e *Engine) handleMessage(s *Session, msg wire.Message) {
	if s.Phase != Established {
		e.closeSession(s, newError(ProtocolViolation, "message before handshake complete", nil))
		return
	}

	if msg.ID == wire.Bitfield {
		if !s.BitfieldAllowed() {
			e.closeSession(s, newError(ProtocolViolation, "bitfield received after first message", nil))
			return
		}
		if err := ValidateBitfield(msg.Bitfield, s.Meta.PieceCount()); err != nil {
			e.closeSession(s, err.(*SessionError))
			return
		}
		s.PeerHas = BitfieldToPeerHas(msg.Bitfield, s.Meta.PieceCount())
		s.MarkMessageSeen()
		return
	}

	s.MarkMessageSeen()

	switch msg.ID {
	case wire.Choke:
		s.PeerChoking = true
	case wire.Unchoke:
		s.PeerChoking = false
	case wire.Interested:
		s.PeerInterested = true
	case wire.NotInterested:
		s.PeerInterested = false
	case wire.Have:
		s.PeerHas[int(msg.Index)] = true
	case wire.Request:
		e.handleRequest(s, msg)
	case wire.Piece:
		e.handlePiece(s, msg)
	case wire.Cancel:
		// no pending-request tracking to cancel against (no choking
		// policy is enforced, requests are served immediately); accepted
		// and ignored.
	case wire.Port:
		// DHT listen port advertisement; DHT is out of scope, recorded
		// nowhere.
	default:
		e.closeSession(s, newError(ProtocolViolation, fmt.Sprintf("unhandled message id %d", msg.ID), nil))
	}
}

// handleRequest serves a block read for a seeder-role (or any) session,
// per §4.4: offset overflow logs and continues rather than closing.
func (e *Engine) handleRequest(s *Session, msg wire.Message) {
	offset := int64(msg.Index)*s.Meta.PieceLength + int64(msg.Begin)
	block, err := s.File.ReadBlock(offset, msg.Length)
	if err != nil {
		e.log.Warn("session %d: request overflow for piece %d begin %d: %v", s.ID, msg.Index, msg.Begin, err)
		return
	}
	out := wire.EncodePiece(msg.Index, msg.Begin, block)
	if _, err := s.Conn.Write(out); err != nil {
		e.closeSession(s, newError(TransportIo, "writing piece", err))
	}
}

// handlePiece assembles a received block and, once a piece is complete,
// verifies it and either writes it (match) or re-requests it (mismatch).
func (e *Engine) handlePiece(s *Session, msg wire.Message) {
	pieceCount := s.Meta.PieceCount()
	if int(msg.Index) >= pieceCount {
		e.closeSession(s, newError(ProtocolViolation, "piece index out of range", nil))
		return
	}
	if msg.Begin%wire.BlockSize != 0 {
		e.closeSession(s, newError(ProtocolViolation, "piece begin not block-aligned", nil))
		return
	}
	if len(msg.Block) > wire.BlockSize {
		e.closeSession(s, newError(ProtocolViolation, "piece block oversized", nil))
		return
	}

	index := int(msg.Index)
	s.AddBlock(index, msg.Begin, msg.Block)

	size, err := s.Meta.PieceSize(index)
	if err != nil {
		e.closeSession(s, newError(ProtocolViolation, "piece size lookup failed", err))
		return
	}
	expected := len(BlocksForPieceSize(size))

	candidate, ready := s.PieceReady(index, expected)
	if !ready {
		return
	}

	hash := sha1.Sum(candidate)
	want, err := s.Meta.PieceHash(index)
	if err != nil {
		e.closeSession(s, newError(ProtocolViolation, "piece hash lookup failed", err))
		return
	}

	if !bytes.Equal(hash[:], want[:]) {
		cause := newError(IntegrityFailure, fmt.Sprintf("piece %d hash mismatch", index), nil)
		e.log.Warn("session %d: %v, re-requesting", s.ID, cause)
		s.DiscardPiece(index)
		s.PartialPieces[index] = make(map[uint32][]byte)
		for _, span := range BlocksForPieceSize(size) {
			req := wire.EncodeRequest(uint32(index), span.Begin, span.Length)
			if _, err := s.Conn.Write(req); err != nil {
				e.closeSession(s, newError(TransportIo, "writing re-request", err))
				return
			}
		}
		return
	}

	offset := int64(index) * s.Meta.PieceLength
	if err := s.File.WritePiece(offset, candidate); err != nil {
		e.closeSession(s, err.(*SessionError))
		return
	}
	delete(s.PartialPieces, index)

	if e.onPieceComplete != nil {
		e.onPieceComplete(s.ID, index, pieceCount)
	}

	have := wire.EncodeHave(uint32(index))
	if _, err := s.Conn.Write(have); err != nil {
		e.closeSession(s, newError(TransportIo, "writing have", err))
		return
	}

	if s.Done(pieceCount) {
		e.log.Info("session %d: leech complete", s.ID)
	}
}

// SendInitialRequests fires the full request burst for a freshly
// established leech session, per §4.4's leech-initiation rule.
func (e *Engine) SendInitialRequests(s *Session) error {
	for _, req := range RequestAll(s.Meta) {
		out := wire.EncodeRequest(req.Index, req.Begin, req.Length)
		if _, err := s.Conn.Write(out); err != nil {
			return newError(TransportIo, "writing initial request burst", err)
		}
	}
	return nil
}

// closeSession always closes: the one recoverable kind, IntegrityFailure,
// never reaches here — handlePiece handles a hash mismatch by re-requesting
// the piece in place, without going through closeSession at all.
func (e *Engine) closeSession(s *Session, cause *SessionError) {
	s.Phase = Closed
	e.log.Fail("session %d: closing: %v", s.ID, cause)
}

func (e *Engine) shutdown() {
	for _, s := range e.sessions {
		s.Conn.Close()
	}
	for _, f := range e.files {
		f.Close()
	}
}
