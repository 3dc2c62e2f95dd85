package engine

import (
	"net"
	"sort"

	"bitpeer/metainfo"
	"bitpeer/wire"
)

// Phase names a state in the per-session handshake state machine (§4.4).
type Phase int

const (
	AwaitInfohash Phase = iota
	Established
	Closed
)

// Role distinguishes a session bound to a seeding engine from one bound to
// a leeching engine; it decides how AwaitInfohash resolves an incoming
// handshake (look up vs. compare-to-expected).
type Role int

const (
	RoleSeed Role = iota
	RoleLeech
)

// Session is one peer connection's state, created on connect and destroyed
// on close. It generalizes the teacher's Peer struct (mutex-guarded,
// touched from multiple goroutines) into state owned exclusively by the
// dispatcher goroutine — see §5: no field here is ever written by more
// than one goroutine.
type Session struct {
	ID   uint64
	Conn net.Conn

	Parser *wire.Parser
	Phase  Phase
	Role   Role

	// Initiated is true for sessions we opened outbound (leech); false for
	// sessions accepted inbound (seed responds with its own handshake once
	// the peer's infohash is known).
	Initiated bool

	// ExpectedInfoHash is set for leech sessions: the infohash this
	// connection was opened to fetch, used to reject a mismatched peer
	// handshake instead of looking one up in a torrents map.
	ExpectedInfoHash [20]byte
	PeerID            [20]byte

	Meta *metainfo.Metainfo
	File *FileStore

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	PeerHas map[int]bool

	// PartialPieces maps piece index to begin-offset to block bytes, per
	// §3's "set of (begin_offset, block_bytes) pairs not yet assembled".
	// Leech sessions only.
	PartialPieces map[int]map[uint32][]byte

	// anyMessageSeen enforces "a bitfield received after the first message
	// is a protocol violation" (§4.4): true once any Established-phase
	// message has been processed (see BitfieldAllowed). bitfieldSeen is
	// never set or read.
	bitfieldSeen   bool
	anyMessageSeen bool

	// inbound and transportClosed are the reactor-to-dispatcher channels
	// (§5): the reactor goroutine only ever sends on these, the dispatcher
	// only ever receives.
	inbound        chan []byte
	transportClosed chan struct{}
}

// NewSession builds a session in its initial state: am_choking=true,
// peer_choking=true, am_interested=false, peer_interested=false (§3).
func NewSession(id uint64, conn net.Conn, role Role) *Session {
	return &Session{
		ID:              id,
		Conn:            conn,
		Parser:          wire.NewParser(),
		Phase:           AwaitInfohash,
		Role:            role,
		AmChoking:       true,
		PeerChoking:     true,
		PeerHas:         make(map[int]bool),
		PartialPieces:   make(map[int]map[uint32][]byte),
		inbound:         make(chan []byte, 64),
		transportClosed: make(chan struct{}),
	}
}

// MarkMessageSeen records that a regular (non-pseudo) message has now
// arrived on this session, so a later bitfield can be flagged as
// out-of-order.
func (s *Session) MarkMessageSeen() { s.anyMessageSeen = true }

// BitfieldAllowed reports whether a bitfield message is still legal to
// receive: only before any other Established-phase message.
func (s *Session) BitfieldAllowed() bool { return !s.anyMessageSeen }

// InitPartialPieces seeds partial_pieces with an empty entry for every
// piece so Done() correctly reports "not complete" from the moment a leech
// session starts requesting, not just once the first block arrives.
func (s *Session) InitPartialPieces(pieceCount int) {
	for i := 0; i < pieceCount; i++ {
		s.PartialPieces[i] = make(map[uint32][]byte)
	}
}

// AddBlock records one received block toward piece index's assembly.
func (s *Session) AddBlock(index int, begin uint32, data []byte) {
	blocks, ok := s.PartialPieces[index]
	if !ok {
		blocks = make(map[uint32][]byte)
		s.PartialPieces[index] = blocks
	}
	blocks[begin] = append([]byte(nil), data...)
}

// DiscardPiece drops all partial blocks held for index, ahead of a full
// re-request (used on integrity failure).
func (s *Session) DiscardPiece(index int) {
	delete(s.PartialPieces, index)
}

// PieceReady reports whether piece index has accumulated the expected
// number of blocks and, if so, returns them concatenated in begin order.
func (s *Session) PieceReady(index int, expectedBlocks int) ([]byte, bool) {
	blocks, ok := s.PartialPieces[index]
	if !ok || len(blocks) < expectedBlocks {
		return nil, false
	}

	begins := make([]uint32, 0, len(blocks))
	for b := range blocks {
		begins = append(begins, b)
	}
	sort.Slice(begins, func(i, j int) bool { return begins[i] < begins[j] })

	var out []byte
	for _, b := range begins {
		out = append(out, blocks[b]...)
	}
	return out, true
}

// Done reports whether every tracked piece has been assembled and written,
// i.e. partial_pieces is empty. pieceCount is not consulted, so a session
// whose partial_pieces was never populated (no InitPartialPieces call) also
// reports done.
func (s *Session) Done(pieceCount int) bool {
	return len(s.PartialPieces) == 0
}

// ValidateBitfield checks byte length and trailing-bit constraints from
// §4.3: the field must be exactly ceil(piece_count/8) bytes, and no bit
// beyond piece_count-1 may be set.
func ValidateBitfield(bits []byte, pieceCount int) error {
	wantLen := (pieceCount + 7) / 8
	if len(bits) != wantLen {
		return newError(ProtocolViolation, "bitfield length mismatch", nil)
	}
	for i := pieceCount; i < wantLen*8; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if bits[byteIdx]>>(7-bitIdx)&1 == 1 {
			return newError(ProtocolViolation, "bitfield sets bit beyond piece_count-1", nil)
		}
	}
	return nil
}

// BitfieldToPeerHas expands a validated bitfield into the peer_has set.
func BitfieldToPeerHas(bits []byte, pieceCount int) map[int]bool {
	has := make(map[int]bool)
	for i := 0; i < pieceCount; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx < len(bits) && bits[byteIdx]>>(7-bitIdx)&1 == 1 {
			has[i] = true
		}
	}
	return has
}
