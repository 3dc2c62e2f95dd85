package engine

import (
	"github.com/google/uuid"
)

// peerIDPrefix is this client's Azureus-style identification, parallel to
// the teacher's GeneratePeerID "-GT0001-" prefix (torrent/utils.go).
const peerIDPrefix = "-BP0001-"

// NewPeerID builds a 20-byte peer id: the fixed prefix, a role byte ('s'
// for seed, 'l' for leech), and random suffix characters. Entropy comes
// from github.com/google/uuid rather than the teacher's direct
// crypto/rand.Read — the teacher's go.mod already carried uuid as an
// indirect, unused dependency; this is its first importer.
func NewPeerID(role byte) string {
	const peerIDLength = 20
	randomLength := peerIDLength - len(peerIDPrefix) - 1

	id := uuid.New()
	raw := id[:]

	const chars = "0123456789abcdefghijklmnopqrstuvxyz"
	suffix := make([]byte, randomLength)
	for i := 0; i < randomLength; i++ {
		suffix[i] = chars[int(raw[i%len(raw)])%len(chars)]
	}

	return peerIDPrefix + string(role) + string(suffix)
}
