package systems

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// Commitment returns the inputs commitment of s: the keccak256 hash of the
// RFC 8785 canonical JSON of the system tagged with its ID
func Commitment(s System) (common.Hash, error) {
	b, err := json.Marshal(Envelope{ID: s.ID(), System: s})
	if err != nil {
		return common.Hash{}, err
	}
	canonical, err := jcs.Transform(b)
	if err != nil {
		return common.Hash{}, fmt.Errorf("canonicalizing %s params: %w", s.ID(), err)
	}
	return crypto.Keccak256Hash(canonical), nil
}
