package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/db"
)

// ErrProgressNotFound is returned when no progress is stored for an intent
var ErrProgressNotFound = errors.New("progress not found")

var dbPrefixProgress = []byte("progress/")

// Stage is the last stage an intent reached in the provider pipeline
type Stage string

// Pipeline stages
const (
	StageAccepted Stage = "accepted"
	StageBid      Stage = "bid"
	StageWon      Stage = "won"
	StageExecuted Stage = "executed"
	StageResolved Stage = "resolved"
	StageFailed   Stage = "failed"
)

// Progress is the stored state of an intent processed by the provider
type Progress struct {
	IntentID  common.Hash  `json:"intentId"`
	Kind      types.Kind   `json:"kind"`
	Stage     Stage        `json:"stage"`
	Error     string       `json:"error,omitempty"`
	BidTx     *common.Hash `json:"bidTx,omitempty"`
	ResolveTx *common.Hash `json:"resolveTx,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Store keeps the Progress of the processed intents in a key-value db
type Store struct {
	db db.Database
}

// NewStore returns a Store over the given database
func NewStore(database db.Database) *Store {
	return &Store{db: database}
}

func progressKey(id common.Hash) []byte {
	return append(append([]byte{}, dbPrefixProgress...), id.Bytes()...)
}

// Put stores p, replacing the previous progress of the intent
func (s *Store) Put(p Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(progressKey(p.IntentID), b); err != nil {
		return err
	}
	// commit the db.WriteTx
	return wTx.Commit()
}

// Get returns the stored progress of the intent
func (s *Store) Get(id common.Hash) (*Progress, error) {
	rTx := s.db.ReadTx()
	defer rTx.Discard()

	b, err := rTx.Get(progressKey(id))
	if err == db.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrProgressNotFound, id.Hex())
	} else if err != nil {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns all the stored progresses
func (s *Store) List() ([]Progress, error) {
	var ps []Progress
	var iErr error
	err := s.db.Iterate(dbPrefixProgress, func(_, v []byte) bool {
		var p Progress
		if iErr = json.Unmarshal(v, &p); iErr != nil {
			return false
		}
		ps = append(ps, p)
		return true
	})
	if err != nil {
		return nil, err
	}
	return ps, iErr
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
