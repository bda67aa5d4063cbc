// Package eth implements the interaction with the settlement layer: the
// market contracts where bids and resolutions are submitted, and whose
// events are observed by the trackers.
package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/types"
)

// ErrReverted is returned when a submitted transaction is rejected by the
// market
var ErrReverted = errors.New("transaction reverted")

// ChainClient is the capability the marketplace needs from the
// settlement layer
type ChainClient interface {
	// LatestTimestamp returns the timestamp of the latest block
	LatestTimestamp(ctx context.Context) (uint64, error)
	// Submit sends the submission and waits for its receipt
	Submit(ctx context.Context, s Submission) (*Receipt, error)
	// Observe streams the events of the given kind for intentID,
	// including the ones already emitted
	Observe(ctx context.Context, intentID common.Hash, kind EventKind) (*Subscription, error)
}

// Method is a market contract call
type Method int

const (
	// MethodBid submits a bid for an intent
	MethodBid Method = iota
	// MethodResolve submits the proof that resolves a won intent
	MethodResolve
)

// String implements the Stringer interface
func (m Method) String() string {
	switch m {
	case MethodBid:
		return "bid"
	case MethodResolve:
		return "resolve"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Submission is a call to a market contract
type Submission struct {
	Method Method
	// Kind selects the market, requests and offers settle on different
	// contracts
	Kind types.Kind
	// Bid is set for MethodBid
	Bid *types.Bid
	// IntentID, OpaqueSubmission and PartialCommitment are set for
	// MethodResolve
	IntentID          common.Hash
	OpaqueSubmission  []byte
	PartialCommitment common.Hash
}

// Receipt is the outcome of a mined Submission
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
}

// EventKind is the kind of a market event
type EventKind int

const (
	// BidEvent is emitted when a bid is accepted by the market
	BidEvent EventKind = iota
	// ResolveEvent is emitted when an intent is resolved
	ResolveEvent
)

// String implements the Stringer interface
func (k EventKind) String() string {
	switch k {
	case BidEvent:
		return "bid"
	case ResolveEvent:
		return "resolve"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is an observed market event
type Event struct {
	Kind     EventKind      `json:"kind"`
	IntentID common.Hash    `json:"intentId"`
	Sender   common.Address `json:"sender"`
	// Amount is the bid amount of a BidEvent and the paid reward of a
	// ResolveEvent
	Amount      *big.Int    `json:"amount"`
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"txHash"`
}

// String implements the Stringer interface for Event
func (e *Event) String() string {
	return fmt.Sprintf("[%sEvent]: IntentID: %s, Sender: %s, Amount: %s,"+
		" BlockNumber: %d, TxHash: %s",
		e.Kind, e.IntentID.Hex(), e.Sender.Hex(), e.Amount, e.BlockNumber,
		e.TxHash.Hex())
}

// Subscription streams observed events until Unsubscribe is called
type Subscription struct {
	events chan Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
	onStop func()
}

func newSubscription(buffer int, onStop func()) *Subscription {
	return &Subscription{
		events: make(chan Event, buffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

// Events returns the channel of observed events
func (s *Subscription) Events() <-chan Event { return s.events }

// Err returns a channel receiving the error that ended the subscription
func (s *Subscription) Err() <-chan error { return s.errs }

// Unsubscribe stops the subscription and releases its resources. It is
// safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// send delivers e unless the subscription is stopped
func (s *Subscription) send(e Event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

func (s *Subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// trySend delivers e without blocking, dropping it when the buffer is full
func (s *Subscription) trySend(e Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- e:
		return true
	default:
		return false
	}
}
