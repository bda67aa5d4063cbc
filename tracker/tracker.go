// Package tracker implements the deadline bounded state machines that
// observe the settlement of an intent: the auction tracker, which reports
// the winning bid, and the resolve tracker, which reports the resolution
// of a won intent.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/metrics"
	"go.vocdoni.io/dvote/log"
)

var (
	// ErrCancelled is returned when the caller stops waiting before the
	// deadline. It is not a terminal state.
	ErrCancelled = errors.New("tracking cancelled")
	// ErrAlreadyTracked is returned when an intent id is tracked while
	// open, or after it reached a terminal state
	ErrAlreadyTracked = errors.New("intent already tracked")
)

// State is the state of a tracked intent
type State int

const (
	// StateOpen is the state of an auction waiting for a bid, or of a won
	// intent waiting for its resolution
	StateOpen State = iota
	// StateWon is the terminal state of an auction with a winning bid
	StateWon
	// StateResolved is the terminal state of a resolved intent
	StateResolved
	// StateTimedOut is the terminal state reached when no event arrived
	// before the deadline
	StateTimedOut
	// StateCancelled is set when the caller stopped waiting, the intent
	// can be tracked again
	StateCancelled
)

// String implements the Stringer interface
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWon:
		return "won"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements the encoding.TextMarshaler interface
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements the encoding.TextUnmarshaler interface
func (s *State) UnmarshalText(text []byte) error {
	for st := StateOpen; st <= StateCancelled; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown tracker state %q", text)
}

// Terminal returns true for the states that are reported at most once
func (s State) Terminal() bool {
	return s == StateWon || s == StateResolved || s == StateTimedOut
}

// Policy selects the winning event among the events of an intent
type Policy int

const (
	// FirstBid reports the first observed event
	FirstBid Policy = iota
	// LowestBid waits until the deadline and reports the event with the
	// lowest amount, the earliest one on ties
	LowestBid
)

// ParsePolicy parses the name of a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "first", "first-bid", "":
		return FirstBid, nil
	case "lowest", "lowest-bid":
		return LowestBid, nil
	}
	return FirstBid, fmt.Errorf("unknown auction policy %q", s)
}

// Record is the tracking state of an intent
type Record struct {
	IntentID common.Hash `json:"intentId"`
	State    State       `json:"state"`
	Deadline time.Time   `json:"deadline"`
	// Eligible is the number of subscriptions the intent was delivered to
	Eligible   int        `json:"eligible"`
	Event      *eth.Event `json:"event,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
}

// TrackOption configures a single tracking
type TrackOption func(*Record)

// WithEligible sets the number of subscriptions the intent was delivered
// to
func WithEligible(n int) TrackOption {
	return func(r *Record) { r.Eligible = n }
}

// tracker races the events of an intent against a timer. It holds one
// Record per tracked intent id.
type tracker struct {
	name    string
	chain   eth.ChainClient
	kind    eth.EventKind
	settled State
	policy  Policy

	mu      sync.Mutex
	records map[common.Hash]*Record
}

func newTracker(name string, chain eth.ChainClient, kind eth.EventKind,
	settled State, policy Policy) *tracker {
	return &tracker{
		name:    name,
		chain:   chain,
		kind:    kind,
		settled: settled,
		policy:  policy,
		records: make(map[common.Hash]*Record),
	}
}

func (t *tracker) open(id common.Hash, timeout time.Duration, opts []TrackOption) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok && r.State != StateCancelled {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTracked, id.Hex(), r.State)
	}
	r := &Record{IntentID: id, State: StateOpen, Deadline: time.Now().Add(timeout)}
	for _, opt := range opts {
		opt(r)
	}
	t.records[id] = r
	return nil
}

// finish moves the record of id to the given state. Only an open record
// can be finished.
func (t *tracker) finish(id common.Hash, state State, e *eth.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok || r.State != StateOpen {
		return false
	}
	r.State = state
	r.Event = e
	r.FinishedAt = time.Now()
	metrics.TrackerOutcomes.WithLabelValues(t.name, state.String()).Inc()
	return true
}

func (t *tracker) track(ctx context.Context, id common.Hash, timeout time.Duration,
	opts []TrackOption) (*eth.Event, error) {
	if err := t.open(id, timeout, opts); err != nil {
		return nil, err
	}

	sub, err := t.chain.Observe(ctx, id, t.kind)
	if err != nil {
		t.finish(id, StateCancelled, nil)
		return nil, fmt.Errorf("observe %s events of %s: %w", t.kind, id.Hex(), err)
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var best *eth.Event
	for {
		select {
		case <-ctx.Done():
			t.finish(id, StateCancelled, nil)
			log.Debugf("[%s tracker] %s cancelled", t.name, id.Hex())
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case err := <-sub.Err():
			t.finish(id, StateCancelled, nil)
			return nil, fmt.Errorf("observe %s events of %s: %w", t.kind, id.Hex(), err)
		case e := <-sub.Events():
			if e.IntentID != id {
				continue
			}
			ev := e
			if t.policy == FirstBid {
				t.finish(id, t.settled, &ev)
				log.Infof("[%s tracker] %s %s by %s", t.name, id.Hex(), t.settled, ev.Sender.Hex())
				return &ev, nil
			}
			if best == nil || amountOf(&ev).Cmp(amountOf(best)) < 0 {
				best = &ev
			}
		case <-timer.C:
			if best != nil {
				t.finish(id, t.settled, best)
				log.Infof("[%s tracker] %s %s by %s", t.name, id.Hex(), t.settled, best.Sender.Hex())
				return best, nil
			}
			t.finish(id, StateTimedOut, nil)
			log.Infof("[%s tracker] %s timed out", t.name, id.Hex())
			return nil, nil
		}
	}
}

func amountOf(e *eth.Event) *big.Int {
	if e.Amount == nil {
		return new(big.Int)
	}
	return e.Amount
}

func (t *tracker) record(id common.Hash) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (t *tracker) prune(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, r := range t.records {
		if (r.State.Terminal() || r.State == StateCancelled) && r.FinishedAt.Before(before) {
			delete(t.records, id)
			n++
		}
	}
	return n
}

// AuctionTracker reports the winning bid of the auction of an intent
type AuctionTracker struct {
	t *tracker
}

// NewAuctionTracker returns an AuctionTracker observing chain
func NewAuctionTracker(chain eth.ChainClient, policy Policy) *AuctionTracker {
	return &AuctionTracker{t: newTracker("auction", chain, eth.BidEvent, StateWon, policy)}
}

// TrackAuction waits up to timeout for the winning bid of the intent. It
// returns a nil event when no bid arrived before the deadline, and
// ErrCancelled when ctx is done first.
func (a *AuctionTracker) TrackAuction(ctx context.Context, intentID common.Hash,
	timeout time.Duration, opts ...TrackOption) (*eth.Event, error) {
	return a.t.track(ctx, intentID, timeout, opts)
}

// Record returns the tracking state of the auction of intentID
func (a *AuctionTracker) Record(intentID common.Hash) (Record, bool) {
	return a.t.record(intentID)
}

// Prune removes the records finished before the given time, returning the
// number of removed records
func (a *AuctionTracker) Prune(before time.Time) int {
	return a.t.prune(before)
}

// ResolveTracker reports the resolution of a won intent
type ResolveTracker struct {
	t *tracker
}

// NewResolveTracker returns a ResolveTracker observing chain
func NewResolveTracker(chain eth.ChainClient) *ResolveTracker {
	return &ResolveTracker{t: newTracker("resolve", chain, eth.ResolveEvent, StateResolved, FirstBid)}
}

// TrackResolve waits up to timeout for the resolution of the intent. It
// returns a nil event when the intent was not resolved before the
// deadline, and ErrCancelled when ctx is done first.
func (r *ResolveTracker) TrackResolve(ctx context.Context, intentID common.Hash,
	timeout time.Duration) (*eth.Event, error) {
	return r.t.track(ctx, intentID, timeout, nil)
}

// Record returns the tracking state of the resolution of intentID
func (r *ResolveTracker) Record(intentID common.Hash) (Record, bool) {
	return r.t.record(intentID)
}

// Prune removes the records finished before the given time
func (r *ResolveTracker) Prune(before time.Time) int {
	return r.t.prune(before)
}
