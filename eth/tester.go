package eth

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

// ensure that TestChainClient implements the ChainClient interface
var _ ChainClient = (*TestChainClient)(nil)

const testObserveBuffer = 64

// TestChain simulates the market contracts for testing purposes. The first
// bid inside the auction window wins. A request is resolved by its winner
// and an offer by its signer, before the end of the proving time.
type TestChain struct {
	mu        sync.Mutex
	now       uint64
	block     uint64
	auctions  map[common.Hash]*testAuction
	events    []Event
	observers map[int]*testObserver
	nextObsID int
	submitErr error
}

type testAuction struct {
	terms  types.Terms
	winner common.Address
	// resolver is the winner of a request, and the signer of an offer
	resolver common.Address
	amount   *big.Int
	resolved bool
}

type testObserver struct {
	sub      *Subscription
	intentID common.Hash
	kind     EventKind
}

// NewTestChain returns a new TestChain with its clock at now
func NewTestChain(now uint64) *TestChain {
	return &TestChain{
		now:       now,
		auctions:  make(map[common.Hash]*testAuction),
		observers: make(map[int]*testObserver),
	}
}

// SetTime sets the timestamp of the TestChain
func (tc *TestChain) SetTime(now uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.now = now
}

// AdvanceTime moves the clock of the TestChain forward by d seconds
func (tc *TestChain) AdvanceTime(d uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.now += d
}

// Now returns the timestamp of the TestChain
func (tc *TestChain) Now() uint64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.now
}

// SetSubmitError makes every following Submit fail with err, a nil err
// restores the normal behaviour
func (tc *TestChain) SetSubmitError(err error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.submitErr = err
}

// Events returns a copy of the emitted events
func (tc *TestChain) Events() []Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]Event(nil), tc.events...)
}

// ObserverCount returns the number of live subscriptions
func (tc *TestChain) ObserverCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.observers)
}

// Winner returns the winner of the auction of intentID
func (tc *TestChain) Winner(intentID common.Hash) (common.Address, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	a, ok := tc.auctions[intentID]
	if !ok {
		return common.Address{}, false
	}
	return a.winner, true
}

// Client returns a ChainClient that submits as sender
func (tc *TestChain) Client(sender common.Address) *TestChainClient {
	return &TestChainClient{chain: tc, sender: sender}
}

func (tc *TestChain) submit(sender common.Address, s Submission) (*Receipt, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.submitErr != nil {
		return nil, tc.submitErr
	}

	var e Event
	switch s.Method {
	case MethodBid:
		ev, err := tc.bid(sender, s.Bid)
		if err != nil {
			return nil, err
		}
		e = *ev
	case MethodResolve:
		ev, err := tc.resolve(sender, s.IntentID)
		if err != nil {
			return nil, err
		}
		e = *ev
	default:
		return nil, fmt.Errorf("%w: unknown method %s", ErrReverted, s.Method)
	}

	tc.block++
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], tc.block)
	binary.BigEndian.PutUint64(b[8:], uint64(s.Method))
	e.BlockNumber = tc.block
	e.TxHash = crypto.Keccak256Hash(b[:], e.IntentID[:])
	tc.emit(e)
	return &Receipt{TxHash: e.TxHash, BlockNumber: tc.block, GasUsed: 21000}, nil
}

func (tc *TestChain) bid(sender common.Address, bid *types.Bid) (*Event, error) {
	if bid == nil || bid.Commitment == nil {
		return nil, fmt.Errorf("%w: empty bid", ErrReverted)
	}
	var id common.Hash
	resolver := sender
	switch c := bid.Commitment.(type) {
	case *types.ProofRequest:
		id = types.RequestID(c, bid.Signature)
	case *types.ProofOffer:
		id = types.OfferID(c, bid.Signature)
		resolver = c.Signer
	default:
		return nil, fmt.Errorf("%w: unknown commitment %T", ErrReverted, c)
	}
	if id != bid.IntentID {
		return nil, fmt.Errorf("%w: intent id %s does not match commitment %s",
			ErrReverted, bid.IntentID.Hex(), id.Hex())
	}
	terms := bid.Commitment.Terms()
	if tc.now < terms.StartAuctionTimestamp || tc.now > terms.EndAuctionTimestamp {
		return nil, fmt.Errorf("%w: bid outside the auction window (%d, [%d, %d])",
			ErrReverted, tc.now, terms.StartAuctionTimestamp, terms.EndAuctionTimestamp)
	}
	if _, ok := tc.auctions[id]; ok {
		return nil, fmt.Errorf("%w: Another Bid has already submitted", ErrReverted)
	}
	amount := new(big.Int)
	if bid.Amount != nil {
		amount.Set(bid.Amount)
	}
	tc.auctions[id] = &testAuction{terms: terms, winner: sender, resolver: resolver, amount: amount}
	return &Event{Kind: BidEvent, IntentID: id, Sender: sender, Amount: amount}, nil
}

func (tc *TestChain) resolve(sender common.Address, intentID common.Hash) (*Event, error) {
	a, ok := tc.auctions[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: intent %s has no winning bid", ErrReverted, intentID.Hex())
	}
	if a.resolver != sender {
		return nil, fmt.Errorf("%w: only the auction winner can resolve", ErrReverted)
	}
	if a.resolved {
		return nil, fmt.Errorf("%w: intent already resolved", ErrReverted)
	}
	if tc.now > a.terms.ResolveDeadline() {
		return nil, fmt.Errorf("%w: proving time elapsed (%d > %d)",
			ErrReverted, tc.now, a.terms.ResolveDeadline())
	}
	a.resolved = true
	return &Event{Kind: ResolveEvent, IntentID: intentID, Sender: sender,
		Amount: new(big.Int).Set(a.amount)}, nil
}

// Emit appends an event that did not come from a submission, as emitted by
// another market or a reorg replay
func (tc *TestChain) Emit(e Event) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.block++
	e.BlockNumber = tc.block
	tc.emit(e)
}

// emit must be called holding tc.mu
func (tc *TestChain) emit(e Event) {
	tc.events = append(tc.events, e)
	for _, o := range tc.observers {
		if o.intentID == e.IntentID && o.kind == e.Kind {
			if !o.sub.trySend(e) {
				log.Warnw("test chain observer dropped event", "event", e.String())
			}
		}
	}
}

func (tc *TestChain) observe(intentID common.Hash, kind EventKind) *Subscription {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	id := tc.nextObsID
	tc.nextObsID++
	sub := newSubscription(testObserveBuffer, func() {
		tc.mu.Lock()
		delete(tc.observers, id)
		tc.mu.Unlock()
	})
	// replay the events emitted before the subscription
	for _, e := range tc.events {
		if e.IntentID == intentID && e.Kind == kind {
			sub.trySend(e)
		}
	}
	tc.observers[id] = &testObserver{sub: sub, intentID: intentID, kind: kind}
	return sub
}

// TestChainClient is the ChainClient of a sender on a TestChain
type TestChainClient struct {
	chain  *TestChain
	sender common.Address
}

// Sender returns the address the client submits as
func (c *TestChainClient) Sender() common.Address { return c.sender }

// LatestTimestamp implements the ChainClient interface
func (c *TestChainClient) LatestTimestamp(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.chain.Now(), nil
}

// Submit implements the ChainClient interface
func (c *TestChainClient) Submit(ctx context.Context, s Submission) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.chain.submit(c.sender, s)
}

// Observe implements the ChainClient interface
func (c *TestChainClient) Observe(ctx context.Context, intentID common.Hash,
	kind EventKind) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.chain.observe(intentID, kind), nil
}
