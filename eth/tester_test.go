package eth_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/test"
	"github.com/taralli-labs/taralli-node/types"
)

func bidFor(r *types.ComputeRequest, amount int64) *types.Bid {
	return &types.Bid{
		IntentID:   r.ComputeID(),
		Kind:       types.KindRequest,
		Amount:     big.NewInt(amount),
		Commitment: &r.ProofRequest,
		Signature:  r.Sig,
		Value:      r.ProofRequest.MinimumStake,
	}
}

func TestTestChainFirstBidWins(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	signers := test.GenSigners(c, 3)
	r := test.GenRequest(c, signers[0], test.RequestOpts{Start: 1000, End: 1060})
	id := r.ComputeID()

	chain := eth.NewTestChain(990)
	p1 := chain.Client(signers[1].Address())
	p2 := chain.Client(signers[2].Address())

	// before the auction start
	_, err := p1.Submit(ctx, eth.Submission{Method: eth.MethodBid, Bid: bidFor(r, 900)})
	c.Assert(errors.Is(err, eth.ErrReverted), qt.IsTrue)

	chain.SetTime(1010)
	receipt, err := p1.Submit(ctx, eth.Submission{Method: eth.MethodBid, Bid: bidFor(r, 900)})
	c.Assert(err, qt.IsNil)
	c.Assert(receipt.BlockNumber, qt.Equals, uint64(1))

	_, err = p2.Submit(ctx, eth.Submission{Method: eth.MethodBid, Bid: bidFor(r, 800)})
	c.Assert(err, qt.ErrorMatches, ".*Another Bid has already submitted")

	winner, ok := chain.Winner(id)
	c.Assert(ok, qt.IsTrue)
	c.Assert(winner, qt.Equals, signers[1].Address())

	// a bid whose id does not match its commitment
	bad := bidFor(r, 900)
	bad.IntentID[0] ^= 1
	_, err = p2.Submit(ctx, eth.Submission{Method: eth.MethodBid, Bid: bad})
	c.Assert(err, qt.ErrorMatches, ".*does not match commitment.*")
}

func TestTestChainResolve(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	signers := test.GenSigners(c, 3)
	r := test.GenRequest(c, signers[0], test.RequestOpts{Start: 1000, End: 1060, ProvingTime: 60})
	id := r.ComputeID()

	chain := eth.NewTestChain(1000)
	p1 := chain.Client(signers[1].Address())
	p2 := chain.Client(signers[2].Address())
	resolve := eth.Submission{Method: eth.MethodResolve, IntentID: id, OpaqueSubmission: []byte{1}}

	// no winning bid yet
	_, err := p1.Submit(ctx, resolve)
	c.Assert(errors.Is(err, eth.ErrReverted), qt.IsTrue)

	_, err = p1.Submit(ctx, eth.Submission{Method: eth.MethodBid, Bid: bidFor(r, 900)})
	c.Assert(err, qt.IsNil)

	_, err = p2.Submit(ctx, resolve)
	c.Assert(err, qt.ErrorMatches, ".*only the auction winner can resolve")

	chain.SetTime(1121)
	_, err = p1.Submit(ctx, resolve)
	c.Assert(err, qt.ErrorMatches, ".*proving time elapsed.*")

	chain.SetTime(1120)
	_, err = p1.Submit(ctx, resolve)
	c.Assert(err, qt.IsNil)
	_, err = p1.Submit(ctx, resolve)
	c.Assert(err, qt.ErrorMatches, ".*already resolved")

	events := chain.Events()
	c.Assert(len(events), qt.Equals, 2)
	c.Assert(events[1].Kind, qt.Equals, eth.ResolveEvent)
	c.Assert(events[1].Amount.Int64(), qt.Equals, int64(900))
}

func TestTestChainObserve(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	signers := test.GenSigners(c, 2)
	r := test.GenRequest(c, signers[0], test.RequestOpts{Start: 1000, End: 1060})
	id := r.ComputeID()

	chain := eth.NewTestChain(1000)
	p := chain.Client(signers[1].Address())

	live, err := p.Observe(ctx, id, eth.BidEvent)
	c.Assert(err, qt.IsNil)
	c.Assert(chain.ObserverCount(), qt.Equals, 1)

	_, err = p.Submit(ctx, eth.Submission{Method: eth.MethodBid, Bid: bidFor(r, 700)})
	c.Assert(err, qt.IsNil)

	e := <-live.Events()
	c.Assert(e.IntentID, qt.Equals, id)
	c.Assert(e.Sender, qt.Equals, signers[1].Address())
	c.Assert(e.Amount.Int64(), qt.Equals, int64(700))

	// an observer opened after the event receives it too
	late, err := p.Observe(ctx, id, eth.BidEvent)
	c.Assert(err, qt.IsNil)
	e = <-late.Events()
	c.Assert(e.IntentID, qt.Equals, id)

	// events of another kind are not delivered
	resolves, err := p.Observe(ctx, id, eth.ResolveEvent)
	c.Assert(err, qt.IsNil)
	select {
	case e := <-resolves.Events():
		c.Fatalf("unexpected event %s", &e)
	default:
	}

	live.Unsubscribe()
	live.Unsubscribe()
	late.Unsubscribe()
	resolves.Unsubscribe()
	c.Assert(chain.ObserverCount(), qt.Equals, 0)
}

func TestTestChainSubmitError(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	signers := test.GenSigners(c, 2)
	r := test.GenRequest(c, signers[0], test.RequestOpts{Start: 1000, End: 1060})

	chain := eth.NewTestChain(1000)
	p := chain.Client(signers[1].Address())
	failure := errors.New("node unreachable")
	chain.SetSubmitError(failure)
	_, err := p.Submit(ctx, eth.Submission{Method: eth.MethodBid, Bid: bidFor(r, 700)})
	c.Assert(err, qt.Equals, failure)

	chain.SetSubmitError(nil)
	_, err = p.Submit(ctx, eth.Submission{Method: eth.MethodBid, Bid: bidFor(r, 700)})
	c.Assert(err, qt.IsNil)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.LatestTimestamp(cctx)
	c.Assert(err, qt.Equals, context.Canceled)
}
