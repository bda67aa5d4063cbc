package requester

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/taralli-labs/taralli-node/analyzer"
	"github.com/taralli-labs/taralli-node/api"
	"github.com/taralli-labs/taralli-node/bidder"
	"github.com/taralli-labs/taralli-node/db"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/resolver"
	"github.com/taralli-labs/taralli-node/subscription"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/test"
	"github.com/taralli-labs/taralli-node/types"
)

type testEnv struct {
	chain   *eth.TestChain
	server  *api.API
	client  *api.Client
	signers []*types.KeySigner
}

func newTestEnv(c *qt.C) *testEnv {
	sqlDB, err := sql.Open("sqlite3", filepath.Join(c.TempDir(), "testdb.sqlite3"))
	c.Assert(err, qt.IsNil)
	sqlite := db.NewSQLite(sqlDB)
	c.Assert(sqlite.Migrate(), qt.IsNil)

	chain := eth.NewTestChain(1000)
	a, err := api.New(api.Options{
		DB:         sqlite,
		Chain:      chain.Client(common.Address{}),
		Validation: types.DefaultValidationConfig(test.Network),
	})
	c.Assert(err, qt.IsNil)
	ts := httptest.NewServer(a.Handler())
	c.Cleanup(func() {
		a.Close()
		ts.Close()
		_ = sqlite.Close()
	})
	return &testEnv{
		chain:   chain,
		server:  a,
		client:  api.NewClient(ts.URL),
		signers: test.GenSigners(c, 3),
	}
}

func (e *testEnv) requester(opts Options) *Requester {
	opts.Server = e.client
	opts.Chain = e.chain.Client(e.signers[0].Address())
	opts.Signer = e.signers[0]
	opts.Network = test.Network
	opts.Validation = types.DefaultValidationConfig(test.Network)
	return New(opts)
}

func params() RequestParams {
	return RequestParams{
		System:        test.Risc0System(),
		AuctionLength: 60,
		ProvingTime:   120,
		MaxReward:     big.NewInt(1000),
		MinReward:     big.NewInt(100),
		MinimumStake:  big.NewInt(10),
	}
}

func TestBuildRequest(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(c)
	r := e.requester(Options{FirstNonce: big.NewInt(7)})

	req, err := r.BuildRequest(context.Background(), params())
	c.Assert(err, qt.IsNil)
	c.Assert(req.ProofRequest.Signer, qt.Equals, e.signers[0].Address())
	c.Assert(req.ProofRequest.Market, qt.Equals, test.Network.RequestMarket)
	c.Assert(req.ProofRequest.StartAuctionTimestamp, qt.Equals, uint64(1000))
	c.Assert(req.ProofRequest.EndAuctionTimestamp, qt.Equals, uint64(1060))
	c.Assert(req.ProofRequest.Nonce.Int64(), qt.Equals, int64(7))
	c.Assert(types.Validate(1000, req, types.DefaultValidationConfig(test.Network)), qt.IsNil)

	details, err := req.VerifierDetails()
	c.Assert(err, qt.IsNil)
	c.Assert(details.Verifier, qt.Equals, test.Network.Verifiers[systems.Risc0])

	// the nonce is incremented for every request
	req2, err := r.BuildRequest(context.Background(), params())
	c.Assert(err, qt.IsNil)
	c.Assert(req2.ProofRequest.Nonce.Int64(), qt.Equals, int64(8))
	c.Assert(req2.ComputeID(), qt.Not(qt.Equals), req.ComputeID())

	p := params()
	p.MinReward = big.NewInt(2000)
	_, err = r.BuildRequest(context.Background(), p)
	c.Assert(errors.Is(err, ErrInvalidParams), qt.IsTrue)

	p = params()
	p.AuctionLength = 0
	_, err = r.BuildRequest(context.Background(), p)
	c.Assert(errors.Is(err, ErrInvalidParams), qt.IsTrue)

	p = params()
	p.System = &systems.Risc0Params{ELF: []byte("elf")}
	_, err = r.BuildRequest(context.Background(), p)
	c.Assert(errors.Is(err, systems.ErrProverInputs), qt.IsTrue)
}

func TestSubmitAndTrack(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(c)
	r := e.requester(Options{})

	stream, err := e.client.Subscribe(context.Background(), []systems.ID{systems.Risc0})
	c.Assert(err, qt.IsNil)
	defer stream.Close() //nolint:errcheck
	for i := 0; i < 500 && e.server.Subscriptions().Count(systems.Risc0) == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	req, err := r.BuildRequest(context.Background(), params())
	c.Assert(err, qt.IsNil)
	resp, err := r.Submit(context.Background(), req)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.ID, qt.Equals, req.ComputeID())
	c.Assert(resp.Delivered, qt.Equals, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := stream.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, req.ComputeID())

	// a provider bids and resolves
	provider := e.chain.Client(e.signers[1].Address())
	_, err = bidder.New(provider).SubmitBid(ctx, e.chain.Now(), in.ComputeID(),
		bidder.BidParams{}, in.Commitment(), in.Signature())
	c.Assert(err, qt.IsNil)
	e.chain.AdvanceTime(30)
	_, err = resolver.New(provider, types.KindRequest).ResolveIntent(ctx, in.ComputeID(),
		[]byte("proof"), common.Hash{})
	c.Assert(err, qt.IsNil)

	res, err := r.Track(ctx, req)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Bid.Sender, qt.Equals, e.signers[1].Address())
	c.Assert(res.Bid.Amount.Int64(), qt.Equals, int64(1000))
	c.Assert(res.Resolve.Kind, qt.Equals, eth.ResolveEvent)

	rec, ok := r.AuctionRecord(req.ComputeID())
	c.Assert(ok, qt.IsTrue)
	c.Assert(rec.State.String(), qt.Equals, "won")

	// finished records are dropped by Prune
	c.Assert(r.Prune(time.Now().Add(time.Second)), qt.Equals, 2)
	_, ok = r.AuctionRecord(req.ComputeID())
	c.Assert(ok, qt.IsFalse)

	// an invalid request is not posted
	expired := test.GenRequest(c, e.signers[0], test.RequestOpts{Nonce: 99, Start: 900, End: 990})
	_, err = r.Submit(context.Background(), expired)
	c.Assert(errors.Is(err, types.ErrValidation), qt.IsTrue)
}

func TestSubmitNoProviders(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(c)
	r := e.requester(Options{EventGrace: 10 * time.Millisecond})

	p := params()
	p.System = test.ArkworksSystem()
	p.AuctionLength = 1
	req, err := r.BuildRequest(context.Background(), p)
	c.Assert(err, qt.IsNil)
	resp, err := r.Submit(context.Background(), req)
	c.Assert(errors.Is(err, subscription.ErrNoProvidersAvailable), qt.IsTrue)
	c.Assert(resp.ID, qt.Equals, req.ComputeID())

	// the request stays posted
	in, err := e.client.GetIntent(context.Background(), req.ComputeID())
	c.Assert(err, qt.IsNil)
	c.Assert(in.SystemID(), qt.Equals, systems.Arkworks)

	// nobody bids before the end of the auction
	res, err := r.Track(context.Background(), req)
	c.Assert(errors.Is(err, ErrNoBid), qt.IsTrue)
	c.Assert(res.Bid, qt.IsNil)

	// SubmitAndTrack goes on tracking without providers
	p.Nonce = big.NewInt(42)
	_, err = r.SubmitAndTrack(context.Background(), p)
	c.Assert(errors.Is(err, ErrNoBid), qt.IsTrue)
}

func TestAcceptOffer(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(c)
	r := e.requester(Options{
		Analyzer: analyzer.New(types.DefaultValidationConfig(test.Network), analyzer.Policy{
			MaxReward: big.NewInt(600),
			MinStake:  big.NewInt(20),
		}),
	})

	// the offer asks for more than the requester pays
	expensive := test.GenOffer(c, e.signers[1], test.OfferOpts{Nonce: 1, Start: 1000,
		End: 1060, Reward: big.NewInt(900)})
	_, err := r.AcceptOffer(context.Background(), expensive)
	c.Assert(errors.Is(err, analyzer.ErrPolicy), qt.IsTrue)

	offer := test.GenOffer(c, e.signers[1], test.OfferOpts{Nonce: 2, Start: 1000, End: 1060})
	type result struct {
		res *Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := r.AcceptOffer(context.Background(), offer)
		done <- result{res, err}
	}()

	// the offering provider resolves once the requester won
	for i := 0; i < 500; i++ {
		if _, ok := e.chain.Winner(offer.ComputeID()); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	winner, ok := e.chain.Winner(offer.ComputeID())
	c.Assert(ok, qt.IsTrue)
	c.Assert(winner, qt.Equals, e.signers[0].Address())
	_, err = resolver.New(e.chain.Client(e.signers[1].Address()), types.KindOffer).
		ResolveIntent(context.Background(), offer.ComputeID(), []byte("proof"), common.Hash{})
	c.Assert(err, qt.IsNil)

	out := <-done
	c.Assert(out.err, qt.IsNil)
	c.Assert(out.res.Bid.Amount.Int64(), qt.Equals, int64(500))
	c.Assert(out.res.Resolve.Sender, qt.Equals, e.signers[1].Address())
}
