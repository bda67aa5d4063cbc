package api

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/taralli-labs/taralli-node/bidder"
	"github.com/taralli-labs/taralli-node/codec"
	"github.com/taralli-labs/taralli-node/db"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/subscription"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/test"
	"github.com/taralli-labs/taralli-node/tracker"
	"github.com/taralli-labs/taralli-node/types"
)

type testServer struct {
	api    *API
	db     *db.SQLite
	chain  *eth.TestChain
	client *Client
}

func newTestServer(c *qt.C, opts Options) *testServer {
	sqlDB, err := sql.Open("sqlite3", filepath.Join(c.TempDir(), "testdb.sqlite3"))
	c.Assert(err, qt.IsNil)
	sqlite := db.NewSQLite(sqlDB)
	c.Assert(sqlite.Migrate(), qt.IsNil)

	chain := eth.NewTestChain(1000)
	opts.DB = sqlite
	if opts.Chain == nil {
		opts.Chain = chain.Client(common.Address{})
	}
	opts.Validation = types.DefaultValidationConfig(test.Network)
	a, err := New(opts)
	c.Assert(err, qt.IsNil)

	ts := httptest.NewServer(a.Handler())
	c.Cleanup(func() {
		a.Close()
		ts.Close()
		_ = sqlite.Close()
	})
	return &testServer{api: a, db: sqlite, chain: chain, client: NewClient(ts.URL)}
}

func waitFor(c *qt.C, cond func() bool) {
	for i := 0; i < 500 && !cond(); i++ {
		time.Sleep(5 * time.Millisecond)
	}
	c.Assert(cond(), qt.IsTrue)
}

func TestPostIntentNoProviders(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(c, Options{})
	signer := test.GenSigners(c, 1)[0]
	r := test.GenRequest(c, signer, test.RequestOpts{Start: 1000, End: 1060})

	_, err := s.client.PostIntent(context.Background(), r)
	c.Assert(errors.Is(err, subscription.ErrNoProvidersAvailable), qt.IsTrue)

	// the intent is stored and its auction tracked anyway
	in, err := s.client.GetIntent(context.Background(), r.ComputeID())
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, r.ComputeID())
	status, err := s.client.GetAuction(context.Background(), r.ComputeID())
	c.Assert(err, qt.IsNil)
	c.Assert(status.State(), qt.Equals, "open")

	// posting the same intent again is rejected
	_, err = s.client.PostIntent(context.Background(), r)
	c.Assert(err, qt.ErrorMatches, "intent already stored.*")
}

func TestPostIntentInvalid(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(c, Options{})
	signer := test.GenSigners(c, 1)[0]

	expired := test.GenRequest(c, signer, test.RequestOpts{Start: 900, End: 1000})
	_, err := s.client.PostIntent(context.Background(), expired)
	c.Assert(err, qt.ErrorMatches, "validation error: .*expired.*")

	// a tampered intent does not match its signature
	r := test.GenRequest(c, signer, test.RequestOpts{Start: 1000, End: 1060})
	r.ProofRequest.Nonce.SetInt64(99)
	s.client.Compress = false
	_, err = s.client.PostIntent(context.Background(), r)
	c.Assert(err, qt.ErrorMatches, "validation error: .*")

	_, err = s.client.GetIntent(context.Background(), r.ComputeID())
	c.Assert(err, qt.ErrorMatches, "intent not found in the db.*")
}

func TestPostIntentCompressedTooLarge(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(c, Options{})

	// a few KB of zstd expanding past the body limit
	body := codec.Compress(bytes.Repeat([]byte{' '}, maxBodySize+1))
	c.Assert(len(body) < 1<<20, qt.IsTrue)

	req := httptest.NewRequest(http.MethodPost, "/intents/request", bytes.NewReader(body))
	req.Header.Set("Content-Encoding", codec.ContentEncoding)
	w := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(w, req)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(w.Body.String(), qt.Matches, `.*decompressed data too large.*`)
}

func TestSubscribe(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(c, Options{})
	signers := test.GenSigners(c, 2)

	stream, err := s.client.Subscribe(context.Background(), []systems.ID{systems.Risc0})
	c.Assert(err, qt.IsNil)
	defer stream.Close() //nolint:errcheck
	waitFor(c, func() bool { return s.api.Subscriptions().Count(systems.Risc0) == 1 })

	// an intent of another system is not delivered
	ark := test.GenRequest(c, signers[0], test.RequestOpts{Nonce: 1, Start: 1000, End: 1060,
		System: test.ArkworksSystem()})
	_, err = s.client.PostIntent(context.Background(), ark)
	c.Assert(errors.Is(err, subscription.ErrNoProvidersAvailable), qt.IsTrue)

	r := test.GenRequest(c, signers[0], test.RequestOpts{Nonce: 2, Start: 1000, End: 1060})
	res, err := s.client.PostIntent(context.Background(), r)
	c.Assert(err, qt.IsNil)
	c.Assert(res.ID, qt.Equals, r.ComputeID())
	c.Assert(res.Delivered, qt.Equals, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := stream.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(in.ComputeID(), qt.Equals, r.ComputeID())

	// the provider wins the auction
	_, err = bidder.New(s.chain.Client(signers[1].Address())).SubmitBid(context.Background(),
		s.chain.Now(), r.ComputeID(), bidder.BidParams{}, r.Commitment(), r.Sig)
	c.Assert(err, qt.IsNil)
	waitFor(c, func() bool {
		o, err := s.db.GetAuctionOutcome(r.ComputeID())
		return err == nil && o.State == "won"
	})
	o, err := s.db.GetAuctionOutcome(r.ComputeID())
	c.Assert(err, qt.IsNil)
	c.Assert(*o.Winner, qt.Equals, signers[1].Address())
	c.Assert(o.Eligible, qt.Equals, 1)

	status, err := s.client.GetAuction(context.Background(), r.ComputeID())
	c.Assert(err, qt.IsNil)
	c.Assert(status.Record, qt.Not(qt.IsNil))
	c.Assert(status.Record.State, qt.Equals, tracker.StateWon)
	c.Assert(status.Record.Event.Sender, qt.Equals, signers[1].Address())

	// once the record is pruned the stored outcome is returned
	c.Assert(s.api.Sweep(context.Background(), time.Now().Add(time.Second)), qt.IsNil)
	status, err = s.client.GetAuction(context.Background(), r.ComputeID())
	c.Assert(err, qt.IsNil)
	c.Assert(status.Record, qt.IsNil)
	c.Assert(status.State(), qt.Equals, "won")
}

func TestListIntents(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(c, Options{})
	signer := test.GenSigners(c, 1)[0]

	r1 := test.GenRequest(c, signer, test.RequestOpts{Nonce: 1, Start: 1000, End: 1060})
	r2 := test.GenRequest(c, signer, test.RequestOpts{Nonce: 2, Start: 1000, End: 1120})
	o := test.GenOffer(c, signer, test.OfferOpts{Nonce: 3, Start: 1000, End: 1060})
	for _, in := range []types.Intent{r1, r2, o} {
		_, err := s.client.PostIntent(context.Background(), in)
		c.Assert(errors.Is(err, subscription.ErrNoProvidersAvailable), qt.IsTrue)
	}

	intents, err := s.client.ListIntents(context.Background(), types.KindRequest, systems.Risc0)
	c.Assert(err, qt.IsNil)
	c.Assert(len(intents), qt.Equals, 2)
	c.Assert(intents[0].ComputeID(), qt.Equals, r1.ComputeID())

	intents, err = s.client.ListIntents(context.Background(), types.KindOffer, "")
	c.Assert(err, qt.IsNil)
	c.Assert(len(intents), qt.Equals, 1)
	c.Assert(intents[0].Kind(), qt.Equals, types.KindOffer)

	// ended auctions are not listed
	s.chain.SetTime(1060)
	intents, err = s.client.ListIntents(context.Background(), types.KindRequest, systems.Risc0)
	c.Assert(err, qt.IsNil)
	c.Assert(len(intents), qt.Equals, 1)
	c.Assert(intents[0].ComputeID(), qt.Equals, r2.ComputeID())

	_, err = s.client.ListIntents(context.Background(), types.Kind("bid"), "")
	c.Assert(err, qt.ErrorMatches, "unknown intent kind.*")
}

func TestRateLimit(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(c, Options{RateLimit: 0.001, RateBurst: 1})
	signer := test.GenSigners(c, 1)[0]

	r1 := test.GenRequest(c, signer, test.RequestOpts{Nonce: 1, Start: 1000, End: 1060})
	r2 := test.GenRequest(c, signer, test.RequestOpts{Nonce: 2, Start: 1000, End: 1060})
	_, err := s.client.PostIntent(context.Background(), r1)
	c.Assert(errors.Is(err, subscription.ErrNoProvidersAvailable), qt.IsTrue)
	_, err = s.client.PostIntent(context.Background(), r2)
	c.Assert(err, qt.Equals, ErrRateLimited)
}

// slowChain is a ChainClient whose timestamps never arrive
type slowChain struct {
	eth.ChainClient
}

func (slowChain) LatestTimestamp(ctx context.Context) (uint64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestValidationTimeout(t *testing.T) {
	c := qt.New(t)
	chain := eth.NewTestChain(1000)
	s := newTestServer(c, Options{
		Chain:             slowChain{chain.Client(common.Address{})},
		ValidationTimeout: 20 * time.Millisecond,
	})
	signer := test.GenSigners(c, 1)[0]
	r := test.GenRequest(c, signer, test.RequestOpts{Start: 1000, End: 1060})

	_, err := s.client.PostIntent(context.Background(), r)
	c.Assert(err, qt.Equals, ErrValidationTimeout)
}

func TestSweep(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(c, Options{})
	signer := test.GenSigners(c, 1)[0]
	r := test.GenRequest(c, signer, test.RequestOpts{Start: 1000, End: 1060})
	_, err := s.client.PostIntent(context.Background(), r)
	c.Assert(errors.Is(err, subscription.ErrNoProvidersAvailable), qt.IsTrue)

	s.chain.SetTime(1060)
	c.Assert(s.api.Sweep(context.Background(), time.Now()), qt.IsNil)
	intents, err := s.db.ListActiveIntents(types.KindRequest, systems.Risc0, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(len(intents), qt.Equals, 0)
}
