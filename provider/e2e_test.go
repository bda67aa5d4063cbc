package provider

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/taralli-labs/taralli-node/analyzer"
	"github.com/taralli-labs/taralli-node/api"
	"github.com/taralli-labs/taralli-node/db"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/requester"
	"github.com/taralli-labs/taralli-node/searcher"
	"github.com/taralli-labs/taralli-node/subscription"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/test"
	"github.com/taralli-labs/taralli-node/types"
	"github.com/taralli-labs/taralli-node/worker"
)

func newTestAPI(c *qt.C, chain *eth.TestChain) (*api.API, *api.Client) {
	sqlDB, err := sql.Open("sqlite3", filepath.Join(c.TempDir(), "testdb.sqlite3"))
	c.Assert(err, qt.IsNil)
	sqlite := db.NewSQLite(sqlDB)
	c.Assert(sqlite.Migrate(), qt.IsNil)

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
	return a, api.NewClient(ts.URL)
}

func streamSearcher(client *api.Client, ids ...systems.ID) *searcher.StreamSearcher {
	return searcher.NewStreamSearcher(func(ctx context.Context) (searcher.Stream, error) {
		s, err := client.Subscribe(ctx, ids)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, searcher.Backoff{Min: 10 * time.Millisecond, Max: 100 * time.Millisecond})
}

func waitFor(c *qt.C, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && !cond() {
		time.Sleep(5 * time.Millisecond)
	}
	c.Assert(cond(), qt.IsTrue)
}

// TestEndToEnd posts a risc0 request that two subscribed providers race
// for, and an arkworks request nobody is subscribed for
func TestEndToEnd(t *testing.T) {
	c := qt.New(t)
	signers := test.GenSigners(c, 3)
	chain := eth.NewTestChain(1000)
	server, client := newTestAPI(c, chain)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	providers := make([]*Provider, 2)
	stores := make([]*Store, 2)
	for i := range providers {
		addr := signers[i+1].Address()
		w, err := worker.NewWorker(systems.Risc0, risc0Backend)
		c.Assert(err, qt.IsNil)
		stores[i] = newTestStore(c)
		providers[i] = New(Options{
			Searcher: streamSearcher(client, systems.Risc0),
			Chain:    chain.Client(addr),
			Address:  addr,
			Analyzer: analyzer.New(types.DefaultValidationConfig(test.Network),
				analyzer.Policy{Systems: []systems.ID{systems.Risc0}}),
			Workers: worker.NewManager(worker.Options{Slots: 1}, w),
			Store:   stores[i],
		})
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			err := p.Run(ctx)
			c.Check(errors.Is(err, context.Canceled), qt.IsTrue)
		}(providers[i])
	}
	waitFor(c, 5*time.Second, func() bool {
		return server.Subscriptions().Count(systems.Risc0) == 2
	})

	r := requester.New(requester.Options{
		Server:     client,
		Chain:      chain.Client(signers[0].Address()),
		Signer:     signers[0],
		Network:    test.Network,
		Validation: types.DefaultValidationConfig(test.Network),
		EventGrace: 50 * time.Millisecond,
	})

	// intent X over system A: both providers receive it, one wins
	x, err := r.BuildRequest(ctx, requester.RequestParams{
		System:        test.Risc0System(),
		AuctionLength: 60,
		ProvingTime:   120,
		MaxReward:     big.NewInt(1000),
		MinReward:     big.NewInt(100),
		MinimumStake:  big.NewInt(10),
	})
	c.Assert(err, qt.IsNil)
	resp, err := r.Submit(ctx, x)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Delivered, qt.Equals, 2)

	res, err := r.Track(ctx, x)
	c.Assert(err, qt.IsNil)
	winner, ok := chain.Winner(x.ComputeID())
	c.Assert(ok, qt.IsTrue)
	c.Assert(res.Bid.Sender, qt.Equals, winner)
	c.Assert(res.Resolve.Sender, qt.Equals, winner)

	resolves := 0
	for _, e := range chain.Events() {
		if e.IntentID == x.ComputeID() && e.Kind == eth.ResolveEvent {
			resolves++
		}
	}
	c.Assert(resolves, qt.Equals, 1)

	waitFor(c, 5*time.Second, func() bool {
		status, err := client.GetAuction(ctx, x.ComputeID())
		return err == nil && status.State() == "won"
	})

	// the winner reached the resolved stage, the other provider failed
	// bidding
	for i, s := range stores {
		stage := StageFailed
		if signers[i+1].Address() == winner {
			stage = StageResolved
		}
		var prog *Progress
		waitFor(c, 5*time.Second, func() bool {
			p, err := s.Get(x.ComputeID())
			prog = p
			return err == nil && p.Stage == stage
		})
		if stage == StageFailed {
			c.Assert(prog.Error, qt.Matches, ".*Another Bid has already submitted.*")
		}
	}

	// intent Y over system B: no provider is subscribed and the auction
	// times out
	y, err := r.BuildRequest(ctx, requester.RequestParams{
		System:        test.ArkworksSystem(),
		AuctionLength: 1,
		ProvingTime:   120,
		MaxReward:     big.NewInt(1000),
		MinReward:     big.NewInt(100),
	})
	c.Assert(err, qt.IsNil)
	_, err = r.Submit(ctx, y)
	c.Assert(errors.Is(err, subscription.ErrNoProvidersAvailable), qt.IsTrue)

	_, err = r.Track(ctx, y)
	c.Assert(errors.Is(err, requester.ErrNoBid), qt.IsTrue)
	waitFor(c, 5*time.Second, func() bool {
		status, err := client.GetAuction(ctx, y.ComputeID())
		return err == nil && status.State() == "timed_out"
	})
	_, ok = chain.Winner(y.ComputeID())
	c.Assert(ok, qt.IsFalse)
}
