package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/taralli-labs/taralli-node/analyzer"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/prover"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/test"
	"github.com/taralli-labs/taralli-node/types"
	"github.com/taralli-labs/taralli-node/worker"
	kvdb "go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/pebbledb"
)

type backendFunc func(ctx context.Context, s systems.System) (*prover.Artifact, error)

func (f backendFunc) Generate(ctx context.Context, s systems.System) (*prover.Artifact, error) {
	return f(ctx, s)
}

var risc0Backend = backendFunc(func(ctx context.Context, s systems.System) (*prover.Artifact, error) {
	return &prover.Artifact{
		System:            systems.Risc0,
		Seal:              []byte("seal"),
		ImageID:           common.HexToHash("0x0a"),
		JournalDigest:     common.HexToHash("0x0b"),
		PartialCommitment: common.HexToHash("0x0c"),
	}, nil
})

func newTestStore(c *qt.C) *Store {
	database, err := pebbledb.New(kvdb.Options{Path: c.TempDir()})
	c.Assert(err, qt.IsNil)
	s := NewStore(database)
	c.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestProvider(c *qt.C, chain *eth.TestChain, addr common.Address,
	backend worker.Backend, store *Store) *Provider {
	w, err := worker.NewWorker(systems.Risc0, backend)
	c.Assert(err, qt.IsNil)
	return New(Options{
		Chain:    chain.Client(addr),
		Address:  addr,
		Analyzer: analyzer.New(types.DefaultValidationConfig(test.Network), analyzer.Policy{}),
		Workers:  worker.NewManager(worker.Options{Slots: 1}, w),
		Store:    store,
	})
}

func TestProcess(t *testing.T) {
	c := qt.New(t)
	signers := test.GenSigners(c, 2)
	chain := eth.NewTestChain(1000)
	store := newTestStore(c)
	p := newTestProvider(c, chain, signers[1].Address(), risc0Backend, store)

	r := test.GenRequest(c, signers[0], test.RequestOpts{Start: 1000, End: 1060})
	out, err := p.Process(context.Background(), r)
	c.Assert(err, qt.IsNil)
	c.Assert(out.Bid.Sender, qt.Equals, signers[1].Address())
	c.Assert(out.Bid.Amount.Int64(), qt.Equals, int64(1000))
	c.Assert(out.Resolve.Kind, qt.Equals, eth.ResolveEvent)
	c.Assert(out.ResolveReceipt.TxHash, qt.Equals, out.Resolve.TxHash)

	prog, err := store.Get(r.ComputeID())
	c.Assert(err, qt.IsNil)
	c.Assert(prog.Stage, qt.Equals, StageResolved)
	c.Assert(*prog.BidTx, qt.Equals, out.BidReceipt.TxHash)

	// a repeated intent is skipped
	_, err = p.Process(context.Background(), r)
	c.Assert(errors.Is(err, ErrAlreadyProcessed), qt.IsTrue)

	rec, ok := p.ResolveRecord(r.ComputeID())
	c.Assert(ok, qt.IsTrue)
	c.Assert(rec.State.String(), qt.Equals, "resolved")
}

// onceSearcher finds its intent once and then blocks until ctx is done
type onceSearcher struct {
	ch chan types.Intent
}

func (s *onceSearcher) Search(ctx context.Context) (types.Intent, error) {
	select {
	case in := <-s.ch:
		return in, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPrune(t *testing.T) {
	c := qt.New(t)
	signers := test.GenSigners(c, 2)
	chain := eth.NewTestChain(1000)
	p := newTestProvider(c, chain, signers[1].Address(), risc0Backend, nil)

	r := test.GenRequest(c, signers[0], test.RequestOpts{Start: 1000, End: 1060})
	_, err := p.Process(context.Background(), r)
	c.Assert(err, qt.IsNil)

	// records finished after the given time are kept
	c.Assert(p.Prune(time.Now().Add(-time.Hour)), qt.Equals, 0)
	_, ok := p.AuctionRecord(r.ComputeID())
	c.Assert(ok, qt.IsTrue)

	c.Assert(p.Prune(time.Now().Add(time.Second)), qt.Equals, 2)
	_, ok = p.AuctionRecord(r.ComputeID())
	c.Assert(ok, qt.IsFalse)
	_, ok = p.ResolveRecord(r.ComputeID())
	c.Assert(ok, qt.IsFalse)
}

func TestRunPrunesRecords(t *testing.T) {
	c := qt.New(t)
	signers := test.GenSigners(c, 2)
	chain := eth.NewTestChain(1000)
	w, err := worker.NewWorker(systems.Risc0, risc0Backend)
	c.Assert(err, qt.IsNil)
	s := &onceSearcher{ch: make(chan types.Intent, 1)}
	p := New(Options{
		Searcher:  s,
		Chain:     chain.Client(signers[1].Address()),
		Address:   signers[1].Address(),
		Analyzer:  analyzer.New(types.DefaultValidationConfig(test.Network), analyzer.Policy{}),
		Workers:   worker.NewManager(worker.Options{Slots: 1}, w),
		RecordTTL: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	r := test.GenRequest(c, signers[0], test.RequestOpts{Start: 1000, End: 1060})
	s.ch <- r
	waitFor(c, 5*time.Second, func() bool {
		_, ok := chain.Winner(r.ComputeID())
		return ok
	})
	// the records of the resolved intent are dropped once expired
	waitFor(c, 5*time.Second, func() bool {
		_, auction := p.AuctionRecord(r.ComputeID())
		_, resolve := p.ResolveRecord(r.ComputeID())
		resolved := false
		for _, e := range chain.Events() {
			resolved = resolved || (e.IntentID == r.ComputeID() && e.Kind == eth.ResolveEvent)
		}
		return resolved && !auction && !resolve
	})

	cancel()
	c.Assert(errors.Is(<-done, context.Canceled), qt.IsTrue)
}

func TestProcessFailures(t *testing.T) {
	c := qt.New(t)
	signers := test.GenSigners(c, 3)
	chain := eth.NewTestChain(1000)
	store := newTestStore(c)
	failing := backendFunc(func(ctx context.Context, s systems.System) (*prover.Artifact, error) {
		return nil, errors.New("prover crashed")
	})
	p := newTestProvider(c, chain, signers[1].Address(), failing, store)

	// rejected by the analyzer, nothing is stored
	expired := test.GenRequest(c, signers[0], test.RequestOpts{Nonce: 1, Start: 900, End: 1000})
	_, err := p.Process(context.Background(), expired)
	c.Assert(errors.Is(err, types.ErrValidation), qt.IsTrue)
	_, err = store.Get(expired.ComputeID())
	c.Assert(errors.Is(err, ErrProgressNotFound), qt.IsTrue)

	// offers are not processed
	o := test.GenOffer(c, signers[0], test.OfferOpts{Start: 1000, End: 1060})
	_, err = p.Process(context.Background(), o)
	c.Assert(errors.Is(err, ErrUnsupportedKind), qt.IsTrue)

	// the execution fails after winning the auction
	r := test.GenRequest(c, signers[0], test.RequestOpts{Nonce: 2, Start: 1000, End: 1060})
	_, err = p.Process(context.Background(), r)
	c.Assert(errors.Is(err, worker.ErrExecutionFailed), qt.IsTrue)
	prog, err := store.Get(r.ComputeID())
	c.Assert(err, qt.IsNil)
	c.Assert(prog.Stage, qt.Equals, StageFailed)
	c.Assert(prog.Error, qt.Matches, ".*prover crashed")

	// another provider already won the auction
	r2 := test.GenRequest(c, signers[0], test.RequestOpts{Nonce: 3, Start: 1000, End: 1060})
	other := newTestProvider(c, chain, signers[2].Address(), risc0Backend, nil)
	_, err = other.Process(context.Background(), r2)
	c.Assert(err, qt.IsNil)
	_, err = p.Process(context.Background(), r2)
	c.Assert(errors.Is(err, eth.ErrReverted), qt.IsTrue)

	list, err := store.List()
	c.Assert(err, qt.IsNil)
	c.Assert(len(list), qt.Equals, 2)
}
