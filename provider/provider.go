// Package provider runs the pipeline of a compute provider: it searches
// the intents published on the server, analyzes them, bids, generates the
// proofs of the won auctions and resolves them on chain
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/analyzer"
	"github.com/taralli-labs/taralli-node/bidder"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/resolver"
	"github.com/taralli-labs/taralli-node/searcher"
	"github.com/taralli-labs/taralli-node/tracker"
	"github.com/taralli-labs/taralli-node/types"
	"github.com/taralli-labs/taralli-node/worker"
	"go.vocdoni.io/dvote/log"
)

// eventGrace is added to the chain deadlines when waiting for the events
// of the provider's own transactions
const eventGrace = 10 * time.Second

var (
	// ErrAuctionLost is returned when the auction was won by another
	// bidder, or no winning bid was observed
	ErrAuctionLost = errors.New("auction lost")
	// ErrNotResolved is returned when the resolution was not observed
	// before the proving deadline
	ErrNotResolved = errors.New("resolution not observed")
	// ErrAlreadyProcessed is returned for intents found in the Store
	ErrAlreadyProcessed = errors.New("intent already processed")
	// ErrUnsupportedKind is returned for intents other than requests
	ErrUnsupportedKind = errors.New("provider only processes requests")
)

// Options configures a Provider
type Options struct {
	Searcher searcher.Searcher
	Chain    eth.ChainClient
	// Address is the account the Chain client submits as
	Address  common.Address
	Analyzer *analyzer.Analyzer
	Workers  *worker.Manager
	// Store is optional, when set the processed intents are skipped
	Store *Store
	// Concurrency bounds the intents processed at the same time
	Concurrency int
	// DedupTTL is how long a found intent id is remembered by Run
	DedupTTL time.Duration
	// RecordTTL is how long Run keeps the tracker records of finished
	// intents, DedupTTL by default
	RecordTTL time.Duration
	// BidParams returns the bid parameters of an intent, the current
	// auction price is used when nil
	BidParams func(in types.Intent) bidder.BidParams
}

// Outcome is the result of a processed intent
type Outcome struct {
	IntentID       common.Hash
	Bid            *eth.Event
	Resolve        *eth.Event
	BidReceipt     *eth.Receipt
	ResolveReceipt *eth.Receipt
}

// Provider processes the intents found by its Searcher
type Provider struct {
	opts     Options
	bidder   *bidder.Bidder
	auctions *tracker.AuctionTracker
	resolves *tracker.ResolveTracker
}

// New returns a Provider with the given options
func New(opts Options) *Provider {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = opts.DedupTTL
	}
	return &Provider{
		opts:     opts,
		bidder:   bidder.New(opts.Chain),
		auctions: tracker.NewAuctionTracker(opts.Chain, tracker.FirstBid),
		resolves: tracker.NewResolveTracker(opts.Chain),
	}
}

// Run processes the found intents until ctx is done
func (p *Provider) Run(ctx context.Context) error {
	s := searcher.Deduplicated(p.opts.Searcher, p.opts.DedupTTL)
	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()
	stop := make(chan struct{})
	defer close(stop)

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.pruneLoop(ctx, stop)
	}()

	log.Infof("provider %s running, waiting for intents", p.opts.Address.Hex())
	for {
		in, err := s.Search(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("search: %w", err)
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := p.Process(ctx, in); err != nil {
				log.Warnw("intent not processed", "id", in.ComputeID().Hex(), "err", err)
			}
		}()
	}
}

// pruneLoop drops the tracker records of the intents finished more than
// RecordTTL ago
func (p *Provider) pruneLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.opts.RecordTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.Prune(time.Now().Add(-p.opts.RecordTTL)); n > 0 {
				log.Debugf("[provider] pruned %d tracker records", n)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Prune removes the tracker records of the intents finished before the
// given time, returning the number of removed records
func (p *Provider) Prune(before time.Time) int {
	return p.auctions.Prune(before) + p.resolves.Prune(before)
}

// Process runs the pipeline over a single intent. Intents rejected by the
// analyzer are not stored.
func (p *Provider) Process(ctx context.Context, in types.Intent) (*Outcome, error) {
	id := in.ComputeID()
	if in.Kind() != types.KindRequest {
		return nil, fmt.Errorf("%w: %s is an %s", ErrUnsupportedKind, id.Hex(), in.Kind())
	}
	if p.opts.Store != nil {
		prev, err := p.opts.Store.Get(id)
		if err == nil {
			return nil, fmt.Errorf("%w: %s reached stage %s", ErrAlreadyProcessed, id.Hex(), prev.Stage)
		}
		if !errors.Is(err, ErrProgressNotFound) {
			return nil, err
		}
	}

	latest, err := p.opts.Chain.LatestTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.opts.Analyzer.Analyze(latest, in); err != nil {
		return nil, err
	}
	prog := Progress{IntentID: id, Kind: in.Kind(), Stage: StageAccepted}
	p.save(&prog)

	out, err := p.process(ctx, latest, in, &prog)
	if err != nil {
		prog.Stage = StageFailed
		prog.Error = err.Error()
		p.save(&prog)
		return nil, err
	}
	return out, nil
}

func (p *Provider) process(ctx context.Context, latest uint64, in types.Intent,
	prog *Progress) (*Outcome, error) {
	id := in.ComputeID()
	terms := in.Terms()
	out := &Outcome{IntentID: id}

	var params bidder.BidParams
	if p.opts.BidParams != nil {
		params = p.opts.BidParams(in)
	}
	receipt, err := p.bidder.SubmitBid(ctx, latest, id, params, in.Commitment(), in.Signature())
	if err != nil {
		return nil, err
	}
	out.BidReceipt = receipt
	prog.Stage, prog.BidTx = StageBid, &receipt.TxHash
	p.save(prog)

	bid, err := p.auctions.TrackAuction(ctx, id, untilDeadline(latest, terms.EndAuctionTimestamp))
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return nil, fmt.Errorf("%w: no winning bid for %s", ErrAuctionLost, id.Hex())
	}
	if bid.Sender != p.opts.Address {
		return nil, fmt.Errorf("%w: %s won by %s", ErrAuctionLost, id.Hex(), bid.Sender.Hex())
	}
	out.Bid = bid
	prog.Stage = StageWon
	p.save(prog)

	res, err := p.opts.Workers.Execute(ctx, in)
	if err != nil {
		return nil, err
	}
	prog.Stage = StageExecuted
	p.save(prog)

	receipt, err = resolver.New(p.opts.Chain, in.Kind()).ResolveIntent(ctx, id,
		res.OpaqueSubmission, res.PartialCommitment)
	if err != nil {
		return nil, err
	}
	out.ResolveReceipt = receipt
	prog.ResolveTx = &receipt.TxHash

	latest, err = p.opts.Chain.LatestTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	resolved, err := p.resolves.TrackResolve(ctx, id, untilDeadline(latest, terms.ResolveDeadline()))
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotResolved, id.Hex())
	}
	out.Resolve = resolved
	prog.Stage = StageResolved
	p.save(prog)
	log.Infof("[provider] %s resolved, reward %s", id.Hex(), resolved.Amount)
	return out, nil
}

func untilDeadline(latest, deadline uint64) time.Duration {
	if deadline <= latest {
		return eventGrace
	}
	return time.Duration(deadline-latest)*time.Second + eventGrace
}

func (p *Provider) save(prog *Progress) {
	if p.opts.Store == nil {
		return
	}
	prog.UpdatedAt = time.Now()
	if err := p.opts.Store.Put(*prog); err != nil {
		log.Errorf("storing progress of %s: %s", prog.IntentID.Hex(), err)
	}
}

// AuctionRecord returns the auction tracker record of the intent
func (p *Provider) AuctionRecord(id common.Hash) (tracker.Record, bool) {
	return p.auctions.Record(id)
}

// ResolveRecord returns the resolve tracker record of the intent
func (p *Provider) ResolveRecord(id common.Hash) (tracker.Record, bool) {
	return p.resolves.Record(id)
}
