// Package requester implements the requester side of the marketplace: it
// builds and signs compute requests, posts them to the server and follows
// their auction and resolution on chain. It also accepts the compute
// offers published by providers.
package requester

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/analyzer"
	"github.com/taralli-labs/taralli-node/api"
	"github.com/taralli-labs/taralli-node/bidder"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/subscription"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/tracker"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

var (
	// ErrNoBid is returned when the auction ended without a bid
	ErrNoBid = errors.New("no bid before the end of the auction")
	// ErrNotResolved is returned when the intent was not resolved before
	// its proving deadline
	ErrNotResolved = errors.New("intent not resolved")
	// ErrInvalidParams is returned by BuildRequest for unusable params
	ErrInvalidParams = errors.New("invalid request params")
)

// Options configures a Requester
type Options struct {
	// Server is the client of the taralli server
	Server *api.Client
	Chain  eth.ChainClient
	Signer types.Signer
	// Network holds the market and verifier addresses
	Network    systems.Network
	Validation types.ValidationConfig
	// RewardToken is the token requests pay their reward in
	RewardToken common.Address
	// FirstNonce is the Permit2 nonce of the first built request
	FirstNonce *big.Int
	// Analyzer filters the offers passed to AcceptOffer, offers are only
	// validated when nil
	Analyzer *analyzer.Analyzer
	// EventGrace is added to the chain deadlines when waiting for events,
	// 10s by default
	EventGrace time.Duration
	// RecordTTL is how long the tracker records of finished intents are
	// kept, 10m by default
	RecordTTL time.Duration
}

// RequestParams describe the request to build
type RequestParams struct {
	System systems.System
	// AuctionLength is the number of seconds the auction lasts from the
	// latest block timestamp
	AuctionLength uint64
	ProvingTime   uint32
	MaxReward     *big.Int
	MinReward     *big.Int
	MinimumStake  *big.Int
	// Nonce overrides the Permit2 nonce of the Requester
	Nonce *big.Int
}

// Result is the on-chain outcome of an intent
type Result struct {
	IntentID common.Hash
	Bid      *eth.Event
	Resolve  *eth.Event
}

// Requester builds, submits and tracks compute intents
type Requester struct {
	opts     Options
	domain   common.Hash
	bidder   *bidder.Bidder
	auctions *tracker.AuctionTracker
	resolves *tracker.ResolveTracker

	mu    sync.Mutex
	nonce *big.Int
}

// New returns a Requester with the given options
func New(opts Options) *Requester {
	nonce := new(big.Int)
	if opts.FirstNonce != nil {
		nonce.Set(opts.FirstNonce)
	}
	if opts.EventGrace <= 0 {
		opts.EventGrace = 10 * time.Second
	}
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = 10 * time.Minute
	}
	return &Requester{
		opts:     opts,
		domain:   types.Permit2DomainSeparator(opts.Network.ChainID),
		bidder:   bidder.New(opts.Chain),
		auctions: tracker.NewAuctionTracker(opts.Chain, tracker.FirstBid),
		resolves: tracker.NewResolveTracker(opts.Chain),
		nonce:    nonce,
	}
}

func (r *Requester) nextNonce() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := new(big.Int).Set(r.nonce)
	r.nonce.Add(r.nonce, big.NewInt(1))
	return n
}

// BuildRequest builds and signs a ComputeRequest whose auction starts at
// the latest block timestamp
func (r *Requester) BuildRequest(ctx context.Context, p RequestParams) (*types.ComputeRequest, error) {
	if p.System == nil {
		return nil, fmt.Errorf("%w: no system", ErrInvalidParams)
	}
	if p.AuctionLength == 0 || p.ProvingTime == 0 {
		return nil, fmt.Errorf("%w: auction length and proving time must be set", ErrInvalidParams)
	}
	if p.MaxReward == nil || p.MinReward == nil || p.MinReward.Cmp(p.MaxReward) > 0 {
		return nil, fmt.Errorf("%w: min reward above max reward", ErrInvalidParams)
	}
	stake := p.MinimumStake
	if stake == nil {
		stake = new(big.Int)
	}
	if err := p.System.ValidateInputs(); err != nil {
		return nil, err
	}
	commitment, err := systems.Commitment(p.System)
	if err != nil {
		return nil, err
	}
	extra, err := r.opts.Network.VerifierDetails(p.System).EncodeRequest()
	if err != nil {
		return nil, err
	}
	latest, err := r.opts.Chain.LatestTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	nonce := p.Nonce
	if nonce == nil {
		nonce = r.nextNonce()
	}

	return types.SignRequest(r.opts.Signer, r.domain, types.ComputeRequest{
		Params: p.System,
		ProofRequest: types.ProofRequest{
			Market:                r.opts.Network.RequestMarket,
			Nonce:                 nonce,
			RewardToken:           r.opts.RewardToken,
			MaxRewardAmount:       p.MaxReward,
			MinRewardAmount:       p.MinReward,
			MinimumStake:          stake,
			StartAuctionTimestamp: latest,
			EndAuctionTimestamp:   latest + p.AuctionLength,
			ProvingTime:           p.ProvingTime,
			InputsCommitment:      commitment,
			ExtraData:             extra,
		},
	})
}

// Submit validates the request and posts it to the server. A request
// nobody is subscribed for stays posted, Submit then returns the response
// together with an error wrapping subscription.ErrNoProvidersAvailable.
func (r *Requester) Submit(ctx context.Context, req *types.ComputeRequest) (*api.PostIntentResponse, error) {
	latest, err := r.opts.Chain.LatestTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	if err := types.Validate(latest, req, r.opts.Validation); err != nil {
		return nil, err
	}
	resp, err := r.opts.Server.PostIntent(ctx, req)
	if errors.Is(err, subscription.ErrNoProvidersAvailable) {
		log.Warnw("request posted without providers", "id", req.ComputeID().Hex(),
			"system", req.SystemID())
		return &api.PostIntentResponse{ID: req.ComputeID()}, err
	}
	if err != nil {
		return nil, err
	}
	log.Infow("request posted", "id", resp.ID.Hex(), "delivered", resp.Delivered)
	return resp, nil
}

// Track waits for the winning bid of the request and then for its
// resolution
func (r *Requester) Track(ctx context.Context, req *types.ComputeRequest) (*Result, error) {
	defer r.pruneExpired()
	id := req.ComputeID()
	terms := req.Terms()
	res := &Result{IntentID: id}

	latest, err := r.opts.Chain.LatestTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	bid, err := r.auctions.TrackAuction(ctx, id, r.untilDeadline(latest, terms.EndAuctionTimestamp))
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return res, fmt.Errorf("%w: %s", ErrNoBid, id.Hex())
	}
	res.Bid = bid
	log.Infow("request auction won", "id", id.Hex(), "provider", bid.Sender.Hex(),
		"amount", bid.Amount)

	return res, r.trackResolve(ctx, id, terms, res)
}

func (r *Requester) trackResolve(ctx context.Context, id common.Hash, terms types.Terms,
	res *Result) error {
	latest, err := r.opts.Chain.LatestTimestamp(ctx)
	if err != nil {
		return err
	}
	resolved, err := r.resolves.TrackResolve(ctx, id, r.untilDeadline(latest, terms.ResolveDeadline()))
	if err != nil {
		return err
	}
	if resolved == nil {
		return fmt.Errorf("%w: %s", ErrNotResolved, id.Hex())
	}
	res.Resolve = resolved
	log.Infow("intent resolved", "id", id.Hex(), "tx", resolved.TxHash.Hex())
	return nil
}

// SubmitAndTrack builds, submits and tracks a request. The request is
// tracked even when no provider was subscribed for its system.
func (r *Requester) SubmitAndTrack(ctx context.Context, p RequestParams) (*Result, error) {
	req, err := r.BuildRequest(ctx, p)
	if err != nil {
		return nil, err
	}
	if _, err := r.Submit(ctx, req); err != nil &&
		!errors.Is(err, subscription.ErrNoProvidersAvailable) {
		return nil, err
	}
	return r.Track(ctx, req)
}

// AcceptOffer bids on a compute offer at its reward amount and waits for
// the offering provider to resolve it
func (r *Requester) AcceptOffer(ctx context.Context, offer *types.ComputeOffer) (*Result, error) {
	defer r.pruneExpired()
	id := offer.ComputeID()
	latest, err := r.opts.Chain.LatestTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	if r.opts.Analyzer != nil {
		err = r.opts.Analyzer.Analyze(latest, offer)
	} else {
		err = types.Validate(latest, offer, r.opts.Validation)
	}
	if err != nil {
		return nil, err
	}
	if _, err := r.bidder.SubmitBid(ctx, latest, id, bidder.BidParams{},
		offer.Commitment(), offer.Signature()); err != nil {
		return nil, err
	}

	res := &Result{IntentID: id}
	bid, err := r.auctions.TrackAuction(ctx, id, r.untilDeadline(latest, offer.Terms().EndAuctionTimestamp))
	if err != nil {
		return nil, err
	}
	if bid == nil {
		return res, fmt.Errorf("%w: %s", ErrNoBid, id.Hex())
	}
	res.Bid = bid
	return res, r.trackResolve(ctx, id, offer.Terms(), res)
}

// AuctionRecord returns the auction tracker record of the intent
func (r *Requester) AuctionRecord(id common.Hash) (tracker.Record, bool) {
	return r.auctions.Record(id)
}

// Prune removes the tracker records of the intents finished before the
// given time, returning the number of removed records
func (r *Requester) Prune(before time.Time) int {
	return r.auctions.Prune(before) + r.resolves.Prune(before)
}

func (r *Requester) pruneExpired() {
	r.Prune(time.Now().Add(-r.opts.RecordTTL))
}

func (r *Requester) untilDeadline(latest, deadline uint64) time.Duration {
	if deadline <= latest {
		return r.opts.EventGrace
	}
	return time.Duration(deadline-latest)*time.Second + r.opts.EventGrace
}
