// Package bidder submits the bids of a provider to the market contracts
package bidder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/metrics"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

var (
	// ErrBiddingClosed is returned after the end of the auction
	ErrBiddingClosed = errors.New("auction has expired")
	// ErrBiddingNotOpen is returned before the start of the auction
	ErrBiddingNotOpen = errors.New("auction has not started")
	// ErrTargetOutOfBounds is returned for a target amount outside the
	// reward range of the request
	ErrTargetOutOfBounds = errors.New("target amount out of the reward range")
	// ErrTargetPassed is returned when the auction price already went
	// below the target amount
	ErrTargetPassed = errors.New("auction price below the target amount")
)

// BidParams are the provider choices for a bid
type BidParams struct {
	// TargetAmount is the reward at which the provider bids on a request.
	// When nil the bid is submitted at the current price.
	TargetAmount *big.Int
}

// Bidder submits bids through a ChainClient
type Bidder struct {
	chain eth.ChainClient
	// wait blocks for d, or until ctx is done
	wait func(ctx context.Context, d time.Duration) error
}

// New returns a Bidder that submits through chain
func New(chain eth.ChainClient) *Bidder {
	return &Bidder{chain: chain, wait: sleep}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentReward returns the Dutch auction price of the request at ts. The
// price decreases linearly from MaxRewardAmount at the start to
// MinRewardAmount at the end of the auction.
func CurrentReward(ts uint64, p *types.ProofRequest) *big.Int {
	hi, lo := orZero(p.MaxRewardAmount), orZero(p.MinRewardAmount)
	start, end := p.StartAuctionTimestamp, p.EndAuctionTimestamp
	if ts <= start || end <= start {
		return new(big.Int).Set(hi)
	}
	if ts >= end {
		return new(big.Int).Set(lo)
	}
	elapsed := new(big.Int).SetUint64(ts - start)
	duration := new(big.Int).SetUint64(end - start)
	drop := new(big.Int).Sub(hi, lo)
	drop.Mul(drop, elapsed)
	drop.Div(drop, duration)
	return drop.Sub(hi, drop)
}

// TargetTimestamp returns the timestamp at which the price of the request
// reaches target
func TargetTimestamp(target *big.Int, p *types.ProofRequest) (uint64, error) {
	hi, lo := orZero(p.MaxRewardAmount), orZero(p.MinRewardAmount)
	if target == nil || target.Cmp(lo) < 0 || target.Cmp(hi) > 0 {
		return 0, fmt.Errorf("%w: %s not in [%s, %s]", ErrTargetOutOfBounds, target, lo, hi)
	}
	span := new(big.Int).Sub(hi, lo)
	if span.Sign() == 0 {
		return p.StartAuctionTimestamp, nil
	}
	duration := new(big.Int).SetUint64(p.EndAuctionTimestamp - p.StartAuctionTimestamp)
	offset := new(big.Int).Sub(hi, target)
	offset.Mul(offset, duration)
	offset.Div(offset, span)
	return p.StartAuctionTimestamp + offset.Uint64(), nil
}

func orZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}

func checkWindow(latestTs uint64, terms types.Terms) error {
	if latestTs < terms.StartAuctionTimestamp {
		return fmt.Errorf("%w: %d < %d", ErrBiddingNotOpen, latestTs, terms.StartAuctionTimestamp)
	}
	if latestTs > terms.EndAuctionTimestamp {
		return fmt.Errorf("%w: %d > %d", ErrBiddingClosed, latestTs, terms.EndAuctionTimestamp)
	}
	return nil
}

// SubmitBid submits a bid for the intent with the given commitment and
// signature, latestTs being the latest block timestamp. For requests the
// bid waits until the auction price reaches params.TargetAmount.
func (b *Bidder) SubmitBid(ctx context.Context, latestTs uint64, intentID common.Hash,
	params BidParams, commitment types.Commitment, sig types.Signature) (*eth.Receipt, error) {
	if err := checkWindow(latestTs, commitment.Terms()); err != nil {
		return nil, err
	}

	bid := &types.Bid{
		IntentID:   intentID,
		Commitment: commitment,
		Signature:  sig,
	}
	switch c := commitment.(type) {
	case *types.ProofRequest:
		bid.Kind = types.KindRequest
		ts, err := b.waitTarget(ctx, latestTs, params, c)
		if err != nil {
			return nil, err
		}
		bid.Amount = CurrentReward(ts, c)
		bid.Value = new(big.Int).Set(orZero(c.MinimumStake))
	case *types.ProofOffer:
		bid.Kind = types.KindOffer
		bid.Amount = new(big.Int).Set(orZero(c.RewardAmount))
	default:
		return nil, fmt.Errorf("unknown commitment %T", commitment)
	}

	receipt, err := b.chain.Submit(ctx, eth.Submission{
		Method: eth.MethodBid,
		Kind:   bid.Kind,
		Bid:    bid,
	})
	metrics.Submissions.WithLabelValues(eth.MethodBid.String(), metrics.Result(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("bid for %s: %w", intentID.Hex(), err)
	}
	log.Infof("[bidder] bid %s for %s %s accepted in block %d",
		bid.Amount, bid.Kind, intentID.Hex(), receipt.BlockNumber)
	return receipt, nil
}

// waitTarget returns the timestamp at which the bid is priced
func (b *Bidder) waitTarget(ctx context.Context, latestTs uint64, params BidParams,
	p *types.ProofRequest) (uint64, error) {
	if params.TargetAmount == nil {
		return latestTs, nil
	}
	targetTs, err := TargetTimestamp(params.TargetAmount, p)
	if err != nil {
		return 0, err
	}
	current := CurrentReward(latestTs, p)
	switch {
	case current.Cmp(params.TargetAmount) < 0:
		return 0, fmt.Errorf("%w: price %s, target %s", ErrTargetPassed, current, params.TargetAmount)
	case targetTs <= latestTs:
		return latestTs, nil
	}
	d := time.Duration(targetTs-latestTs) * time.Second
	log.Debugf("[bidder] waiting %s for the price to reach %s", d, params.TargetAmount)
	if err := b.wait(ctx, d); err != nil {
		return 0, err
	}
	return targetTs, nil
}
