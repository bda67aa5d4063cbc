// Package resolver submits the proofs of won intents to the market
// contracts
package resolver

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/metrics"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

// Resolver resolves the intents of one market
type Resolver struct {
	chain eth.ChainClient
	kind  types.Kind
}

// New returns a Resolver for the market of the given intent kind
func New(chain eth.ChainClient, kind types.Kind) *Resolver {
	return &Resolver{chain: chain, kind: kind}
}

// ResolveIntent submits the opaque submission of a won intent, and returns
// the receipt of the resolution
func (r *Resolver) ResolveIntent(ctx context.Context, intentID common.Hash,
	opaqueSubmission []byte, partialCommitment common.Hash) (*eth.Receipt, error) {
	receipt, err := r.chain.Submit(ctx, eth.Submission{
		Method:            eth.MethodResolve,
		Kind:              r.kind,
		IntentID:          intentID,
		OpaqueSubmission:  opaqueSubmission,
		PartialCommitment: partialCommitment,
	})
	metrics.Submissions.WithLabelValues(eth.MethodResolve.String(), metrics.Result(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", intentID.Hex(), err)
	}
	log.Infof("[resolver] %s %s resolved in tx %s", r.kind, intentID.Hex(), receipt.TxHash.Hex())
	return receipt, nil
}
