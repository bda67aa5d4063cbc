// Package types contains the compute intents exchanged in the marketplace:
// signed ComputeRequests posted by requesters and ComputeOffers posted by
// providers, their content derived ids, and their validation.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/taralli-labs/taralli-node/systems"
)

// Kind distinguishes requests from offers
type Kind string

const (
	// KindRequest is a ComputeRequest, posted by a requester
	KindRequest Kind = "request"
	// KindOffer is a ComputeOffer, posted by a provider
	KindOffer Kind = "offer"
)

// ParseKind parses a Kind
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRequest, KindOffer:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown intent kind %q", s)
}

// Terms are the fields shared by ProofRequest and ProofOffer
type Terms struct {
	Signer                common.Address
	Market                common.Address
	Nonce                 *big.Int
	RewardToken           common.Address
	StartAuctionTimestamp uint64
	EndAuctionTimestamp   uint64
	ProvingTime           uint32
	InputsCommitment      common.Hash
	ExtraData             []byte
}

// NotBefore returns the earliest timestamp at which the intent is accepted,
// given the tolerated delay before the auction start
func (t Terms) NotBefore(maximumStartDelay uint32) uint64 {
	if t.StartAuctionTimestamp < uint64(maximumStartDelay) {
		return 0
	}
	return t.StartAuctionTimestamp - uint64(maximumStartDelay)
}

// ResolveDeadline returns the timestamp after which a won intent can no
// longer be resolved
func (t Terms) ResolveDeadline() uint64 {
	return t.EndAuctionTimestamp + uint64(t.ProvingTime)
}

// Commitment is the on-chain part of an intent, implemented by
// *ProofRequest and *ProofOffer
type Commitment interface {
	Terms() Terms
}

// ProofRequest is the commitment signed by a requester. The requester
// escrows up to MaxRewardAmount of RewardToken, and the reward decreases
// from MaxRewardAmount to MinRewardAmount during the auction.
type ProofRequest struct {
	Signer                common.Address `json:"signer"`
	Market                common.Address `json:"market"`
	Nonce                 *big.Int       `json:"nonce"`
	RewardToken           common.Address `json:"rewardToken"`
	MaxRewardAmount       *big.Int       `json:"maxRewardAmount"`
	MinRewardAmount       *big.Int       `json:"minRewardAmount"`
	MinimumStake          *big.Int       `json:"minimumStake"`
	StartAuctionTimestamp uint64         `json:"startAuctionTimestamp"`
	EndAuctionTimestamp   uint64         `json:"endAuctionTimestamp"`
	ProvingTime           uint32         `json:"provingTime"`
	InputsCommitment      common.Hash    `json:"inputsCommitment"`
	ExtraData             hexutil.Bytes  `json:"extraData"`
}

// Terms implements the Commitment interface
func (p *ProofRequest) Terms() Terms {
	return Terms{
		Signer:                p.Signer,
		Market:                p.Market,
		Nonce:                 p.Nonce,
		RewardToken:           p.RewardToken,
		StartAuctionTimestamp: p.StartAuctionTimestamp,
		EndAuctionTimestamp:   p.EndAuctionTimestamp,
		ProvingTime:           p.ProvingTime,
		InputsCommitment:      p.InputsCommitment,
		ExtraData:             p.ExtraData,
	}
}

// ProofOffer is the commitment signed by a provider offering to compute
// for RewardAmount, escrowing StakeAmount of StakeToken
type ProofOffer struct {
	Signer                common.Address `json:"signer"`
	Market                common.Address `json:"market"`
	Nonce                 *big.Int       `json:"nonce"`
	RewardToken           common.Address `json:"rewardToken"`
	RewardAmount          *big.Int       `json:"rewardAmount"`
	StakeToken            common.Address `json:"stakeToken"`
	StakeAmount           *big.Int       `json:"stakeAmount"`
	StartAuctionTimestamp uint64         `json:"startAuctionTimestamp"`
	EndAuctionTimestamp   uint64         `json:"endAuctionTimestamp"`
	ProvingTime           uint32         `json:"provingTime"`
	InputsCommitment      common.Hash    `json:"inputsCommitment"`
	ExtraData             hexutil.Bytes  `json:"extraData"`
}

// Terms implements the Commitment interface
func (p *ProofOffer) Terms() Terms {
	return Terms{
		Signer:                p.Signer,
		Market:                p.Market,
		Nonce:                 p.Nonce,
		RewardToken:           p.RewardToken,
		StartAuctionTimestamp: p.StartAuctionTimestamp,
		EndAuctionTimestamp:   p.EndAuctionTimestamp,
		ProvingTime:           p.ProvingTime,
		InputsCommitment:      p.InputsCommitment,
		ExtraData:             p.ExtraData,
	}
}

// Intent is a signed compute intent over some proof system
type Intent interface {
	Kind() Kind
	SystemID() systems.ID
	System() systems.System
	Commitment() Commitment
	Terms() Terms
	Signature() Signature
	// ComputeID returns the content derived id of the intent
	ComputeID() common.Hash
	// Permit2Digest returns the hash signed by the intent signer
	Permit2Digest(domain common.Hash) common.Hash
	// VerifierDetails decodes the VerifierDetails carried in the
	// commitment extraData
	VerifierDetails() (*systems.VerifierDetails, error)
}

var (
	_ Intent = (*ComputeRequest)(nil)
	_ Intent = (*ComputeOffer)(nil)
)

// ComputeRequest is a request for computation posted by a requester
type ComputeRequest struct {
	Params       systems.System
	ProofRequest ProofRequest
	Sig          Signature
}

// Kind implements the Intent interface
func (r *ComputeRequest) Kind() Kind { return KindRequest }

// SystemID implements the Intent interface
func (r *ComputeRequest) SystemID() systems.ID { return r.Params.ID() }

// System implements the Intent interface
func (r *ComputeRequest) System() systems.System { return r.Params }

// Commitment implements the Intent interface
func (r *ComputeRequest) Commitment() Commitment { return &r.ProofRequest }

// Terms implements the Intent interface
func (r *ComputeRequest) Terms() Terms { return r.ProofRequest.Terms() }

// Signature implements the Intent interface
func (r *ComputeRequest) Signature() Signature { return r.Sig }

// ComputeID implements the Intent interface
func (r *ComputeRequest) ComputeID() common.Hash {
	return RequestID(&r.ProofRequest, r.Sig)
}

// Permit2Digest implements the Intent interface
func (r *ComputeRequest) Permit2Digest(domain common.Hash) common.Hash {
	return RequestPermit2Digest(domain, &r.ProofRequest)
}

// VerifierDetails implements the Intent interface
func (r *ComputeRequest) VerifierDetails() (*systems.VerifierDetails, error) {
	return systems.DecodeRequestDetails(r.ProofRequest.ExtraData)
}

// ComputeOffer is an offer of computation posted by a provider
type ComputeOffer struct {
	Params     systems.System
	ProofOffer ProofOffer
	Sig        Signature
}

// Kind implements the Intent interface
func (o *ComputeOffer) Kind() Kind { return KindOffer }

// SystemID implements the Intent interface
func (o *ComputeOffer) SystemID() systems.ID { return o.Params.ID() }

// System implements the Intent interface
func (o *ComputeOffer) System() systems.System { return o.Params }

// Commitment implements the Intent interface
func (o *ComputeOffer) Commitment() Commitment { return &o.ProofOffer }

// Terms implements the Intent interface
func (o *ComputeOffer) Terms() Terms { return o.ProofOffer.Terms() }

// Signature implements the Intent interface
func (o *ComputeOffer) Signature() Signature { return o.Sig }

// ComputeID implements the Intent interface
func (o *ComputeOffer) ComputeID() common.Hash {
	return OfferID(&o.ProofOffer, o.Sig)
}

// Permit2Digest implements the Intent interface
func (o *ComputeOffer) Permit2Digest(domain common.Hash) common.Hash {
	return OfferPermit2Digest(domain, &o.ProofOffer)
}

// VerifierDetails implements the Intent interface
func (o *ComputeOffer) VerifierDetails() (*systems.VerifierDetails, error) {
	return systems.DecodeOfferDetails(o.ProofOffer.ExtraData)
}

type requestJSON struct {
	SystemID     systems.ID      `json:"system_id"`
	System       json.RawMessage `json:"system"`
	ProofRequest ProofRequest    `json:"proof_request"`
	Signature    Signature       `json:"signature"`
}

// MarshalJSON implements the json.Marshaler interface
func (r *ComputeRequest) MarshalJSON() ([]byte, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(requestJSON{
		SystemID:     r.Params.ID(),
		System:       params,
		ProofRequest: r.ProofRequest,
		Signature:    r.Sig,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (r *ComputeRequest) UnmarshalJSON(b []byte) error {
	var rj requestJSON
	if err := json.Unmarshal(b, &rj); err != nil {
		return err
	}
	s, err := systems.Decode(rj.SystemID, rj.System)
	if err != nil {
		return err
	}
	r.Params = s
	r.ProofRequest = rj.ProofRequest
	r.Sig = rj.Signature
	return nil
}

type offerJSON struct {
	SystemID   systems.ID      `json:"system_id"`
	System     json.RawMessage `json:"system"`
	ProofOffer ProofOffer      `json:"proof_offer"`
	Signature  Signature       `json:"signature"`
}

// MarshalJSON implements the json.Marshaler interface
func (o *ComputeOffer) MarshalJSON() ([]byte, error) {
	params, err := json.Marshal(o.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(offerJSON{
		SystemID:   o.Params.ID(),
		System:     params,
		ProofOffer: o.ProofOffer,
		Signature:  o.Sig,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (o *ComputeOffer) UnmarshalJSON(b []byte) error {
	var oj offerJSON
	if err := json.Unmarshal(b, &oj); err != nil {
		return err
	}
	s, err := systems.Decode(oj.SystemID, oj.System)
	if err != nil {
		return err
	}
	o.Params = s
	o.ProofOffer = oj.ProofOffer
	o.Sig = oj.Signature
	return nil
}

// DecodeIntent decodes the JSON encoding of an intent of the given Kind
func DecodeIntent(kind Kind, b []byte) (Intent, error) {
	switch kind {
	case KindRequest:
		var r ComputeRequest
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, err
		}
		return &r, nil
	case KindOffer:
		var o ComputeOffer
		if err := json.Unmarshal(b, &o); err != nil {
			return nil, err
		}
		return &o, nil
	}
	return nil, fmt.Errorf("unknown intent kind %q", kind)
}

// Bid is a provider's commitment to fulfill an intent. It forwards the
// signed commitment of the intent, which the market checks against the
// intent signature before escrowing.
type Bid struct {
	IntentID common.Hash
	Kind     Kind
	// Amount is the reward the bidder accepts, for requests the Dutch
	// auction price at submission time
	Amount     *big.Int
	Commitment Commitment
	Signature  Signature
	// Value is the native value sent along with the bid (the minimum
	// stake of a request)
	Value *big.Int
}
