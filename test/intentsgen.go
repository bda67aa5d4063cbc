// Package test contains helpers to generate signed intents for tests
package test

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
)

// Network is a local deployment used in tests
var Network = systems.Network{
	Name:          "local",
	ChainID:       1337,
	RequestMarket: common.HexToAddress("0x00000000000000000000000000000000000000b0"),
	OfferMarket:   common.HexToAddress("0x00000000000000000000000000000000000000b1"),
	Verifiers: map[systems.ID]common.Address{
		systems.Risc0: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		systems.SP1:   common.HexToAddress("0x00000000000000000000000000000000000000c0"),
	},
}

// Domain is the Permit2 domain separator of Network
var Domain = types.Permit2DomainSeparator(Network.ChainID)

// GenSigners returns n KeySigners with fresh keys
func GenSigners(c *qt.C, n int) []*types.KeySigner {
	var signers []*types.KeySigner
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		c.Assert(err, qt.IsNil)
		signers = append(signers, types.NewKeySigner(key))
	}
	return signers
}

// Risc0System returns valid risc0 params
func Risc0System() *systems.Risc0Params {
	return &systems.Risc0Params{
		ELF:   append(common.HexToHash("0x0a").Bytes(), []byte("elf")...),
		Input: []byte("risc0 inputs"),
	}
}

// ArkworksSystem returns valid arkworks params
func ArkworksSystem() *systems.ArkworksParams {
	return &systems.ArkworksParams{
		R1CS:  []byte("r1cs"),
		Wasm:  []byte("wasm"),
		Input: json.RawMessage(`{"a":"3","b":"11"}`),
	}
}

// VerifierDetails returns VerifierDetails that satisfy the constraints of
// the given system on Network
func VerifierDetails(s systems.System) systems.VerifierDetails {
	return Network.VerifierDetails(s)
}

// RequestOpts parametrizes GenRequest. Zero fields take defaults.
type RequestOpts struct {
	System      systems.System
	Nonce       int64
	Start, End  uint64
	ProvingTime uint32
	MaxReward   *big.Int
	MinReward   *big.Int
	Stake       *big.Int
}

// GenRequest returns a ComputeRequest signed by signer
func GenRequest(c *qt.C, signer types.Signer, opts RequestOpts) *types.ComputeRequest {
	if opts.System == nil {
		opts.System = Risc0System()
	}
	if opts.ProvingTime == 0 {
		opts.ProvingTime = 60
	}
	if opts.MaxReward == nil {
		opts.MaxReward = big.NewInt(1000)
	}
	if opts.MinReward == nil {
		opts.MinReward = big.NewInt(100)
	}
	if opts.Stake == nil {
		opts.Stake = big.NewInt(10)
	}
	commitment, err := systems.Commitment(opts.System)
	c.Assert(err, qt.IsNil)
	extra, err := VerifierDetails(opts.System).EncodeRequest()
	c.Assert(err, qt.IsNil)

	r, err := types.SignRequest(signer, Domain, types.ComputeRequest{
		Params: opts.System,
		ProofRequest: types.ProofRequest{
			Market:                Network.RequestMarket,
			Nonce:                 big.NewInt(opts.Nonce),
			RewardToken:           common.HexToAddress("0x00000000000000000000000000000000000000e0"),
			MaxRewardAmount:       opts.MaxReward,
			MinRewardAmount:       opts.MinReward,
			MinimumStake:          opts.Stake,
			StartAuctionTimestamp: opts.Start,
			EndAuctionTimestamp:   opts.End,
			ProvingTime:           opts.ProvingTime,
			InputsCommitment:      commitment,
			ExtraData:             extra,
		},
	})
	c.Assert(err, qt.IsNil)
	return r
}

// OfferOpts parametrizes GenOffer. Zero fields take defaults.
type OfferOpts struct {
	System      systems.System
	Nonce       int64
	Start, End  uint64
	ProvingTime uint32
	Reward      *big.Int
	Stake       *big.Int
}

// GenOffer returns a ComputeOffer signed by signer
func GenOffer(c *qt.C, signer types.Signer, opts OfferOpts) *types.ComputeOffer {
	if opts.System == nil {
		opts.System = Risc0System()
	}
	if opts.ProvingTime == 0 {
		opts.ProvingTime = 60
	}
	if opts.Reward == nil {
		opts.Reward = big.NewInt(500)
	}
	if opts.Stake == nil {
		opts.Stake = big.NewInt(50)
	}
	commitment, err := systems.Commitment(opts.System)
	c.Assert(err, qt.IsNil)
	extra, err := VerifierDetails(opts.System).EncodeOffer()
	c.Assert(err, qt.IsNil)

	o, err := types.SignOffer(signer, Domain, types.ComputeOffer{
		Params: opts.System,
		ProofOffer: types.ProofOffer{
			Market:                Network.OfferMarket,
			Nonce:                 big.NewInt(opts.Nonce),
			RewardToken:           common.HexToAddress("0x00000000000000000000000000000000000000e0"),
			RewardAmount:          opts.Reward,
			StakeToken:            common.HexToAddress("0x00000000000000000000000000000000000000e1"),
			StakeAmount:           opts.Stake,
			StartAuctionTimestamp: opts.Start,
			EndAuctionTimestamp:   opts.End,
			ProvingTime:           opts.ProvingTime,
			InputsCommitment:      commitment,
			ExtraData:             extra,
		},
	})
	c.Assert(err, qt.IsNil)
	return o
}
