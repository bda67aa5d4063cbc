package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	tAddress = mustType("address")
	tUint256 = mustType("uint256")
	tUint128 = mustType("uint128")
	tUint64  = mustType("uint64")
	tUint32  = mustType("uint32")
	tBytes32 = mustType("bytes32")
	tBytes   = mustType("bytes")
	tSig     = mustType("uint8[65]")

	requestIDArgs = args(tAddress, tAddress, tUint256, tAddress, tUint256,
		tUint256, tUint128, tUint64, tUint64, tUint32, tBytes32, tBytes32,
		tBytes32)
	offerIDArgs = args(tAddress, tAddress, tUint256, tAddress, tUint256,
		tAddress, tUint256, tUint64, tUint64, tUint32, tBytes32, tBytes32,
		tBytes32)
	bytesArgs = args(tBytes)
	sigArgs   = args(tSig)
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func args(ts ...abi.Type) abi.Arguments {
	as := make(abi.Arguments, len(ts))
	for i := range ts {
		as[i] = abi.Argument{Type: ts[i]}
	}
	return as
}

// pack ABI encodes values whose Go types are fixed by the callers in this
// package, so an error is a programming error
func pack(as abi.Arguments, values ...interface{}) []byte {
	b, err := as.Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("abi pack: %s", err))
	}
	return b
}

func bigOrZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}

// hashExtraData returns keccak256(abi.encode(extraData))
func hashExtraData(extraData []byte) common.Hash {
	if extraData == nil {
		extraData = []byte{}
	}
	return crypto.Keccak256Hash(pack(bytesArgs, extraData))
}

// hashSignature returns keccak256(abi.encode(uint8[65] signature))
func hashSignature(sig Signature) common.Hash {
	return crypto.Keccak256Hash(pack(sigArgs, [65]uint8(sig)))
}

// RequestID returns the compute id of a ComputeRequest: the keccak256 hash
// of the ABI encoded ProofRequest fields, with extraData and signature
// replaced by their hashes
func RequestID(p *ProofRequest, sig Signature) common.Hash {
	return crypto.Keccak256Hash(pack(requestIDArgs,
		p.Signer,
		p.Market,
		bigOrZero(p.Nonce),
		p.RewardToken,
		bigOrZero(p.MaxRewardAmount),
		bigOrZero(p.MinRewardAmount),
		bigOrZero(p.MinimumStake),
		p.StartAuctionTimestamp,
		p.EndAuctionTimestamp,
		p.ProvingTime,
		[32]byte(p.InputsCommitment),
		[32]byte(hashExtraData(p.ExtraData)),
		[32]byte(hashSignature(sig)),
	))
}

// OfferID returns the compute id of a ComputeOffer
func OfferID(p *ProofOffer, sig Signature) common.Hash {
	return crypto.Keccak256Hash(pack(offerIDArgs,
		p.Signer,
		p.Market,
		bigOrZero(p.Nonce),
		p.RewardToken,
		bigOrZero(p.RewardAmount),
		p.StakeToken,
		bigOrZero(p.StakeAmount),
		p.StartAuctionTimestamp,
		p.EndAuctionTimestamp,
		p.ProvingTime,
		[32]byte(p.InputsCommitment),
		[32]byte(hashExtraData(p.ExtraData)),
		[32]byte(hashSignature(sig)),
	))
}
