package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Permit2Address is the canonical Permit2 deployment, the same on every
// chain
var Permit2Address = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

const (
	permitWitnessTransferFromStub = "PermitWitnessTransferFrom(TokenPermissions permitted," +
		"address spender,uint256 nonce,uint256 deadline,"
	tokenPermissionsType = "TokenPermissions(address token,uint256 amount)"

	proofRequestWitnessType = "ProofRequest(address signer,address market,uint256 nonce," +
		"address rewardToken,uint256 maxRewardAmount,uint256 minRewardAmount," +
		"uint128 minimumStake,uint64 startAuctionTimestamp,uint64 endAuctionTimestamp," +
		"uint32 provingTime,bytes32 inputsCommitment,bytes extraData)"
	proofOfferWitnessType = "ProofOffer(address signer,address market,uint256 nonce," +
		"address rewardToken,uint256 rewardAmount,address stakeToken,uint256 stakeAmount," +
		"uint64 startAuctionTimestamp,uint64 endAuctionTimestamp,uint32 provingTime," +
		"bytes32 inputsCommitment,bytes extraData)"

	eip712DomainType = "EIP712Domain(string name,uint256 chainId,address verifyingContract)"
)

var (
	tokenPermissionsTypeHash = crypto.Keccak256Hash([]byte(tokenPermissionsType))

	requestPermitTypeHash = crypto.Keccak256Hash([]byte(permitWitnessTransferFromStub +
		"ProofRequest witness)" + tokenPermissionsType + proofRequestWitnessType))
	requestWitnessTypeHash = crypto.Keccak256Hash([]byte(proofRequestWitnessType))

	offerPermitTypeHash = crypto.Keccak256Hash([]byte(permitWitnessTransferFromStub +
		"ProofOffer witness)" + tokenPermissionsType + proofOfferWitnessType))
	offerWitnessTypeHash = crypto.Keccak256Hash([]byte(proofOfferWitnessType))

	requestWitnessArgs = args(tBytes32, tAddress, tAddress, tUint256, tAddress,
		tUint256, tUint256, tUint128, tUint64, tUint64, tUint32, tBytes32,
		tBytes32)
	offerWitnessArgs = args(tBytes32, tAddress, tAddress, tUint256, tAddress,
		tUint256, tAddress, tUint256, tUint64, tUint64, tUint32, tBytes32,
		tBytes32)
	tokenPermissionsArgs = args(tBytes32, tAddress, tUint256)
	permitArgs           = args(tBytes32, tBytes32, tAddress, tUint256,
		tUint256, tBytes32)
	domainArgs = args(tBytes32, tBytes32, tUint256, tAddress)
)

// Permit2DomainSeparator returns the EIP-712 domain separator of Permit2 on
// the given chain
func Permit2DomainSeparator(chainID uint64) common.Hash {
	return crypto.Keccak256Hash(pack(domainArgs,
		[32]byte(crypto.Keccak256Hash([]byte(eip712DomainType))),
		[32]byte(crypto.Keccak256Hash([]byte("Permit2"))),
		new(big.Int).SetUint64(chainID),
		Permit2Address,
	))
}

// RequestPermit2Digest returns the EIP-712 digest of the Permit2
// PermitWitnessTransferFrom that the requester signs: the market is
// allowed to pull up to MaxRewardAmount of RewardToken until the auction
// ends, with the ProofRequest as witness
func RequestPermit2Digest(domain common.Hash, p *ProofRequest) common.Hash {
	witness := crypto.Keccak256Hash(pack(requestWitnessArgs,
		[32]byte(requestWitnessTypeHash),
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
		[32]byte(crypto.Keccak256Hash(p.ExtraData)),
	))
	return permitDigest(domain, requestPermitTypeHash, p.RewardToken,
		bigOrZero(p.MaxRewardAmount), p.Market, bigOrZero(p.Nonce),
		p.EndAuctionTimestamp, witness)
}

// OfferPermit2Digest returns the EIP-712 digest of the Permit2
// PermitWitnessTransferFrom that the provider signs, escrowing its stake
// with the ProofOffer as witness
func OfferPermit2Digest(domain common.Hash, p *ProofOffer) common.Hash {
	witness := crypto.Keccak256Hash(pack(offerWitnessArgs,
		[32]byte(offerWitnessTypeHash),
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
		[32]byte(crypto.Keccak256Hash(p.ExtraData)),
	))
	return permitDigest(domain, offerPermitTypeHash, p.StakeToken,
		bigOrZero(p.StakeAmount), p.Market, bigOrZero(p.Nonce),
		p.EndAuctionTimestamp, witness)
}

func permitDigest(domain, permitTypeHash common.Hash, token common.Address,
	amount *big.Int, spender common.Address, nonce *big.Int, deadline uint64,
	witness common.Hash) common.Hash {
	tokenPermissions := crypto.Keccak256Hash(pack(tokenPermissionsArgs,
		[32]byte(tokenPermissionsTypeHash), token, amount))
	dataHash := crypto.Keccak256Hash(pack(permitArgs,
		[32]byte(permitTypeHash),
		[32]byte(tokenPermissions),
		spender,
		nonce,
		new(big.Int).SetUint64(deadline),
		[32]byte(witness),
	))
	return crypto.Keccak256Hash([]byte("\x19\x01"), domain[:], dataHash[:])
}
