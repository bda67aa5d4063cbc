package eth

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/taralli-labs/taralli-node/types"
)

const (
	// eventAmountLen defines the length of the data of the Bid and
	// Resolve event logs, the indexed fields travel in the topics
	eventAmountLen = 32
	// eventTopicsLen is the number of topics of the Bid and Resolve
	// events: signature, sender, intent id
	eventTopicsLen = 3
)

var (
	// event Bid(address indexed bidder, bytes32 indexed intentId,
	// uint256 amount)
	bidEventTopic = crypto.Keccak256Hash([]byte("Bid(address,bytes32,uint256)"))
	// event Resolve(address indexed provider, bytes32 indexed intentId,
	// uint256 reward)
	resolveEventTopic = crypto.Keccak256Hash([]byte("Resolve(address,bytes32,uint256)"))
)

func eventTopic(kind EventKind) common.Hash {
	if kind == ResolveEvent {
		return resolveEventTopic
	}
	return bidEventTopic
}

const proofRequestComponents = `[
	{"name":"signer","type":"address"},
	{"name":"market","type":"address"},
	{"name":"nonce","type":"uint256"},
	{"name":"rewardToken","type":"address"},
	{"name":"maxRewardAmount","type":"uint256"},
	{"name":"minRewardAmount","type":"uint256"},
	{"name":"minimumStake","type":"uint128"},
	{"name":"startAuctionTimestamp","type":"uint64"},
	{"name":"endAuctionTimestamp","type":"uint64"},
	{"name":"provingTime","type":"uint32"},
	{"name":"inputsCommitment","type":"bytes32"},
	{"name":"extraData","type":"bytes"}
]`

const proofOfferComponents = `[
	{"name":"signer","type":"address"},
	{"name":"market","type":"address"},
	{"name":"nonce","type":"uint256"},
	{"name":"rewardToken","type":"address"},
	{"name":"rewardAmount","type":"uint256"},
	{"name":"stakeToken","type":"address"},
	{"name":"stakeAmount","type":"uint256"},
	{"name":"startAuctionTimestamp","type":"uint64"},
	{"name":"endAuctionTimestamp","type":"uint64"},
	{"name":"provingTime","type":"uint32"},
	{"name":"inputsCommitment","type":"bytes32"},
	{"name":"extraData","type":"bytes"}
]`

const marketABITemplate = `[
	{"type":"function","name":"bid","stateMutability":"payable","outputs":[],"inputs":[
		{"name":"commitment","type":"tuple","components":%s},
		{"name":"signature","type":"bytes"}
	]},
	{"type":"function","name":"resolve","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"intentId","type":"bytes32"},
		{"name":"opaqueSubmission","type":"bytes"},
		{"name":"partialCommitment","type":"bytes32"}
	]},
	{"type":"event","name":"Bid","anonymous":false,"inputs":[
		{"name":"bidder","type":"address","indexed":true},
		{"name":"intentId","type":"bytes32","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"Resolve","anonymous":false,"inputs":[
		{"name":"provider","type":"address","indexed":true},
		{"name":"intentId","type":"bytes32","indexed":true},
		{"name":"reward","type":"uint256","indexed":false}
	]}
]`

// marketABIs holds the ABI of the request market and of the offer market
type marketABIs struct {
	request abi.ABI
	offer   abi.ABI
}

func loadMarketABIs() (*marketABIs, error) {
	request, err := abi.JSON(strings.NewReader(
		fmt.Sprintf(marketABITemplate, proofRequestComponents)))
	if err != nil {
		return nil, fmt.Errorf("request market abi: %w", err)
	}
	offer, err := abi.JSON(strings.NewReader(
		fmt.Sprintf(marketABITemplate, proofOfferComponents)))
	if err != nil {
		return nil, fmt.Errorf("offer market abi: %w", err)
	}
	return &marketABIs{request: request, offer: offer}, nil
}

func (m *marketABIs) forKind(kind types.Kind) abi.ABI {
	if kind == types.KindOffer {
		return m.offer
	}
	return m.request
}

// proofRequestTuple mirrors the ProofRequest struct of the request market
type proofRequestTuple struct {
	Signer                common.Address
	Market                common.Address
	Nonce                 *big.Int
	RewardToken           common.Address
	MaxRewardAmount       *big.Int
	MinRewardAmount       *big.Int
	MinimumStake          *big.Int
	StartAuctionTimestamp uint64
	EndAuctionTimestamp   uint64
	ProvingTime           uint32
	InputsCommitment      [32]byte
	ExtraData             []byte
}

// proofOfferTuple mirrors the ProofOffer struct of the offer market
type proofOfferTuple struct {
	Signer                common.Address
	Market                common.Address
	Nonce                 *big.Int
	RewardToken           common.Address
	RewardAmount          *big.Int
	StakeToken            common.Address
	StakeAmount           *big.Int
	StartAuctionTimestamp uint64
	EndAuctionTimestamp   uint64
	ProvingTime           uint32
	InputsCommitment      [32]byte
	ExtraData             []byte
}

func orZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}

// packCall returns the calldata and the destination market of s
func (m *marketABIs) packCall(s Submission) ([]byte, error) {
	contract := m.forKind(s.Kind)
	switch s.Method {
	case MethodBid:
		if s.Bid == nil {
			return nil, fmt.Errorf("bid submission without bid")
		}
		var tuple interface{}
		switch c := s.Bid.Commitment.(type) {
		case *types.ProofRequest:
			tuple = proofRequestTuple{
				Signer: c.Signer, Market: c.Market, Nonce: orZero(c.Nonce),
				RewardToken: c.RewardToken, MaxRewardAmount: orZero(c.MaxRewardAmount),
				MinRewardAmount: orZero(c.MinRewardAmount), MinimumStake: orZero(c.MinimumStake),
				StartAuctionTimestamp: c.StartAuctionTimestamp,
				EndAuctionTimestamp:   c.EndAuctionTimestamp,
				ProvingTime:           c.ProvingTime, InputsCommitment: c.InputsCommitment,
				ExtraData: c.ExtraData,
			}
		case *types.ProofOffer:
			tuple = proofOfferTuple{
				Signer: c.Signer, Market: c.Market, Nonce: orZero(c.Nonce),
				RewardToken: c.RewardToken, RewardAmount: orZero(c.RewardAmount),
				StakeToken: c.StakeToken, StakeAmount: orZero(c.StakeAmount),
				StartAuctionTimestamp: c.StartAuctionTimestamp,
				EndAuctionTimestamp:   c.EndAuctionTimestamp,
				ProvingTime:           c.ProvingTime, InputsCommitment: c.InputsCommitment,
				ExtraData: c.ExtraData,
			}
		default:
			return nil, fmt.Errorf("unknown commitment %T", c)
		}
		return contract.Pack("bid", tuple, s.Bid.Signature[:])
	case MethodResolve:
		return contract.Pack("resolve", [32]byte(s.IntentID), s.OpaqueSubmission,
			[32]byte(s.PartialCommitment))
	}
	return nil, fmt.Errorf("unknown method %s", s.Method)
}

// parseEvent parses a Bid or Resolve event log, given its topics and data
func parseEvent(topics []common.Hash, d []byte) (*Event, error) {
	if len(topics) != eventTopicsLen {
		return nil, fmt.Errorf("market event log should have %d topics, current: %d",
			eventTopicsLen, len(topics))
	}
	if len(d) != eventAmountLen {
		return nil, fmt.Errorf("market event log should be of length %d, current: %d",
			eventAmountLen, len(d))
	}
	var e Event
	switch topics[0] {
	case bidEventTopic:
		e.Kind = BidEvent
	case resolveEventTopic:
		e.Kind = ResolveEvent
	default:
		return nil, fmt.Errorf("unrecognized event topic %s", topics[0].Hex())
	}
	// indexed address, left padded to 32 bytes
	e.Sender = common.BytesToAddress(topics[1][12:32])
	e.IntentID = topics[2]
	e.Amount = new(big.Int).SetBytes(d[:32])
	return &e, nil
}
