package systems

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Network holds the deployment addresses the marketplace uses on a chain
type Network struct {
	Name    string
	ChainID uint64
	// RequestMarket is the market contract settling ComputeRequests
	RequestMarket common.Address
	// OfferMarket is the market contract settling ComputeOffers
	OfferMarket common.Address
	// Verifiers maps each system to its on-chain verifier
	Verifiers map[ID]common.Address
}

// Sepolia is the Sepolia testnet deployment
var Sepolia = Network{
	Name:          "sepolia",
	ChainID:       11155111,
	RequestMarket: common.HexToAddress("0x6209431B6C8F38471dc65564Be2Fd08298705BBD"),
	OfferMarket:   common.HexToAddress("0x67445680c74Fb82C46421374554e402e72E9e5d1"),
	Verifiers: map[ID]common.Address{
		Risc0: common.HexToAddress("0xAC292cF957Dd5BA174cdA13b05C16aFC71700327"),
		SP1:   common.HexToAddress("0xAC292cF957Dd5BA174cdA13b05C16aFC71700327"),
	},
}

// NetworkByName returns the known Network with the given name
func NetworkByName(name string) (Network, error) {
	switch strings.ToLower(name) {
	case Sepolia.Name:
		return Sepolia, nil
	}
	return Network{}, fmt.Errorf("unknown network %q", name)
}

// Constraints returns the VerifierConstraints for the given system on the
// network: the constraints of its verification scheme, pinned to the
// network verifier when one is deployed
func (n Network) Constraints(s System) VerifierConstraints {
	c := s.VerifierConstraints()
	if v, ok := n.Verifiers[s.ID()]; ok {
		c.Verifier = &v
	}
	return c
}

// VerifierDetails returns the VerifierDetails of an intent over the given
// system, satisfying the constraints of the network. The inputs and
// partial commitment ranges are left empty.
func (n Network) VerifierDetails(s System) VerifierDetails {
	cons := n.Constraints(s)
	d := VerifierDetails{
		InputsOffset:                           new(big.Int),
		InputsLength:                           new(big.Int),
		SubmittedPartialCommitmentResultOffset: new(big.Int),
		SubmittedPartialCommitmentResultLength: new(big.Int),
	}
	if cons.Verifier != nil {
		d.Verifier = *cons.Verifier
	}
	if cons.Selector != nil {
		d.Selector = *cons.Selector
	}
	if cons.IsShaCommitment != nil {
		d.IsShaCommitment = *cons.IsShaCommitment
	}
	return d
}
