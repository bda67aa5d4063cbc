package systems

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrInconsistentSubmission is returned when the offsets and lengths
// declared in VerifierDetails do not fit the submitted payload
var ErrInconsistentSubmission = errors.New("verifier details inconsistent with submission")

const (
	// requestDetailsLen is the ABI encoded length of the VerifierDetails
	// of a ProofRequest
	requestDetailsLen = 288 // = 32*9
	// offerDetailsLen is the ABI encoded length of the VerifierDetails of
	// a ProofOffer
	offerDetailsLen = 160 // = 32*5
)

// VerifierConstraints restrict the VerifierDetails that an intent may
// declare. A nil field means no constraint.
type VerifierConstraints struct {
	Verifier                               *common.Address `json:"verifier,omitempty"`
	Selector                               *[4]byte        `json:"selector,omitempty"`
	IsShaCommitment                        *bool           `json:"is_sha_commitment,omitempty"`
	InputsOffset                           *big.Int        `json:"inputs_offset,omitempty"`
	InputsLength                           *big.Int        `json:"inputs_length,omitempty"`
	HasPartialCommitmentResultCheck        *bool           `json:"has_partial_commitment_result_check,omitempty"`
	SubmittedPartialCommitmentResultOffset *big.Int        `json:"submitted_partial_commitment_result_offset,omitempty"`
	SubmittedPartialCommitmentResultLength *big.Int        `json:"submitted_partial_commitment_result_length,omitempty"`
	PredeterminedPartialCommitment         *common.Hash    `json:"predetermined_partial_commitment,omitempty"`
}

// VerifierDetails describe how the on-chain verifier locates and checks the
// public inputs of a submitted proof. They travel ABI encoded in the
// extraData of the proof commitment.
type VerifierDetails struct {
	Verifier                               common.Address
	Selector                               [4]byte
	IsShaCommitment                        bool
	InputsOffset                           *big.Int
	InputsLength                           *big.Int
	HasPartialCommitmentResultCheck        bool
	SubmittedPartialCommitmentResultOffset *big.Int
	SubmittedPartialCommitmentResultLength *big.Int
	PredeterminedPartialCommitment         common.Hash
}

func zkvmConstraints() VerifierConstraints {
	sel := [4]byte{0xab, 0x75, 0x0e, 0x75}
	return VerifierConstraints{
		Selector:        &sel,
		IsShaCommitment: boolPtr(true),
	}
}

// OfferConstraints returns the subset of c that applies to offers, which
// carry no partial commitment fields
func (c VerifierConstraints) OfferConstraints() VerifierConstraints {
	return VerifierConstraints{
		Verifier:        c.Verifier,
		Selector:        c.Selector,
		IsShaCommitment: c.IsShaCommitment,
		InputsOffset:    c.InputsOffset,
		InputsLength:    c.InputsLength,
	}
}

// Merge returns c with the fields set in o overriding its own
func (c VerifierConstraints) Merge(o VerifierConstraints) VerifierConstraints {
	if o.Verifier != nil {
		c.Verifier = o.Verifier
	}
	if o.Selector != nil {
		c.Selector = o.Selector
	}
	if o.IsShaCommitment != nil {
		c.IsShaCommitment = o.IsShaCommitment
	}
	if o.InputsOffset != nil {
		c.InputsOffset = o.InputsOffset
	}
	if o.InputsLength != nil {
		c.InputsLength = o.InputsLength
	}
	if o.HasPartialCommitmentResultCheck != nil {
		c.HasPartialCommitmentResultCheck = o.HasPartialCommitmentResultCheck
	}
	if o.SubmittedPartialCommitmentResultOffset != nil {
		c.SubmittedPartialCommitmentResultOffset = o.SubmittedPartialCommitmentResultOffset
	}
	if o.SubmittedPartialCommitmentResultLength != nil {
		c.SubmittedPartialCommitmentResultLength = o.SubmittedPartialCommitmentResultLength
	}
	if o.PredeterminedPartialCommitment != nil {
		c.PredeterminedPartialCommitment = o.PredeterminedPartialCommitment
	}
	return c
}

// Check compares each set constraint with the given VerifierDetails
func (c VerifierConstraints) Check(d VerifierDetails) error {
	if c.Verifier != nil && *c.Verifier != d.Verifier {
		return fmt.Errorf("verifier address does not match constraints")
	}
	if c.Selector != nil && *c.Selector != d.Selector {
		return fmt.Errorf("verifier selector does not match constraints")
	}
	if c.IsShaCommitment != nil && *c.IsShaCommitment != d.IsShaCommitment {
		return fmt.Errorf("isShaCommitment flag does not match constraints")
	}
	if c.InputsOffset != nil && c.InputsOffset.Cmp(bigOrZero(d.InputsOffset)) != 0 {
		return fmt.Errorf("inputs offset does not match constraints")
	}
	if c.InputsLength != nil && c.InputsLength.Cmp(bigOrZero(d.InputsLength)) != 0 {
		return fmt.Errorf("inputs length does not match constraints")
	}
	if c.HasPartialCommitmentResultCheck != nil &&
		*c.HasPartialCommitmentResultCheck != d.HasPartialCommitmentResultCheck {
		return fmt.Errorf("hasPartialCommitmentResultCheck flag does not match constraints")
	}
	if c.SubmittedPartialCommitmentResultOffset != nil &&
		c.SubmittedPartialCommitmentResultOffset.Cmp(
			bigOrZero(d.SubmittedPartialCommitmentResultOffset)) != 0 {
		return fmt.Errorf("submitted partial commitment result offset does not match constraints")
	}
	if c.SubmittedPartialCommitmentResultLength != nil &&
		c.SubmittedPartialCommitmentResultLength.Cmp(
			bigOrZero(d.SubmittedPartialCommitmentResultLength)) != 0 {
		return fmt.Errorf("submitted partial commitment result length does not match constraints")
	}
	if c.PredeterminedPartialCommitment != nil &&
		*c.PredeterminedPartialCommitment != d.PredeterminedPartialCommitment {
		return fmt.Errorf("predetermined partial commitment does not match constraints")
	}
	return nil
}

// CheckSubmission verifies that the ranges declared in d fall inside the
// payload that will be submitted to the verifier
func (d VerifierDetails) CheckSubmission(payload []byte) error {
	size := big.NewInt(int64(len(payload)))
	end := new(big.Int).Add(bigOrZero(d.InputsOffset), bigOrZero(d.InputsLength))
	if bigOrZero(d.InputsLength).Sign() > 0 && end.Cmp(size) > 0 {
		return fmt.Errorf("%w: inputs range [%s, %s) exceeds payload length %d",
			ErrInconsistentSubmission, bigOrZero(d.InputsOffset), end, len(payload))
	}
	if !d.HasPartialCommitmentResultCheck {
		return nil
	}
	end = new(big.Int).Add(bigOrZero(d.SubmittedPartialCommitmentResultOffset),
		bigOrZero(d.SubmittedPartialCommitmentResultLength))
	if end.Cmp(size) > 0 {
		return fmt.Errorf("%w: partial commitment range ends at %s, payload length %d",
			ErrInconsistentSubmission, end, len(payload))
	}
	return nil
}

var (
	tAddress, _ = abi.NewType("address", "", nil)
	tBytes4, _  = abi.NewType("bytes4", "", nil)
	tBool, _    = abi.NewType("bool", "", nil)
	tUint256, _ = abi.NewType("uint256", "", nil)
	tBytes32, _ = abi.NewType("bytes32", "", nil)

	requestDetailsArgs = abi.Arguments{
		{Type: tAddress}, {Type: tBytes4}, {Type: tBool},
		{Type: tUint256}, {Type: tUint256},
		{Type: tBool}, {Type: tUint256}, {Type: tUint256},
		{Type: tBytes32},
	}
	offerDetailsArgs = abi.Arguments{
		{Type: tAddress}, {Type: tBytes4}, {Type: tBool},
		{Type: tUint256}, {Type: tUint256},
	}
)

// EncodeRequest returns the ABI encoding of d as carried by a ProofRequest
func (d VerifierDetails) EncodeRequest() ([]byte, error) {
	return requestDetailsArgs.Pack(d.Verifier, d.Selector, d.IsShaCommitment,
		bigOrZero(d.InputsOffset), bigOrZero(d.InputsLength),
		d.HasPartialCommitmentResultCheck,
		bigOrZero(d.SubmittedPartialCommitmentResultOffset),
		bigOrZero(d.SubmittedPartialCommitmentResultLength),
		[32]byte(d.PredeterminedPartialCommitment))
}

// EncodeOffer returns the ABI encoding of d as carried by a ProofOffer
func (d VerifierDetails) EncodeOffer() ([]byte, error) {
	return offerDetailsArgs.Pack(d.Verifier, d.Selector, d.IsShaCommitment,
		bigOrZero(d.InputsOffset), bigOrZero(d.InputsLength))
}

// DecodeRequestDetails decodes the VerifierDetails of a ProofRequest
func DecodeRequestDetails(b []byte) (*VerifierDetails, error) {
	if len(b) != requestDetailsLen {
		return nil, fmt.Errorf("failed to decode VerifierDetails: length %d, expected %d",
			len(b), requestDetailsLen)
	}
	vs, err := requestDetailsArgs.Unpack(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode VerifierDetails: %w", err)
	}
	d, err := detailsFromValues(vs[:5])
	if err != nil {
		return nil, err
	}
	var ok [4]bool
	d.HasPartialCommitmentResultCheck, ok[0] = vs[5].(bool)
	d.SubmittedPartialCommitmentResultOffset, ok[1] = vs[6].(*big.Int)
	d.SubmittedPartialCommitmentResultLength, ok[2] = vs[7].(*big.Int)
	var predetermined [32]byte
	predetermined, ok[3] = vs[8].([32]byte)
	if !(ok[0] && ok[1] && ok[2] && ok[3]) {
		return nil, fmt.Errorf("failed to decode VerifierDetails: unexpected types")
	}
	d.PredeterminedPartialCommitment = predetermined
	return d, nil
}

// DecodeOfferDetails decodes the VerifierDetails of a ProofOffer
func DecodeOfferDetails(b []byte) (*VerifierDetails, error) {
	if len(b) != offerDetailsLen {
		return nil, fmt.Errorf("failed to decode VerifierDetails: length %d, expected %d",
			len(b), offerDetailsLen)
	}
	vs, err := offerDetailsArgs.Unpack(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode VerifierDetails: %w", err)
	}
	return detailsFromValues(vs)
}

func detailsFromValues(vs []interface{}) (*VerifierDetails, error) {
	var d VerifierDetails
	var ok [5]bool
	d.Verifier, ok[0] = vs[0].(common.Address)
	d.Selector, ok[1] = vs[1].([4]byte)
	d.IsShaCommitment, ok[2] = vs[2].(bool)
	d.InputsOffset, ok[3] = vs[3].(*big.Int)
	d.InputsLength, ok[4] = vs[4].(*big.Int)
	for _, o := range ok {
		if !o {
			return nil, fmt.Errorf("failed to decode VerifierDetails: unexpected types")
		}
	}
	return &d, nil
}

func bigOrZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}

func boolPtr(b bool) *bool { return &b }

func uintPtr(u uint64) *big.Int { return new(big.Int).SetUint64(u) }
