// Package prover implements the proving backends: the Client of a remote
// prover-server and Exec, which runs a local prover command per system
package prover

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/taralli-labs/taralli-node/systems"
)

// ErrProofFailed is returned when the backend could not generate the proof
var ErrProofFailed = errors.New("proof generation failed")

// Groth16Proof represents a Groth16 zkSNARK proof, in the projective
// coordinates of the snarkjs output
type Groth16Proof struct {
	A        [3]*big.Int    `json:"pi_a"`
	B        [3][2]*big.Int `json:"pi_b"`
	C        [3]*big.Int    `json:"pi_c"`
	Protocol string         `json:"protocol"`
}

// Artifact is the output of a proof generation. Which fields are set
// depends on the system.
type Artifact struct {
	System systems.ID `json:"system"`

	// risc0 receipt
	Seal          hexutil.Bytes `json:"seal,omitempty"`
	ImageID       common.Hash   `json:"imageId"`
	JournalDigest common.Hash   `json:"journalDigest"`

	// sp1 proof, Proof also holds plonk proofs
	VKey         common.Hash   `json:"vkey"`
	PublicValues hexutil.Bytes `json:"publicValues,omitempty"`
	Proof        hexutil.Bytes `json:"proof,omitempty"`

	Groth16      *Groth16Proof `json:"groth16,omitempty"`
	PublicInputs []*big.Int    `json:"publicInputs,omitempty"`

	// PartialCommitment is the submitter supplied commitment checked by
	// verifiers with a partial commitment result check
	PartialCommitment common.Hash `json:"partialCommitment"`
}
