package worker

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/taralli-labs/taralli-node/prover"
	"github.com/taralli-labs/taralli-node/systems"
)

// Formatter encodes an Artifact into the opaque submission expected by the
// verifier of the system
type Formatter func(s systems.System, a *prover.Artifact) ([]byte, error)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func args(ts ...string) abi.Arguments {
	as := make(abi.Arguments, len(ts))
	for i, t := range ts {
		as[i] = abi.Argument{Type: mustType(t)}
	}
	return as
}

var (
	// abi.encode(bytes seal, bytes32 imageId, bytes32 journalDigest)
	risc0Args = args("bytes", "bytes32", "bytes32")
	// abi.encode(bytes32 vkey, bytes publicValues, bytes proof)
	sp1Args = args("bytes32", "bytes", "bytes")
	// abi.encode(uint256[2] a, uint256[2][2] b, uint256[2] c, uint256[] public)
	groth16Args = args("uint256[2]", "uint256[2][2]", "uint256[2]", "uint256[]")
	// abi.encode(bytes proof, uint256[] public)
	plonkArgs = args("bytes", "uint256[]")
	// abi.encode(bytes32 auxCommitment, bytes proof, bytes publicValues)
	alignedArgs = args("bytes32", "bytes", "bytes")
)

// FormatterFor returns the Formatter of the given system
func FormatterFor(id systems.ID) (Formatter, error) {
	switch id {
	case systems.Risc0:
		return formatRisc0, nil
	case systems.SP1:
		return formatSP1, nil
	case systems.Arkworks:
		return formatGroth16, nil
	case systems.Gnark:
		return formatGnark, nil
	case systems.AlignedLayer:
		return formatAligned, nil
	}
	return nil, fmt.Errorf("%w: no submission format for %s", ErrParams, id)
}

func formatRisc0(_ systems.System, a *prover.Artifact) ([]byte, error) {
	if len(a.Seal) == 0 {
		return nil, fmt.Errorf("risc0 artifact without seal")
	}
	return risc0Args.Pack([]byte(a.Seal), [32]byte(a.ImageID), [32]byte(a.JournalDigest))
}

func formatSP1(_ systems.System, a *prover.Artifact) ([]byte, error) {
	if len(a.Proof) == 0 {
		return nil, fmt.Errorf("sp1 artifact without proof")
	}
	return sp1Args.Pack([32]byte(a.VKey), []byte(a.PublicValues), []byte(a.Proof))
}

func publicInputs(a *prover.Artifact) []*big.Int {
	inputs := make([]*big.Int, len(a.PublicInputs))
	for i, in := range a.PublicInputs {
		inputs[i] = orZero(in)
	}
	return inputs
}

func orZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}

func formatGroth16(_ systems.System, a *prover.Artifact) ([]byte, error) {
	p := a.Groth16
	if p == nil {
		return nil, fmt.Errorf("groth16 artifact without proof")
	}
	pa := [2]*big.Int{orZero(p.A[0]), orZero(p.A[1])}
	// the verifier expects the coordinates of the G2 point B in reverse
	// order
	pb := [2][2]*big.Int{
		{orZero(p.B[0][1]), orZero(p.B[0][0])},
		{orZero(p.B[1][1]), orZero(p.B[1][0])},
	}
	pc := [2]*big.Int{orZero(p.C[0]), orZero(p.C[1])}
	return groth16Args.Pack(pa, pb, pc, publicInputs(a))
}

func formatPlonk(_ systems.System, a *prover.Artifact) ([]byte, error) {
	if len(a.Proof) == 0 {
		return nil, fmt.Errorf("plonk artifact without proof")
	}
	return plonkArgs.Pack([]byte(a.Proof), publicInputs(a))
}

func formatGnark(s systems.System, a *prover.Artifact) ([]byte, error) {
	if s.Config().Scheme() == systems.GnarkGroth16Bn254 {
		return formatGroth16(s, a)
	}
	return formatPlonk(s, a)
}

func formatAligned(s systems.System, a *prover.Artifact) ([]byte, error) {
	p, ok := s.(*systems.AlignedLayerParams)
	if !ok {
		return nil, fmt.Errorf("%w: aligned layer format for %T", ErrParams, s)
	}
	if len(a.Proof) == 0 {
		return nil, fmt.Errorf("aligned layer artifact without proof")
	}
	return alignedArgs.Pack([32]byte(p.ProvingSystemAuxCommitment), []byte(a.Proof),
		[]byte(a.PublicValues))
}
