package systems

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Risc0Params are the parameters of a risc0 zkVM execution
type Risc0Params struct {
	ELF   hexutil.Bytes `json:"elf"`
	Input hexutil.Bytes `json:"inputs"`
}

type zkvmConfig struct{ scheme string }

func (c zkvmConfig) Scheme() string { return c.scheme }

// ID implements the System interface
func (p *Risc0Params) ID() ID { return Risc0 }

// Config implements the System interface
func (p *Risc0Params) Config() Config { return zkvmConfig{"groth16"} }

// Inputs implements the System interface
func (p *Risc0Params) Inputs() Inputs { return Inputs{Bytes: p.Input} }

// ValidateInputs implements the System interface
func (p *Risc0Params) ValidateInputs() error {
	if len(p.ELF) == 0 || len(p.Input) == 0 {
		return inputsErr(Risc0, "elf or inputs bytes cannot be empty")
	}
	return nil
}

// VerifierConstraints implements the System interface
func (p *Risc0Params) VerifierConstraints() VerifierConstraints {
	return zkvmConstraints()
}

// SP1 proving modes
const (
	SP1ModeGroth16 = "groth16"
	SP1ModePlonk   = "plonk"
)

// SP1Config selects the wrapping proof of an sp1 execution
type SP1Config struct {
	Mode string `json:"mode"`
}

// Scheme implements the Config interface
func (c SP1Config) Scheme() string { return c.Mode }

// SP1Params are the parameters of an sp1 zkVM execution
type SP1Params struct {
	Settings SP1Config     `json:"config"`
	ELF      hexutil.Bytes `json:"elf"`
	Input    hexutil.Bytes `json:"inputs"`
}

// ID implements the System interface
func (p *SP1Params) ID() ID { return SP1 }

// Config implements the System interface
func (p *SP1Params) Config() Config { return p.Settings }

// Inputs implements the System interface
func (p *SP1Params) Inputs() Inputs { return Inputs{Bytes: p.Input} }

// ValidateInputs implements the System interface
func (p *SP1Params) ValidateInputs() error {
	if len(p.ELF) == 0 || len(p.Input) == 0 {
		return inputsErr(SP1, "elf or inputs bytes cannot be empty")
	}
	if p.Settings.Mode != SP1ModeGroth16 && p.Settings.Mode != SP1ModePlonk {
		return inputsErr(SP1, fmt.Sprintf("unsupported mode %q", p.Settings.Mode))
	}
	return nil
}

// VerifierConstraints implements the System interface
func (p *SP1Params) VerifierConstraints() VerifierConstraints {
	return zkvmConstraints()
}

// ArkworksParams are the parameters of a circom circuit proven with arkworks
type ArkworksParams struct {
	// R1CS holds the .r1cs circuit description
	R1CS hexutil.Bytes `json:"r1cs"`
	// Wasm holds the witness generator
	Wasm  hexutil.Bytes   `json:"wasm"`
	Input json.RawMessage `json:"input"`
}

type circuitConfig struct{ scheme string }

func (c circuitConfig) Scheme() string { return c.scheme }

// ID implements the System interface
func (p *ArkworksParams) ID() ID { return Arkworks }

// Config implements the System interface
func (p *ArkworksParams) Config() Config { return circuitConfig{"groth16-bn254"} }

// Inputs implements the System interface
func (p *ArkworksParams) Inputs() Inputs { return Inputs{JSON: p.Input} }

// ValidateInputs implements the System interface
func (p *ArkworksParams) ValidateInputs() error {
	if len(p.R1CS) == 0 || len(p.Wasm) == 0 {
		return inputsErr(Arkworks, "r1cs or wasm bytes cannot be empty")
	}
	if !validJSON(p.Input) {
		return inputsErr(Arkworks, "input is not valid json")
	}
	return nil
}

// VerifierConstraints implements the System interface. Groth16 verifiers
// take the public signals in the clear, so there is no partial commitment.
func (p *ArkworksParams) VerifierConstraints() VerifierConstraints {
	var zero common.Hash
	return VerifierConstraints{
		IsShaCommitment:                        boolPtr(false),
		HasPartialCommitmentResultCheck:        boolPtr(false),
		SubmittedPartialCommitmentResultOffset: uintPtr(0),
		SubmittedPartialCommitmentResultLength: uintPtr(0),
		PredeterminedPartialCommitment:         &zero,
	}
}

// Gnark proving schemes
const (
	GnarkGroth16Bn254   = "groth16-bn254"
	GnarkPlonkBn254     = "plonk-bn254"
	GnarkPlonkBls12_381 = "plonk-bls12-381"
)

// GnarkParams are the parameters of a gnark circuit
type GnarkParams struct {
	SchemeConfig string          `json:"scheme_config"`
	R1CS         hexutil.Bytes   `json:"r1cs"`
	PublicInputs json.RawMessage `json:"public_inputs,omitempty"`
	Input        json.RawMessage `json:"input"`
}

// ID implements the System interface
func (p *GnarkParams) ID() ID { return Gnark }

// Config implements the System interface
func (p *GnarkParams) Config() Config { return circuitConfig{p.SchemeConfig} }

// Inputs implements the System interface
func (p *GnarkParams) Inputs() Inputs { return Inputs{JSON: p.Input} }

// ValidateInputs implements the System interface
func (p *GnarkParams) ValidateInputs() error {
	if len(p.R1CS) == 0 {
		return inputsErr(Gnark, "r1cs bytes cannot be empty")
	}
	switch p.SchemeConfig {
	case GnarkGroth16Bn254, GnarkPlonkBn254, GnarkPlonkBls12_381:
	default:
		return inputsErr(Gnark, fmt.Sprintf("unsupported scheme %q", p.SchemeConfig))
	}
	if !validJSON(p.Input) {
		return inputsErr(Gnark, "input is not valid json")
	}
	if len(p.PublicInputs) > 0 && !json.Valid(p.PublicInputs) {
		return inputsErr(Gnark, "public inputs are not valid json")
	}
	return nil
}

// VerifierConstraints implements the System interface
func (p *GnarkParams) VerifierConstraints() VerifierConstraints {
	return VerifierConstraints{}
}

// AlignedLayerConfig wraps the system whose proof is verified by the
// aligned layer batcher
type AlignedLayerConfig struct {
	UnderlyingSystem Envelope `json:"underlying_system"`
}

// Scheme implements the Config interface
func (c AlignedLayerConfig) Scheme() string {
	return "aligned/" + c.UnderlyingSystem.ID.String()
}

// AlignedLayerParams are the parameters of a proof verified through the
// aligned layer
type AlignedLayerParams struct {
	AlignedProvingSystemID     string             `json:"aligned_proving_system_id"`
	Composite                  AlignedLayerConfig `json:"config"`
	ProvingSystemAuxCommitment common.Hash        `json:"proving_system_aux_commitment"`
}

// ID implements the System interface
func (p *AlignedLayerParams) ID() ID { return AlignedLayer }

// Config implements the System interface
func (p *AlignedLayerParams) Config() Config { return p.Composite }

// Inputs implements the System interface, returning the inputs of the
// underlying system
func (p *AlignedLayerParams) Inputs() Inputs {
	if p.Composite.UnderlyingSystem.System == nil {
		return Inputs{}
	}
	return p.Composite.UnderlyingSystem.System.Inputs()
}

// ValidateInputs implements the System interface
func (p *AlignedLayerParams) ValidateInputs() error {
	u := p.Composite.UnderlyingSystem
	switch u.ID {
	case Risc0, SP1, Gnark:
	default:
		return inputsErr(AlignedLayer, fmt.Sprintf("unsupported underlying system %q", u.ID))
	}
	if u.System == nil {
		return inputsErr(AlignedLayer, "missing underlying system params")
	}
	if p.AlignedProvingSystemID == "" {
		return inputsErr(AlignedLayer, "aligned proving system id cannot be empty")
	}
	if p.ProvingSystemAuxCommitment == (common.Hash{}) {
		return inputsErr(AlignedLayer, "proving system aux commitment cannot be zero")
	}
	return u.System.ValidateInputs()
}

// VerifierConstraints implements the System interface
func (p *AlignedLayerParams) VerifierConstraints() VerifierConstraints {
	return VerifierConstraints{}
}

// Envelope tags a System with its ID, so it can be decoded through the
// registry
type Envelope struct {
	ID     ID
	System System
}

type envelopeJSON struct {
	ID     ID              `json:"system_id"`
	Params json.RawMessage `json:"params"`
}

// MarshalJSON implements the json.Marshaler interface
func (e Envelope) MarshalJSON() ([]byte, error) {
	params, err := json.Marshal(e.System)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeJSON{ID: e.ID, Params: params})
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var ej envelopeJSON
	if err := json.Unmarshal(b, &ej); err != nil {
		return err
	}
	s, err := Decode(ej.ID, ej.Params)
	if err != nil {
		return err
	}
	e.ID = ej.ID
	e.System = s
	return nil
}
