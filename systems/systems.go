// Package systems defines the proof systems supported by the marketplace:
// their parameters, how their inputs are validated, and the constraints an
// on-chain verifier places on the proofs they produce.
package systems

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrProverInputs is returned when the artifacts or inputs declared for a
// proof system are empty or malformed
var ErrProverInputs = errors.New("invalid prover inputs")

// ErrUnknownSystem is returned for system ids that are not registered
var ErrUnknownSystem = errors.New("unknown proving system id")

// ID identifies a proof system
type ID string

// Supported proof systems
const (
	AlignedLayer ID = "aligned-layer"
	Arkworks     ID = "arkworks"
	Gnark        ID = "gnark"
	Risc0        ID = "risc0"
	SP1          ID = "sp1"
)

var bits = map[ID]uint32{
	AlignedLayer: 1 << 0,
	Arkworks:     1 << 1,
	Gnark:        1 << 2,
	Risc0:        1 << 3,
	SP1:          1 << 4,
}

// ParseID parses s, case insensitive, into a registered ID
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	registryMu.RLock()
	_, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSystem, s)
	}
	return id, nil
}

// ParseIDs parses a list of ids, failing on the first unknown one
func ParseIDs(ss []string) ([]ID, error) {
	ids := make([]ID, 0, len(ss))
	for _, s := range ss {
		id, err := ParseID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Bit returns the capability bit of the system, 0 if unknown
func (id ID) Bit() uint32 {
	return bits[id]
}

// Mask returns the capability mask for the given systems
func Mask(ids ...ID) uint32 {
	var m uint32
	for _, id := range ids {
		m |= id.Bit()
	}
	return m
}

// String implements the Stringer interface
func (id ID) String() string {
	return string(id)
}

// Config is the proof-system level configuration of a System, e.g. the
// proving scheme of a circuit based system
type Config interface {
	// Scheme returns a short name of the configured proving scheme
	Scheme() string
}

// System is implemented by every supported proof system. A new backend is
// added by implementing System and registering a Factory for its ID.
type System interface {
	ID() ID
	Config() Config
	Inputs() Inputs
	// ValidateInputs fails with ErrProverInputs when required artifacts
	// are empty or inputs are malformed
	ValidateInputs() error
	// VerifierConstraints returns the constraints that the verification
	// scheme of the system places on the committed proof
	VerifierConstraints() VerifierConstraints
}

// Inputs is a normalized view over the inputs of a System: either raw bytes
// or a JSON value
type Inputs struct {
	Bytes []byte
	JSON  json.RawMessage
}

// IsJSON reports whether the inputs are structured data
func (in Inputs) IsJSON() bool {
	return in.JSON != nil
}

// Factory returns an empty System to unmarshal params into
type Factory func() System

var (
	registryMu sync.RWMutex
	registry   = map[ID]Factory{}
)

// Register adds a Factory for the given ID, replacing any previous one
func Register(id ID, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = f
}

// Registered returns the ids of all registered systems
func Registered() []ID {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}

// Decode unmarshals the JSON params of the system identified by id
func Decode(id ID, raw []byte) (System, error) {
	registryMu.RLock()
	f, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSystem, id)
	}
	s := f()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decoding %s params: %w", id, err)
	}
	if s.ID() != id {
		return nil, fmt.Errorf("decoded system %s does not match id %s", s.ID(), id)
	}
	return s, nil
}

func init() {
	Register(Risc0, func() System { return &Risc0Params{} })
	Register(SP1, func() System { return &SP1Params{} })
	Register(Arkworks, func() System { return &ArkworksParams{} })
	Register(Gnark, func() System { return &GnarkParams{} })
	Register(AlignedLayer, func() System { return &AlignedLayerParams{} })
}

func inputsErr(id ID, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrProverInputs, id, msg)
}

func validJSON(raw json.RawMessage) bool {
	return len(raw) > 0 && json.Valid(raw)
}
