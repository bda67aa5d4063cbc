package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/taralli-labs/taralli-node/systems"
)

// ErrValidation is returned when an intent fails the structural or content
// checks
var ErrValidation = errors.New("validation error")

const (
	// DefaultMinimumProvingTime is the default lower bound, in seconds, of
	// the proving time an intent grants the winning provider
	DefaultMinimumProvingTime = 30
	// DefaultMaximumStartDelay is the default tolerance, in seconds,
	// between the arrival of an intent and the start of its auction
	DefaultMaximumStartDelay = 300
)

// ValidationConfig configures Validate
type ValidationConfig struct {
	Network systems.Network
	// SupportedSystems restricts the accepted systems, all registered
	// systems are accepted when empty
	SupportedSystems   []systems.ID
	MinimumProvingTime uint32
	MaximumStartDelay  uint32
	// MaximumAllowedStake bounds the minimumStake of requests, nil for no
	// bound
	MaximumAllowedStake *big.Int
	// MaximumAllowedReward bounds the rewardAmount of offers, nil for no
	// bound
	MaximumAllowedReward *big.Int
	// MinimumAllowedStake bounds the stakeAmount of offers
	MinimumAllowedStake *big.Int
}

// DefaultValidationConfig returns a ValidationConfig with the default
// bounds for the given network
func DefaultValidationConfig(n systems.Network) ValidationConfig {
	return ValidationConfig{
		Network:            n,
		MinimumProvingTime: DefaultMinimumProvingTime,
		MaximumStartDelay:  DefaultMaximumStartDelay,
	}
}

func validationErr(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, a...))
}

// Validate checks the given intent against cfg, using latestTs as the
// current chain timestamp
func Validate(latestTs uint64, in Intent, cfg ValidationConfig) error {
	if in.System() == nil {
		return validationErr("missing system params")
	}
	if err := checkSystem(in, cfg); err != nil {
		return err
	}
	if err := in.System().ValidateInputs(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	commitment, err := systems.Commitment(in.System())
	if err != nil {
		return validationErr("inputs commitment: %s", err)
	}
	terms := in.Terms()
	if terms.InputsCommitment != commitment {
		return validationErr("inputs commitment does not match system params")
	}
	if err := checkMarket(in, cfg); err != nil {
		return err
	}
	if err := CheckTiming(latestTs, terms, cfg); err != nil {
		return err
	}
	if err := checkAmounts(in, cfg); err != nil {
		return err
	}
	if err := checkSignature(in, cfg); err != nil {
		return err
	}
	return checkVerifierDetails(in, cfg)
}

func checkSystem(in Intent, cfg ValidationConfig) error {
	if in.SystemID() != in.System().ID() {
		return validationErr("system id %s does not match params of %s",
			in.SystemID(), in.System().ID())
	}
	if len(cfg.SupportedSystems) == 0 {
		return nil
	}
	for _, id := range cfg.SupportedSystems {
		if id == in.SystemID() {
			return nil
		}
	}
	return validationErr("unsupported system %s", in.SystemID())
}

func checkMarket(in Intent, cfg ValidationConfig) error {
	expected := cfg.Network.RequestMarket
	if in.Kind() == KindOffer {
		expected = cfg.Network.OfferMarket
	}
	if in.Terms().Market != expected {
		return validationErr("market address %s, expected %s",
			in.Terms().Market.Hex(), expected.Hex())
	}
	return nil
}

// CheckTiming checks that latestTs lies within the validity window of the
// intent and that the granted proving time is enough
func CheckTiming(latestTs uint64, terms Terms, cfg ValidationConfig) error {
	if latestTs >= terms.EndAuctionTimestamp {
		return validationErr("intent already expired: latest %d, end %d",
			latestTs, terms.EndAuctionTimestamp)
	}
	if latestTs < terms.NotBefore(cfg.MaximumStartDelay) {
		return validationErr("intent not yet valid: latest %d, start %d",
			latestTs, terms.StartAuctionTimestamp)
	}
	if terms.StartAuctionTimestamp >= terms.EndAuctionTimestamp {
		return validationErr("auction start %d not before end %d",
			terms.StartAuctionTimestamp, terms.EndAuctionTimestamp)
	}
	if terms.ProvingTime < cfg.MinimumProvingTime {
		return validationErr("proving time too low: %d < %d",
			terms.ProvingTime, cfg.MinimumProvingTime)
	}
	return nil
}

func checkAmounts(in Intent, cfg ValidationConfig) error {
	switch c := in.Commitment().(type) {
	case *ProofRequest:
		if bigOrZero(c.MaxRewardAmount).Cmp(bigOrZero(c.MinRewardAmount)) < 0 {
			return validationErr("reward token amounts invalid")
		}
		if cfg.MaximumAllowedStake != nil &&
			bigOrZero(c.MinimumStake).Cmp(cfg.MaximumAllowedStake) > 0 {
			return validationErr("minimum stake %s above maximum allowed %s",
				bigOrZero(c.MinimumStake), cfg.MaximumAllowedStake)
		}
	case *ProofOffer:
		if cfg.MaximumAllowedReward != nil &&
			bigOrZero(c.RewardAmount).Cmp(cfg.MaximumAllowedReward) > 0 {
			return validationErr("token reward amount invalid")
		}
		if bigOrZero(c.StakeAmount).Cmp(bigOrZero(cfg.MinimumAllowedStake)) < 0 {
			return validationErr("token stake amount invalid")
		}
	default:
		return validationErr("unknown commitment %T", c)
	}
	return nil
}

func checkSignature(in Intent, cfg ValidationConfig) error {
	digest := in.Permit2Digest(Permit2DomainSeparator(cfg.Network.ChainID))
	addr, err := in.Signature().Recover(digest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if addr != in.Terms().Signer {
		return validationErr("signature recovers to %s, signer is %s",
			addr.Hex(), in.Terms().Signer.Hex())
	}
	return nil
}

func checkVerifierDetails(in Intent, cfg ValidationConfig) error {
	details, err := in.VerifierDetails()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	constraints := cfg.Network.Constraints(in.System())
	if in.Kind() == KindOffer {
		constraints = constraints.OfferConstraints()
	}
	if err := constraints.Check(*details); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}
