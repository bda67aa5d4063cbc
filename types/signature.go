package types

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLen is the length of a secp256k1 signature in [R || S || V]
// format
const SignatureLen = 65

// Signature is a secp256k1 signature in [R || S || V] format, with V in
// {27, 28}
type Signature [SignatureLen]byte

// MarshalText implements the encoding.TextMarshaler interface
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(s[:])), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
func (s *Signature) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return err
	}
	if len(b) != SignatureLen {
		return fmt.Errorf("unexpected signature length: %d", len(b))
	}
	copy(s[:], b)
	return nil
}

// Recover returns the address that produced the signature over hash
func (s Signature) Recover(hash common.Hash) (common.Address, error) {
	sig := make([]byte, SignatureLen)
	copy(sig, s[:])
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ec recover failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Signer is the signing capability of a requester or provider
type Signer interface {
	Address() common.Address
	SignHash(hash common.Hash) (Signature, error)
}

// KeySigner is a Signer holding a secp256k1 private key in memory
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner returns a KeySigner for the given key
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// HexToKeySigner parses a hex encoded private key
func HexToKeySigner(h string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(h)
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key), nil
}

// Address implements the Signer interface
func (k *KeySigner) Address() common.Address { return k.addr }

// Key returns the private key, used to sign transactions
func (k *KeySigner) Key() *ecdsa.PrivateKey { return k.key }

// SignHash implements the Signer interface
func (k *KeySigner) SignHash(hash common.Hash) (Signature, error) {
	var sig Signature
	b, err := crypto.Sign(hash[:], k.key)
	if err != nil {
		return sig, err
	}
	copy(sig[:], b)
	sig[64] += 27
	return sig, nil
}

// SignRequest signs the ProofRequest and returns the ComputeRequest
func SignRequest(signer Signer, domain common.Hash, params ComputeRequest) (*ComputeRequest, error) {
	params.ProofRequest.Signer = signer.Address()
	sig, err := signer.SignHash(RequestPermit2Digest(domain, &params.ProofRequest))
	if err != nil {
		return nil, err
	}
	params.Sig = sig
	return &params, nil
}

// SignOffer signs the ProofOffer and returns the ComputeOffer
func SignOffer(signer Signer, domain common.Hash, params ComputeOffer) (*ComputeOffer, error) {
	params.ProofOffer.Signer = signer.Address()
	sig, err := signer.SignHash(OfferPermit2Digest(domain, &params.ProofOffer))
	if err != nil {
		return nil, err
	}
	params.Sig = sig
	return &params, nil
}
