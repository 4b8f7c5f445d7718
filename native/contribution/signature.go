package contribution

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"sodiumcore/crypto"
)

var (
	// ErrInvalidSignature covers malformed signatures and signer mismatches.
	ErrInvalidSignature = errors.New("contribution: invalid signature")
	// ErrAttestationExpired is returned when the attestation deadline has passed.
	ErrAttestationExpired = errors.New("contribution: attestation expired")
	// ErrAttestationMismatch is returned when the attestation was not produced
	// by the validator over exactly the submitted contribution set.
	ErrAttestationMismatch = errors.New("contribution: attestation does not cover contribution set")
)

// Signature is a secp256k1 signature split into its Ethereum components. V is
// 27 or 28.
type Signature struct {
	V uint8       `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

// SignatureFromBytes splits a 65-byte [R || S || V] signature. V may be given
// as 0/1 or 27/28.
func SignatureFromBytes(raw []byte) (Signature, error) {
	if len(raw) != ethcrypto.SignatureLength {
		return Signature{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, ethcrypto.SignatureLength, len(raw))
	}
	sig := Signature{V: raw[64]}
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	if sig.V < 27 {
		sig.V += 27
	}
	return sig, nil
}

// Bytes returns the 65-byte [R || S || V] encoding with V in {27, 28}.
func (s Signature) Bytes() []byte {
	out := make([]byte, ethcrypto.SignatureLength)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// Validate rejects out-of-range components and malleable high-s signatures.
func (s Signature) Validate() error {
	if s.V != 27 && s.V != 28 {
		return fmt.Errorf("%w: v must be 27 or 28, got %d", ErrInvalidSignature, s.V)
	}
	r := new(big.Int).SetBytes(s.R[:])
	sv := new(big.Int).SetBytes(s.S[:])
	if !ethcrypto.ValidateSignatureValues(s.V-27, r, sv, true) {
		return fmt.Errorf("%w: r/s out of range", ErrInvalidSignature)
	}
	return nil
}

// Signer produces signatures over 32-byte digests. Implementations may wrap an
// in-process key or a remote KMS.
type Signer interface {
	Address() common.Address
	SignDigest(digest common.Hash) (Signature, error)
}

// KeySigner signs with an in-process secp256k1 key.
type KeySigner struct {
	key *crypto.PrivateKey
}

// NewKeySigner wraps key. It panics on a nil key since no signature could ever
// be produced.
func NewKeySigner(key *crypto.PrivateKey) *KeySigner {
	if key == nil || key.PrivateKey == nil {
		panic("contribution: nil signing key")
	}
	return &KeySigner{key: key}
}

// Address returns the account controlled by the wrapped key.
func (s *KeySigner) Address() common.Address {
	return s.key.Address()
}

// SignDigest signs digest directly without any additional prefixing.
func (s *KeySigner) SignDigest(digest common.Hash) (Signature, error) {
	raw, err := ethcrypto.Sign(digest[:], s.key.PrivateKey)
	if err != nil {
		return Signature{}, err
	}
	return SignatureFromBytes(raw)
}

// Payload is a signing strategy: something that reduces to the digest a
// signature covers.
type Payload interface {
	Digest() (common.Hash, error)
}

// Sign signs the payload's digest.
func Sign(signer Signer, payload Payload) (Signature, error) {
	if signer == nil {
		return Signature{}, errors.New("contribution: signer not configured")
	}
	digest, err := payload.Digest()
	if err != nil {
		return Signature{}, err
	}
	return signer.SignDigest(digest)
}

// Recover returns the address that produced sig over payload.
func Recover(payload Payload, sig Signature) (common.Address, error) {
	if err := sig.Validate(); err != nil {
		return common.Address{}, err
	}
	digest, err := payload.Digest()
	if err != nil {
		return common.Address{}, err
	}
	raw := sig.Bytes()
	raw[64] -= 27
	pub, err := ethcrypto.SigToPub(digest[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that expected produced sig over payload.
func Verify(expected common.Address, payload Payload, sig Signature) error {
	signer, err := Recover(payload, sig)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, signer.Hex(), expected.Hex())
	}
	return nil
}
