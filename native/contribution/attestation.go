package contribution

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Attestation is the validator's statement that a contribution set was still
// live as of signing. It is valid until Deadline (unix seconds, inclusive).
type Attestation struct {
	Deadline uint64 `json:"deadline"`
	Signature
}

var attestationArgs = mustAttestationArgs()

func mustAttestationArgs() abi.Arguments {
	deadline, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	set, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "r", Type: "bytes32"},
		{Name: "s", Type: "bytes32"},
		{Name: "v", Type: "uint8"},
		{Name: "available", Type: "uint256"},
		{Name: "APR", Type: "uint256"},
		{Name: "liquidityLimit", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	})
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: deadline}, {Type: set}}
}

type encodedContribution struct {
	R              [32]byte `abi:"r"`
	S              [32]byte `abi:"s"`
	V              uint8    `abi:"v"`
	Available      *big.Int `abi:"available"`
	APR            *big.Int `abi:"APR"`
	LiquidityLimit *big.Int `abi:"liquidityLimit"`
	Nonce          *big.Int `abi:"nonce"`
}

// EncodeSet returns abi.encode(uint256 deadline, tuple(bytes32 r, bytes32 s,
// uint8 v, uint256 available, uint256 APR, uint256 liquidityLimit, uint256
// nonce)[] contributions). Order matters: reordering the set changes the
// encoding and so invalidates the attestation.
func EncodeSet(deadline uint64, set []MetaContribution) ([]byte, error) {
	encoded := make([]encodedContribution, len(set))
	for i, mc := range set {
		encoded[i] = encodedContribution{
			R:              mc.R,
			S:              mc.S,
			V:              mc.V,
			Available:      toBig(mc.Available),
			APR:            new(big.Int).SetUint64(mc.APR),
			LiquidityLimit: toBig(mc.LiquidityLimit),
			Nonce:          new(big.Int).SetUint64(mc.Nonce),
		}
	}
	packed, err := attestationArgs.Pack(new(big.Int).SetUint64(deadline), encoded)
	if err != nil {
		return nil, fmt.Errorf("contribution: encode attestation set: %w", err)
	}
	return packed, nil
}

// MessagePayload is the raw-hash signing strategy used by the validator: the
// signature covers the EIP-191 personal message wrapping of Hash.
type MessagePayload struct {
	Hash common.Hash
}

// Digest returns keccak256("\x19Ethereum Signed Message:\n32" || Hash).
func (p MessagePayload) Digest() (common.Hash, error) {
	return common.BytesToHash(accounts.TextHash(p.Hash[:])), nil
}

// SetPayload returns the message payload for an ordered contribution set.
func SetPayload(deadline uint64, set []MetaContribution) (MessagePayload, error) {
	encoded, err := EncodeSet(deadline, set)
	if err != nil {
		return MessagePayload{}, err
	}
	return MessagePayload{Hash: ethcrypto.Keccak256Hash(encoded)}, nil
}

// Attest signs the ordered contribution set valid until deadline.
func Attest(validator Signer, deadline uint64, set []MetaContribution) (Attestation, error) {
	payload, err := SetPayload(deadline, set)
	if err != nil {
		return Attestation{}, err
	}
	sig, err := Sign(validator, payload)
	if err != nil {
		return Attestation{}, err
	}
	return Attestation{Deadline: deadline, Signature: sig}, nil
}

// VerifyAttestation checks freshness first and then that validator signed
// exactly set. A well-formed signature from anyone else, or over any other
// set, is reported as ErrAttestationMismatch.
func VerifyAttestation(validator common.Address, att Attestation, set []MetaContribution, now time.Time) error {
	if nowUnix := now.Unix(); nowUnix < 0 || uint64(nowUnix) > att.Deadline {
		return fmt.Errorf("%w: deadline %d, now %d", ErrAttestationExpired, att.Deadline, nowUnix)
	}
	payload, err := SetPayload(att.Deadline, set)
	if err != nil {
		return err
	}
	signer, err := Recover(payload, att.Signature)
	if err != nil {
		return err
	}
	if signer != validator {
		return fmt.Errorf("%w: recovered %s", ErrAttestationMismatch, signer.Hex())
	}
	return nil
}
