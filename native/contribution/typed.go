package contribution

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

const primaryType = "MetaContribution"

var (
	domainFields = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
	contributionFields = []apitypes.Type{
		{Name: "id", Type: "uint256"},
		{Name: "available", Type: "uint256"},
		{Name: "APR", Type: "uint256"},
		{Name: "liquidityLimit", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	}
)

// Domain separates signatures between protocol deployments.
type Domain struct {
	Name              string         `json:"name" yaml:"name"`
	Version           string         `json:"version" yaml:"version"`
	ChainID           uint64         `json:"chainId" yaml:"chain_id"`
	VerifyingContract common.Address `json:"verifyingContract" yaml:"verifying_contract"`
}

// Validate requires every separator field to be populated.
func (d Domain) Validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return errors.New("contribution: domain name required")
	case strings.TrimSpace(d.Version) == "":
		return errors.New("contribution: domain version required")
	case d.ChainID == 0:
		return errors.New("contribution: domain chain id required")
	case d.VerifyingContract == (common.Address{}):
		return errors.New("contribution: domain verifying contract required")
	}
	return nil
}

// Terms are the fields a lender commits to. The lender itself is not part of
// the message; it is recovered from the signature.
type Terms struct {
	LoanID         common.Hash  `json:"loanId"`
	Available      *uint256.Int `json:"available"`
	APR            uint64       `json:"apr"`
	LiquidityLimit *uint256.Int `json:"liquidityLimit"`
	Nonce          uint64       `json:"nonce"`
}

// MetaContribution is a signed lender offer. Lender is the claimed signer; it
// is not part of the signed message and must match the recovered address.
type MetaContribution struct {
	Lender common.Address `json:"lender"`
	Terms
	Signature
}

// TypedPayload is the EIP-712 signing strategy used for lender terms.
type TypedPayload struct {
	Domain Domain
	Terms  Terms
}

// TypedData builds the canonical EIP-712 document for the payload.
func (p TypedPayload) TypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			primaryType:    contributionFields,
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              p.Domain.Name,
			Version:           p.Domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(p.Domain.ChainID)),
			VerifyingContract: p.Domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"id":             new(big.Int).SetBytes(p.Terms.LoanID[:]),
			"available":      toBig(p.Terms.Available),
			"APR":            new(big.Int).SetUint64(p.Terms.APR),
			"liquidityLimit": toBig(p.Terms.LiquidityLimit),
			"nonce":          new(big.Int).SetUint64(p.Terms.Nonce),
		},
	}
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func (p TypedPayload) Digest() (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(p.TypedData())
	if err != nil {
		return common.Hash{}, fmt.Errorf("contribution: hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// Codec signs and verifies meta-contributions for one domain.
type Codec struct {
	domain Domain
}

// NewCodec validates domain and returns a codec bound to it.
func NewCodec(domain Domain) (*Codec, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	return &Codec{domain: domain}, nil
}

// Domain returns the separator the codec signs under.
func (c *Codec) Domain() Domain { return c.domain }

// Payload returns the typed payload for terms under the codec's domain.
func (c *Codec) Payload(terms Terms) TypedPayload {
	return TypedPayload{Domain: c.domain, Terms: terms}
}

// Sign produces a signed meta-contribution for terms.
func (c *Codec) Sign(signer Signer, terms Terms) (MetaContribution, error) {
	sig, err := Sign(signer, c.Payload(terms))
	if err != nil {
		return MetaContribution{}, err
	}
	return MetaContribution{Lender: signer.Address(), Terms: terms, Signature: sig}, nil
}

// Recover returns the lender that signed mc.
func (c *Codec) Recover(mc MetaContribution) (common.Address, error) {
	return Recover(c.Payload(mc.Terms), mc.Signature)
}

// Verify checks that lender signed mc under the codec's domain.
func (c *Codec) Verify(lender common.Address, mc MetaContribution) error {
	return Verify(lender, c.Payload(mc.Terms), mc.Signature)
}

// VerifyClaimed checks that mc was signed by its claimed lender.
func (c *Codec) VerifyClaimed(mc MetaContribution) error {
	if mc.Lender == (common.Address{}) {
		return fmt.Errorf("%w: contribution names no lender", ErrInvalidSignature)
	}
	return c.Verify(mc.Lender, mc)
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
