package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sodiumcore/native/contribution"
	"sodiumcore/native/loans"
)

// DefaultAttestationTTL is how long a validator attestation stays usable.
const DefaultAttestationTTL = 100 * time.Second

// Attestor signs contribution sets as the protocol validator. It only
// attests sets that would pass aggregation right now.
type Attestor struct {
	ledger *loans.Ledger
	signer contribution.Signer
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger
}

func NewAttestor(engine *Engine, signer contribution.Signer, ttl time.Duration) (*Attestor, error) {
	if engine == nil || signer == nil {
		return nil, fmt.Errorf("lifecycle: attestor needs an engine and a signer")
	}
	if want := engine.ledger.Params().Validator; signer.Address() != want {
		return nil, fmt.Errorf("lifecycle: attestor key %s is not the configured validator %s", signer.Address().Hex(), want.Hex())
	}
	if ttl < time.Second {
		ttl = DefaultAttestationTTL
	}
	return &Attestor{ledger: engine.ledger, signer: signer, clock: engine.clock, ttl: ttl, logger: engine.logger}, nil
}

// Attest checks every contribution against the ledger and signs the ordered
// set with a deadline ttl from now.
func (a *Attestor) Attest(ctx context.Context, id loans.ID, set []contribution.MetaContribution) (contribution.Attestation, error) {
	if len(set) == 0 {
		return contribution.Attestation{}, fmt.Errorf("%w: empty contribution set", loans.ErrInvalidRequest)
	}
	loan, err := a.ledger.Get(ctx, id)
	if err != nil {
		return contribution.Attestation{}, err
	}
	if !loan.State.AcceptsContributions() {
		return contribution.Attestation{}, fmt.Errorf("%w: loan is %s", loans.ErrInvalidStateTransition, loan.State)
	}
	codec := a.ledger.Codec()
	expected := make(map[common.Address]uint64, len(set))
	for i, mc := range set {
		if mc.LoanID != id {
			return contribution.Attestation{}, fmt.Errorf("%w: contribution %d signed for loan %s", loans.ErrInvalidSignature, i, mc.LoanID.Hex())
		}
		if err := codec.VerifyClaimed(mc); err != nil {
			return contribution.Attestation{}, fmt.Errorf("contribution %d: %w", i, err)
		}
		next, ok := expected[mc.Lender]
		if !ok {
			stored, err := a.ledger.Nonce(ctx, id, mc.Lender)
			if err != nil {
				return contribution.Attestation{}, err
			}
			next = stored
		}
		if mc.Nonce != next {
			return contribution.Attestation{}, fmt.Errorf("%w: contribution %d from %s carries nonce %d, expected %d", loans.ErrNonceReplay, i, mc.Lender.Hex(), mc.Nonce, next)
		}
		expected[mc.Lender] = next + 1
	}
	deadline := uint64(a.clock.Now().Add(a.ttl).Unix())
	att, err := contribution.Attest(a.signer, deadline, set)
	if err != nil {
		return contribution.Attestation{}, err
	}
	a.logger.Info("contribution set attested", "loan", id.Hex(), "contributions", len(set), "deadline", deadline)
	return att, nil
}
