package loans

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"sodiumcore/storage"
)

var (
	loanPrefix       = []byte("loans/loan/")
	noncePrefix      = []byte("loans/nonce/")
	collateralPrefix = []byte("loans/collateral/")
)

// CollateralOp describes how a commit changes the collateral index.
type CollateralOp uint8

const (
	CollateralKeep CollateralOp = iota
	CollateralHold
	CollateralRelease
)

// Change is one atomic ledger transition.
type Change struct {
	Loan *Loan
	// Expected is the version the caller read before mutating. Zero creates
	// the loan.
	Expected   uint64
	Nonces     map[common.Address]uint64
	Collateral CollateralOp
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State    State
	Borrower *common.Address
	Lender   *common.Address
}

// Store persists loans, lender nonces and the collateral index. Every Commit
// lands as a single batch so partial transitions are never visible.
type Store struct {
	db storage.Database
	mu sync.RWMutex
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Loan returns the stored loan or ErrNotFound.
func (s *Store) Loan(id ID) (*Loan, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("loans: store not initialised")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

// Nonce returns the next nonce the lender must sign for the loan.
func (s *Store) Nonce(id ID, lender common.Address) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("loans: store not initialised")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonce(id, lender)
}

// CollateralHolder returns the loan currently holding the collateral.
func (s *Store) CollateralHolder(c Collateral) (ID, bool, error) {
	if s == nil || s.db == nil {
		return ID{}, false, fmt.Errorf("loans: store not initialised")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get(collateralKey(c))
	if errors.Is(err, storage.ErrNotFound) {
		return ID{}, false, nil
	}
	if err != nil {
		return ID{}, false, err
	}
	return common.BytesToHash(data), true, nil
}

// Commit writes change if the stored version still equals change.Expected.
// On success change.Loan.Version holds the new version.
func (s *Store) Commit(change Change) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("loans: store not initialised")
	}
	if change.Loan == nil {
		return fmt.Errorf("%w: nil loan", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	loan := change.Loan
	id := loan.Request.ID
	current, err := s.get(id)
	switch {
	case errors.Is(err, ErrNotFound):
		if change.Expected != 0 {
			return fmt.Errorf("%w: loan %s vanished", ErrConcurrentModification, id.Hex())
		}
	case err != nil:
		return err
	case change.Expected == 0:
		return fmt.Errorf("%w: %s", ErrLoanExists, id.Hex())
	case current.Version != change.Expected:
		return fmt.Errorf("%w: loan %s at version %d, expected %d", ErrConcurrentModification, id.Hex(), current.Version, change.Expected)
	}

	next := loan.Clone()
	next.Version = change.Expected + 1
	encoded, err := rlp.EncodeToBytes(next)
	if err != nil {
		return fmt.Errorf("loans: encode loan: %w", err)
	}

	batch := s.db.NewBatch()
	batch.Put(loanKey(id), encoded)
	for lender, nonce := range change.Nonces {
		batch.Put(nonceKey(id, lender), encodeUint64(nonce))
	}
	switch change.Collateral {
	case CollateralHold:
		key := collateralKey(loan.Request.Collateral)
		if holder, err := s.db.Get(key); err == nil && common.BytesToHash(holder) != id {
			return fmt.Errorf("%w: held by %s", ErrCollateralInUse, common.BytesToHash(holder).Hex())
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		batch.Put(key, id.Bytes())
	case CollateralRelease:
		batch.Delete(collateralKey(loan.Request.Collateral))
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("loans: write batch: %w", err)
	}
	loan.Version = next.Version
	return nil
}

// List returns loans matching filter in key order.
func (s *Store) List(filter Filter) ([]*Loan, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("loans: store not initialised")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		out    []*Loan
		decErr error
	)
	err := s.db.Iterate(loanPrefix, func(_, value []byte) bool {
		loan, err := decodeLoan(value)
		if err != nil {
			decErr = err
			return false
		}
		if matchesFilter(loan, filter) {
			out = append(out, loan)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	return out, nil
}

func (s *Store) get(id ID) (*Loan, error) {
	data, err := s.db.Get(loanKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if err != nil {
		return nil, err
	}
	return decodeLoan(data)
}

func (s *Store) nonce(id ID, lender common.Address) (uint64, error) {
	data, err := s.db.Get(nonceKey(id, lender))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("loans: corrupt nonce entry for %s", lender.Hex())
	}
	return binary.BigEndian.Uint64(data), nil
}

func decodeLoan(data []byte) (*Loan, error) {
	var loan Loan
	if err := rlp.DecodeBytes(data, &loan); err != nil {
		return nil, fmt.Errorf("loans: decode loan: %w", err)
	}
	loan.normalize()
	return &loan, nil
}

func matchesFilter(loan *Loan, filter Filter) bool {
	if filter.State != 0 && loan.State != filter.State {
		return false
	}
	if filter.Borrower != nil && loan.Request.Borrower != *filter.Borrower {
		return false
	}
	if filter.Lender != nil {
		for _, share := range loan.Shares {
			if share.Lender == *filter.Lender {
				return true
			}
		}
		return false
	}
	return true
}

func loanKey(id ID) []byte {
	return append(append([]byte{}, loanPrefix...), id.Bytes()...)
}

func nonceKey(id ID, lender common.Address) []byte {
	key := make([]byte, 0, len(noncePrefix)+common.HashLength+common.AddressLength)
	key = append(key, noncePrefix...)
	key = append(key, id.Bytes()...)
	return append(key, lender.Bytes()...)
}

func collateralKey(c Collateral) []byte {
	return append(append([]byte{}, collateralPrefix...), c.Key().Bytes()...)
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
