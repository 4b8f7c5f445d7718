package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sodiumcore/core/events"
	"sodiumcore/native/lifecycle"
	"sodiumcore/native/loans"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "ignored"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestJournalRecordsLifecycleEvents(t *testing.T) {
	db := openTestDB(t)
	j := New(db, nil)
	loanID := common.HexToHash("0xabc1")

	j.Emit(events.LoanRequested{LoanID: loanID, Principal: uint256.NewInt(10), TokenID: uint256.NewInt(1), CreatedAt: 1})
	j.Emit(events.LoanRepaid{LoanID: loanID, At: 2})
	j.Emit(events.LoanRepaid{LoanID: common.HexToHash("0xdead"), At: 3})

	rows, err := j.Events(context.Background(), loanID.Hex())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	types := map[string]bool{}
	for _, row := range rows {
		types[row.Type] = true
		require.Equal(t, loanID.Hex(), row.Attributes["loanId"])
	}
	require.True(t, types[events.TypeLoanRequested])
	require.True(t, types[events.TypeLoanRepaid])
}

func TestOutboxQueuesIdempotently(t *testing.T) {
	db := openTestDB(t)
	outbox := NewOutbox(db)
	ctx := context.Background()
	transfer := lifecycle.Transfer{
		ID:      uuid.New(),
		LoanID:  common.HexToHash("0x01"),
		Purpose: lifecycle.PurposeFunding,
		From:    common.HexToAddress("0xaa"),
		To:      common.HexToAddress("0xbb"),
		Amount:  uint256.MustFromDecimal("1500000000000000000000"),
	}
	require.NoError(t, outbox.Transfer(ctx, transfer))
	require.NoError(t, outbox.Transfer(ctx, transfer))

	pending, err := outbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "1500000000000000000000", pending[0].Amount)
	require.Equal(t, "funding", pending[0].Purpose)

	settled, err := outbox.Settle(ctx, transfer.ID, "0xfeed")
	require.NoError(t, err)
	require.Equal(t, TransferSettled, settled.Status)

	_, err = outbox.Settle(ctx, transfer.ID, "0xfeed")
	require.ErrorIs(t, err, ErrTransferFinal)
	_, err = outbox.Cancel(ctx, uuid.New(), "unknown")
	require.ErrorIs(t, err, ErrTransferNotFound)

	pending, err = outbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	zero := transfer
	zero.ID = uuid.New()
	zero.Amount = new(uint256.Int)
	require.Error(t, outbox.Transfer(ctx, zero))
}

func TestOutboxParksRepeatedlyFailingTransfers(t *testing.T) {
	db := openTestDB(t)
	outbox := NewOutbox(db)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, outbox.Transfer(ctx, lifecycle.Transfer{ID: id, Purpose: lifecycle.PurposeFee, Amount: uint256.NewInt(1)}))

	var row *TransferRecord
	var err error
	for i := 0; i < maxAttempts; i++ {
		row, err = outbox.Fail(ctx, id, "relayer timeout")
		require.NoError(t, err)
	}
	require.Equal(t, TransferFailed, row.Status)
	require.Equal(t, maxAttempts, row.Attempts)
	require.Equal(t, "relayer timeout", row.LastError)
}

func TestCustodyTracksCollateral(t *testing.T) {
	db := openTestDB(t)
	custody := NewCustody(db)
	ctx := context.Background()
	col := loans.Collateral{Kind: loans.CollateralERC721, Contract: common.HexToAddress("0x0f"), TokenID: uint256.NewInt(7)}
	owner := common.HexToAddress("0xb0b")

	_, err := custody.Record(ctx, col)
	require.ErrorIs(t, err, ErrCollateralMissing)
	require.NoError(t, custody.Confirm(ctx, col, owner))
	require.ErrorIs(t, custody.Confirm(ctx, col, owner), ErrCollateralHeld)

	lenders := []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}
	require.NoError(t, custody.Seize(ctx, col, lenders))
	row, err := custody.Record(ctx, col)
	require.NoError(t, err)
	require.Equal(t, CustodySeized, row.Status)
	require.Equal(t, []string{lenders[0].Hex(), lenders[1].Hex()}, row.Recipients)
	require.ErrorIs(t, custody.Release(ctx, col, owner), ErrCollateralMissing)

	require.NoError(t, custody.Confirm(ctx, col, owner))
	row, err = custody.Record(ctx, col)
	require.NoError(t, err)
	require.Equal(t, CustodyHeld, row.Status)
	require.Empty(t, row.Recipients)
}

type traceRecorder struct {
	mu     sync.Mutex
	errors []error
}

func (r *traceRecorder) LogMode(logger.LogLevel) logger.Interface { return r }
func (r *traceRecorder) Info(context.Context, string, ...interface{}) {}
func (r *traceRecorder) Warn(context.Context, string, ...interface{}) {}
func (r *traceRecorder) Error(context.Context, string, ...interface{}) {}

func (r *traceRecorder) Trace(_ context.Context, _ time.Time, _ func() (string, int64), err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func TestCustodyLookupsOfUnknownCollateralRaiseNoQueryErrors(t *testing.T) {
	recorder := &traceRecorder{}
	db := openTestDB(t).Session(&gorm.Session{Logger: recorder})
	custody := NewCustody(db)
	ctx := context.Background()
	col := loans.Collateral{Kind: loans.CollateralERC1155, Contract: common.HexToAddress("0x0e"), TokenID: uint256.NewInt(3)}
	owner := common.HexToAddress("0xb0b")

	_, err := custody.Record(ctx, col)
	require.ErrorIs(t, err, ErrCollateralMissing)
	require.ErrorIs(t, custody.Release(ctx, col, owner), ErrCollateralMissing)
	require.NoError(t, custody.Confirm(ctx, col, owner))
	require.Empty(t, recorder.errors)
}

func TestGrantsAuthorizeExactTriple(t *testing.T) {
	db := openTestDB(t)
	grants := NewGrants(db)
	ctx := context.Background()
	account := common.HexToAddress("0xacc")
	token := common.HexToAddress("0x70c")

	ok, err := grants.Authorized(ctx, account, token, lifecycle.TransferFromSelector)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, grants.Allow(ctx, account, token, lifecycle.TransferFromSelector))
	require.NoError(t, grants.Allow(ctx, account, token, lifecycle.TransferFromSelector))
	ok, err = grants.Authorized(ctx, account, token, lifecycle.TransferFromSelector)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = grants.Authorized(ctx, account, token, lifecycle.SettleSelector)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, grants.Revoke(ctx, account, token, lifecycle.TransferFromSelector))
	ok, err = grants.Authorized(ctx, account, token, lifecycle.TransferFromSelector)
	require.NoError(t, err)
	require.False(t, ok)
}
