package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestLoanFundedRecordFlattensShares(t *testing.T) {
	ev := LoanFunded{
		LoanID:    common.HexToHash("0x01"),
		Lenders:   []common.Address{common.HexToAddress("0xaa"), common.HexToAddress("0xbb")},
		Amounts:   []*uint256.Int{uint256.NewInt(600), uint256.NewInt(400)},
		Funded:    uint256.NewInt(1000),
		Activated: true,
		At:        1_700_000_000,
	}
	rec := ev.Record()
	if rec.Type != TypeLoanFunded {
		t.Fatalf("unexpected type %q", rec.Type)
	}
	if got := rec.Attributes["share.1.amount"]; got != "400" {
		t.Fatalf("expected second share amount 400, got %q", got)
	}
	if got := rec.Attributes["activated"]; got != "true" {
		t.Fatalf("expected activated flag, got %q", got)
	}
	if got := rec.Attributes["shares"]; got != "2" {
		t.Fatalf("expected two shares, got %q", got)
	}
}

func TestLoanClosedOmitsEmptyWinner(t *testing.T) {
	rec := LoanClosed{LoanID: common.HexToHash("0x02"), Outcome: "seizure"}.Record()
	if _, ok := rec.Attributes["winner"]; ok {
		t.Fatalf("seizure record should not carry a winner")
	}
	if rec.Attributes["proceeds"] != "0" {
		t.Fatalf("nil proceeds should render as zero, got %q", rec.Attributes["proceeds"])
	}
}

func TestFanoutAndBuffer(t *testing.T) {
	var a, b Buffer
	fan := Fanout{&a, nil, &b}
	fan.Emit(LoanRepaid{LoanID: common.HexToHash("0x03")})
	fan.Emit(LoanDefaulted{LoanID: common.HexToHash("0x04")})

	for _, buf := range []*Buffer{&a, &b} {
		types := buf.Types()
		if len(types) != 2 || types[0] != TypeLoanRepaid || types[1] != TypeLoanDefaulted {
			t.Fatalf("unexpected event order %v", types)
		}
	}
	var _ Recordable = LoanRepayment{}
	NoopEmitter{}.Emit(LoanRepaid{})
}
