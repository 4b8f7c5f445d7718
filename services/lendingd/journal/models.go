package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransferStatus tracks an outbox instruction through relaying.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferSettled   TransferStatus = "SETTLED"
	TransferFailed    TransferStatus = "FAILED"
	TransferCancelled TransferStatus = "CANCELLED"
)

// CustodyStatus describes who currently controls a collateral token.
type CustodyStatus string

const (
	CustodyHeld     CustodyStatus = "HELD"
	CustodyReleased CustodyStatus = "RELEASED"
	CustodySeized   CustodyStatus = "SEIZED"
)

// EventRecord is one lifecycle event as written to the journal.
type EventRecord struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	LoanID     string            `gorm:"index;size:66"`
	Type       string            `gorm:"index;size:64"`
	Attributes map[string]string `gorm:"serializer:json"`
	CreatedAt  time.Time
}

// TransferRecord is a settlement instruction awaiting a relayer.
type TransferRecord struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	LoanID    string         `gorm:"index;size:66"`
	Purpose   string         `gorm:"size:16"`
	Currency  string         `gorm:"size:42"`
	From      string         `gorm:"column:from_address;size:42"`
	To        string         `gorm:"column:to_address;size:42"`
	Amount    string         `gorm:"not null"`
	Status    TransferStatus `gorm:"index;size:16"`
	Attempts  int
	TxHash    string `gorm:"size:66"`
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CustodyRecord tracks a collateral token the service has taken custody of.
type CustodyRecord struct {
	Key        string        `gorm:"column:collateral_key;primaryKey;size:66"`
	Kind       string        `gorm:"size:8"`
	Contract   string        `gorm:"index;size:42"`
	TokenID    string        `gorm:"not null"`
	Owner      string        `gorm:"size:42"`
	Status     CustodyStatus `gorm:"index;size:16"`
	Recipients []string      `gorm:"serializer:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Grant authorises a smart account to call selector on target.
type Grant struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Account   string    `gorm:"uniqueIndex:idx_grant;size:42"`
	Target    string    `gorm:"uniqueIndex:idx_grant;size:42"`
	Selector  string    `gorm:"uniqueIndex:idx_grant;size:10"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &TransferRecord{}, &CustodyRecord{}, &Grant{})
}
