package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Version backs compare-and-swap updates.
type Account struct {
	UserID     string    `gorm:"primaryKey"`
	WalletKobo int64     `gorm:"not null;default:0"`
	RewardKobo int64     `gorm:"not null;default:0"`
	Version    int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID            string         `gorm:"type:uuid;primaryKey"`
	Reference          string         `gorm:"not null;index:uniq_ledger_entries_reference,unique"`
	UserID             string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Kind               string         `gorm:"not null"`
	Pool               string         `gorm:"not null"`
	AmountKobo         int64          `gorm:"not null"`
	BalanceBeforeKobo  int64          `gorm:"not null"`
	BalanceAfterKobo   int64          `gorm:"not null"`
	Status             string         `gorm:"not null;index"`
	CounterpartyUserID *string        `gorm:""`
	Metadata           datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt          time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
	FinalizedAt        *time.Time     `gorm:""`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PriceOverride mirrors the price_overrides table, one row per plan.
type PriceOverride struct {
	ProductType     string    `gorm:"primaryKey"`
	PlanID          string    `gorm:"primaryKey"`
	CustomPriceKobo int64     `gorm:"not null"`
	Status          string    `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (PriceOverride) TableName() string { return "price_overrides" }

// GiftCard mirrors the gift_cards table.
type GiftCard struct {
	Code       string     `gorm:"primaryKey"`
	AmountKobo int64      `gorm:"not null"`
	IsRedeemed bool       `gorm:"not null;default:false"`
	ExpiresAt  *time.Time `gorm:""`
	RedeemedBy *string    `gorm:""`
	RedeemedAt *time.Time `gorm:""`
	CreatedAt  time.Time  `gorm:"not null"`
}

func (GiftCard) TableName() string { return "gift_cards" }

// UserProfile mirrors the user_profiles table used for recipient lookup.
type UserProfile struct {
	UserID      string    `gorm:"primaryKey"`
	Email       string    `gorm:"not null;index:uniq_user_profiles_email,unique"`
	DisplayName string    `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (UserProfile) TableName() string { return "user_profiles" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &PriceOverride{}, &GiftCard{}, &UserProfile{}}
}
