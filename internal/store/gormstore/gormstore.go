package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	constraintAccountPrimary  = "accounts_pkey"
	constraintEntryReference  = "uniq_ledger_entries_reference"
	constraintGiftCardPrimary = "gift_cards_pkey"
	defaultMetadataJSON       = "{}"
	defaultListLimit          = 50
	pgUniqueViolationCode     = "23505"
	sqliteUniqueCode          = 2067
	sqlitePrimaryKeyCode      = 1555
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectEntry         = "entry"
	errorSubjectOverride      = "override"
	errorSubjectGiftCard      = "gift_card"
	errorSubjectProfile       = "profile"
	errorCodeCompareAndSwap   = "compare_and_swap"
	errorCodeDuplicate        = "duplicate"
	errorCodeFinalize         = "finalize"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeRedeem           = "redeem"
	errorCodeUpdateStatus     = "update_status"
	errorCodeUpsert           = "upsert"
)

// Store implements ledger.Store, pricing.OverrideStore, giftcard.Store and
// transfer.Directory using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table of the store.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, userID billing.UserID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{UserID: userID}, nil
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

// CompareAndSwapAccount inserts the first version of an account or updates the
// row only while it still carries expectedVersion.
func (store *Store) CompareAndSwapAccount(ctx context.Context, expectedVersion int64, next ledger.Account) error {
	if expectedVersion == 0 {
		model := Account{
			UserID:     next.UserID.String(),
			WalletKobo: next.Wallet.Int64(),
			RewardKobo: next.Reward.Int64(),
			Version:    next.Version,
		}
		err := store.db.WithContext(ctx).Create(&model).Error
		if isUniqueViolation(err, constraintAccountPrimary) {
			return wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, ledger.ErrPersistenceConflict)
		}
		if err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, err)
		}
		return nil
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND version = ?", next.UserID.String(), expectedVersion).
		Updates(map[string]any{
			"wallet_kobo": next.Wallet.Int64(),
			"reward_kobo": next.Reward.Int64(),
			"version":     next.Version,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, ledger.ErrPersistenceConflict)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	model := LedgerEntry{
		Reference:          entry.Reference.String(),
		UserID:             entry.UserID.String(),
		Kind:               entry.Kind.String(),
		Pool:               entry.Pool.String(),
		AmountKobo:         entry.Amount.Int64(),
		BalanceBeforeKobo:  entry.BalanceBefore.Int64(),
		BalanceAfterKobo:   entry.BalanceAfter.Int64(),
		Status:             entry.Status.String(),
		CounterpartyUserID: optionalString(entry.CounterpartyUserID.String()),
		Metadata:           datatypesJSON(entry.Metadata.String()),
		CreatedAt:          time.Unix(entry.CreatedUnixUTC, 0).UTC(),
		FinalizedAt:        optionalTime(entry.FinalizedUnixUTC),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintEntryReference) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetEntry(ctx context.Context, reference billing.Reference) (ledger.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).Where("reference = ?", reference.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) FinalizeEntry(ctx context.Context, reference billing.Reference, status ledger.EntryStatus, finalizedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("reference = ? AND status = ?", reference.String(), ledger.EntryStatusPending.String()).
		Updates(map[string]any{
			"status":       status.String(),
			"finalized_at": time.Unix(finalizedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeFinalize, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := store.GetEntry(ctx, reference); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectEntry, errorCodeFinalize, ledger.ErrEntryFinalized)
}

func (store *Store) ListEntries(ctx context.Context, userID billing.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if beforeUnixUTC > 0 {
		query = query.Where("created_at < ?", time.Unix(beforeUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	if err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UpsertOverrides writes the batch in a single statement.
func (store *Store) UpsertOverrides(ctx context.Context, overrides []pricing.PriceOverride) error {
	if len(overrides) == 0 {
		return nil
	}
	rows := make([]PriceOverride, 0, len(overrides))
	for _, override := range overrides {
		rows = append(rows, PriceOverride{
			ProductType:     override.ProductType.String(),
			PlanID:          override.PlanID,
			CustomPriceKobo: override.CustomPrice.Int64(),
			Status:          override.Status.String(),
			UpdatedAt:       time.Unix(override.UpdatedUnixUTC, 0).UTC(),
		})
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_type"}, {Name: "plan_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"custom_price_kobo", "status", "updated_at"}),
		}).
		Create(&rows).Error
	if err != nil {
		return wrapStoreError(errorSubjectOverride, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetOverride(ctx context.Context, productType pricing.ProductType, planID string) (pricing.PriceOverride, bool, error) {
	var model PriceOverride
	err := store.db.WithContext(ctx).
		Where("product_type = ? AND plan_id = ?", productType.String(), planID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pricing.PriceOverride{}, false, nil
	}
	if err != nil {
		return pricing.PriceOverride{}, false, wrapStoreError(errorSubjectOverride, errorCodeGet, err)
	}
	override, err := mapOverride(model)
	if err != nil {
		return pricing.PriceOverride{}, false, wrapStoreError(errorSubjectOverride, errorCodeInvalid, err)
	}
	return override, true, nil
}

func (store *Store) ListOverrides(ctx context.Context, productType pricing.ProductType) ([]pricing.PriceOverride, error) {
	var rows []PriceOverride
	err := store.db.WithContext(ctx).
		Where("product_type = ?", productType.String()).
		Order("plan_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOverride, errorCodeList, err)
	}
	overrides := make([]pricing.PriceOverride, 0, len(rows))
	for _, row := range rows {
		override, err := mapOverride(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOverride, errorCodeInvalid, err)
		}
		overrides = append(overrides, override)
	}
	return overrides, nil
}

func (store *Store) UpdateOverrideStatus(ctx context.Context, productType pricing.ProductType, planID string, status pricing.OverrideStatus, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&PriceOverride{}).
		Where("product_type = ? AND plan_id = ?", productType.String(), planID).
		Updates(map[string]any{
			"status":     status.String(),
			"updated_at": time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOverride, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOverride, errorCodeUpdateStatus, pricing.ErrUnknownOverride)
	}
	return nil
}

func (store *Store) CreateCard(ctx context.Context, card giftcard.Card) error {
	model := GiftCard{
		Code:       card.Code,
		AmountKobo: card.Amount.Int64(),
		ExpiresAt:  optionalTime(card.ExpiresAtUnixUTC),
		CreatedAt:  time.Unix(card.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintGiftCardPrimary) {
		return wrapStoreError(errorSubjectGiftCard, errorCodeDuplicate, giftcard.ErrDuplicateCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGiftCard, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetCard(ctx context.Context, code string) (giftcard.Card, error) {
	var model GiftCard
	err := store.db.WithContext(ctx).Where("code = ?", code).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return giftcard.Card{}, wrapStoreError(errorSubjectGiftCard, errorCodeGet, giftcard.ErrCardNotFound)
	}
	if err != nil {
		return giftcard.Card{}, wrapStoreError(errorSubjectGiftCard, errorCodeGet, err)
	}
	card, err := mapGiftCard(model)
	if err != nil {
		return giftcard.Card{}, wrapStoreError(errorSubjectGiftCard, errorCodeInvalid, err)
	}
	return card, nil
}

func (store *Store) MarkRedeemed(ctx context.Context, code string, userID billing.UserID, redeemedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&GiftCard{}).
		Where("code = ? AND is_redeemed = ?", code, false).
		Updates(map[string]any{
			"is_redeemed": true,
			"redeemed_by": userID.String(),
			"redeemed_at": time.Unix(redeemedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGiftCard, errorCodeRedeem, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := store.GetCard(ctx, code); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectGiftCard, errorCodeRedeem, giftcard.ErrCardRedeemed)
}

// UpsertProfile stores the directory entry of a signed-in user.
func (store *Store) UpsertProfile(ctx context.Context, recipient transfer.Recipient) error {
	email := strings.ToLower(strings.TrimSpace(recipient.Email))
	if email == "" || recipient.UserID.IsZero() {
		return fmt.Errorf("%w: profile requires user id and email", transfer.ErrInvalidRecipient)
	}
	model := UserProfile{
		UserID:      recipient.UserID.String(),
		Email:       email,
		DisplayName: recipient.DisplayName,
		UpdatedAt:   time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) LookupByEmail(ctx context.Context, email string) (transfer.Recipient, error) {
	var model UserProfile
	err := store.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transfer.Recipient{}, wrapStoreError(errorSubjectProfile, errorCodeLookup, transfer.ErrRecipientNotFound)
	}
	if err != nil {
		return transfer.Recipient{}, wrapStoreError(errorSubjectProfile, errorCodeLookup, err)
	}
	userID, err := billing.NewUserID(model.UserID)
	if err != nil {
		return transfer.Recipient{}, wrapStoreError(errorSubjectProfile, errorCodeInvalid, err)
	}
	return transfer.Recipient{UserID: userID, Email: model.Email, DisplayName: model.DisplayName}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (ledger.Account, error) {
	userID, err := billing.NewUserID(model.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	wallet, err := billing.NewKobo(model.WalletKobo)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	reward, err := billing.NewKobo(model.RewardKobo)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{UserID: userID, Wallet: wallet, Reward: reward, Version: model.Version}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	reference, err := billing.NewReference(row.Reference)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := billing.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	pool, err := ledger.ParsePool(row.Pool)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := billing.NewPositiveKobo(row.AmountKobo)
	if err != nil {
		return ledger.Entry{}, err
	}
	before, err := billing.NewKobo(row.BalanceBeforeKobo)
	if err != nil {
		return ledger.Entry{}, err
	}
	after, err := billing.NewKobo(row.BalanceAfterKobo)
	if err != nil {
		return ledger.Entry{}, err
	}
	var counterparty billing.UserID
	if row.CounterpartyUserID != nil {
		counterparty, err = billing.NewUserID(*row.CounterpartyUserID)
		if err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := billing.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		Reference:          reference,
		UserID:             userID,
		Kind:               kind,
		Pool:               pool,
		Amount:             amount,
		BalanceBefore:      before,
		BalanceAfter:       after,
		Status:             status,
		CounterpartyUserID: counterparty,
		Metadata:           metadata,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
		FinalizedUnixUTC:   timeOrZero(row.FinalizedAt),
	}, nil
}

func mapOverride(row PriceOverride) (pricing.PriceOverride, error) {
	productType, err := pricing.NewProductType(row.ProductType)
	if err != nil {
		return pricing.PriceOverride{}, err
	}
	customPrice, err := billing.NewKobo(row.CustomPriceKobo)
	if err != nil {
		return pricing.PriceOverride{}, err
	}
	status, err := pricing.ParseOverrideStatus(row.Status)
	if err != nil {
		return pricing.PriceOverride{}, err
	}
	return pricing.PriceOverride{
		ProductType:    productType,
		PlanID:         row.PlanID,
		CustomPrice:    customPrice,
		Status:         status,
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func mapGiftCard(row GiftCard) (giftcard.Card, error) {
	amount, err := billing.NewPositiveKobo(row.AmountKobo)
	if err != nil {
		return giftcard.Card{}, err
	}
	card := giftcard.Card{
		Code:             row.Code,
		Amount:           amount,
		IsRedeemed:       row.IsRedeemed,
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		RedeemedUnixUTC:  timeOrZero(row.RedeemedAt),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}
	if row.RedeemedBy != nil {
		redeemedBy, err := billing.NewUserID(*row.RedeemedBy)
		if err != nil {
			return giftcard.Card{}, err
		}
		card.RedeemedBy = redeemedBy
	}
	return card, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteUniqueCode || code == sqlitePrimaryKeyCode
	}
	return false
}
