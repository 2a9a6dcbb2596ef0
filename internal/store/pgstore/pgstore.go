package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
)

const (
	constraintAccountPrimary  = "accounts_pkey"
	constraintEntryReference  = "uniq_ledger_entries_reference"
	constraintGiftCardPrimary = "gift_cards_pkey"
	defaultListLimit          = 50
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectEntry         = "entry"
	errorSubjectGiftCard      = "gift_card"
	errorSubjectTransaction   = "transaction"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCompareAndSwap   = "compare_and_swap"
	errorCodeDuplicate        = "duplicate"
	errorCodeFinalize         = "finalize"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeRedeem           = "redeem"

	sqlSelectAccount = `
		select wallet_kobo, reward_kobo, version from accounts where user_id = $1
	`

	sqlInsertAccount = `
		insert into accounts(user_id, wallet_kobo, reward_kobo, version, created_at, updated_at)
		values ($1, $2, $3, $4, now(), now())
	`

	sqlSwapAccount = `
		update accounts
		set wallet_kobo = $2, reward_kobo = $3, version = $4, updated_at = now()
		where user_id = $1 and version = $5
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, reference, user_id, kind, pool, amount_kobo, balance_before_kobo, balance_after_kobo,
			status, counterparty_user_id, metadata, created_at, finalized_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7,
			$8, nullif($9,''),
			coalesce(nullif($10,''),'{}')::jsonb,
			to_timestamp($11),
			to_timestamp(nullif($12,0))
		)
	`

	sqlEntryColumns = `
		select
			reference, user_id, kind, pool, amount_kobo, balance_before_kobo, balance_after_kobo, status,
			coalesce(counterparty_user_id,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from finalized_at)::bigint,0)
		from ledger_entries
	`

	sqlSelectEntry = sqlEntryColumns + ` where reference = $1`

	sqlFinalizeEntry = `
		update ledger_entries
		set status = $2, finalized_at = to_timestamp($3)
		where reference = $1 and status = 'pending'
	`

	sqlListEntriesBefore = sqlEntryColumns + `
		where user_id = $1 and ($2 = 0 or created_at < to_timestamp($2))
		order by created_at desc
		limit $3
	`

	sqlInsertGiftCard = `
		insert into gift_cards(code, amount_kobo, is_redeemed, expires_at, created_at)
		values ($1, $2, false, to_timestamp(nullif($3,0)), to_timestamp($4))
	`

	sqlSelectGiftCard = `
		select
			code, amount_kobo, is_redeemed,
			coalesce(extract(epoch from expires_at)::bigint,0),
			coalesce(redeemed_by,''),
			coalesce(extract(epoch from redeemed_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from gift_cards
		where code = $1
	`

	sqlRedeemGiftCard = `
		update gift_cards
		set is_redeemed = true, redeemed_by = $2, redeemed_at = to_timestamp($3)
		where code = $1 and is_redeemed = false
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// queries holds the statements shared by the pool and transaction stores.
type queries struct {
	db querier
}

// Store implements ledger.Store and giftcard.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store and giftcard.Store for an active transaction.
type TxStore struct {
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetAccount(ctx context.Context, userID billing.UserID) (ledger.Account, error) {
	var wallet, reward, version int64
	err := store.db.QueryRow(ctx, sqlSelectAccount, userID.String()).Scan(&wallet, &reward, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{UserID: userID}, nil
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	walletKobo, err := billing.NewKobo(wallet)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	rewardKobo, err := billing.NewKobo(reward)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{UserID: userID, Wallet: walletKobo, Reward: rewardKobo, Version: version}, nil
}

func (store queries) CompareAndSwapAccount(ctx context.Context, expectedVersion int64, next ledger.Account) error {
	if expectedVersion == 0 {
		_, err := store.db.Exec(ctx, sqlInsertAccount, next.UserID.String(), next.Wallet.Int64(), next.Reward.Int64(), next.Version)
		if isUniqueViolation(err, constraintAccountPrimary) {
			return wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, ledger.ErrPersistenceConflict)
		}
		if err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, err)
		}
		return nil
	}
	tag, err := store.db.Exec(ctx, sqlSwapAccount, next.UserID.String(), next.Wallet.Int64(), next.Reward.Int64(), next.Version, expectedVersion)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, ledger.ErrPersistenceConflict)
	}
	return nil
}

func (store queries) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.Reference.String(),
		entry.UserID.String(),
		entry.Kind.String(),
		entry.Pool.String(),
		entry.Amount.Int64(),
		entry.BalanceBefore.Int64(),
		entry.BalanceAfter.Int64(),
		entry.Status.String(),
		entry.CounterpartyUserID.String(),
		entry.Metadata.String(),
		entry.CreatedUnixUTC,
		entry.FinalizedUnixUTC,
	)
	if isUniqueViolation(err, constraintEntryReference) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store queries) GetEntry(ctx context.Context, reference billing.Reference) (ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlSelectEntry, reference.String())
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	if len(entries) == 0 {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
	}
	return entries[0], nil
}

func (store queries) FinalizeEntry(ctx context.Context, reference billing.Reference, status ledger.EntryStatus, finalizedUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlFinalizeEntry, reference.String(), status.String(), finalizedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeFinalize, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := store.GetEntry(ctx, reference); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectEntry, errorCodeFinalize, ledger.ErrEntryFinalized)
}

func (store queries) ListEntries(ctx context.Context, userID billing.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store queries) CreateCard(ctx context.Context, card giftcard.Card) error {
	_, err := store.db.Exec(ctx, sqlInsertGiftCard, card.Code, card.Amount.Int64(), card.ExpiresAtUnixUTC, card.CreatedUnixUTC)
	if isUniqueViolation(err, constraintGiftCardPrimary) {
		return wrapStoreError(errorSubjectGiftCard, errorCodeDuplicate, giftcard.ErrDuplicateCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGiftCard, errorCodeInsert, err)
	}
	return nil
}

func (store queries) GetCard(ctx context.Context, code string) (giftcard.Card, error) {
	var (
		codeValue       string
		amountValue     int64
		isRedeemed      bool
		expiresAtUnix   int64
		redeemedByValue string
		redeemedAtUnix  int64
		createdAtUnix   int64
	)
	err := store.db.QueryRow(ctx, sqlSelectGiftCard, code).Scan(&codeValue, &amountValue, &isRedeemed, &expiresAtUnix, &redeemedByValue, &redeemedAtUnix, &createdAtUnix)
	if errors.Is(err, pgx.ErrNoRows) {
		return giftcard.Card{}, wrapStoreError(errorSubjectGiftCard, errorCodeGet, giftcard.ErrCardNotFound)
	}
	if err != nil {
		return giftcard.Card{}, wrapStoreError(errorSubjectGiftCard, errorCodeGet, err)
	}
	amount, err := billing.NewPositiveKobo(amountValue)
	if err != nil {
		return giftcard.Card{}, wrapStoreError(errorSubjectGiftCard, errorCodeInvalid, err)
	}
	card := giftcard.Card{
		Code:             codeValue,
		Amount:           amount,
		IsRedeemed:       isRedeemed,
		ExpiresAtUnixUTC: expiresAtUnix,
		RedeemedUnixUTC:  redeemedAtUnix,
		CreatedUnixUTC:   createdAtUnix,
	}
	if redeemedByValue != "" {
		redeemedBy, err := billing.NewUserID(redeemedByValue)
		if err != nil {
			return giftcard.Card{}, wrapStoreError(errorSubjectGiftCard, errorCodeInvalid, err)
		}
		card.RedeemedBy = redeemedBy
	}
	return card, nil
}

func (store queries) MarkRedeemed(ctx context.Context, code string, userID billing.UserID, redeemedUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlRedeemGiftCard, code, userID.String(), redeemedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectGiftCard, errorCodeRedeem, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := store.GetCard(ctx, code); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectGiftCard, errorCodeRedeem, giftcard.ErrCardRedeemed)
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			referenceValue    string
			userIDValue       string
			kindValue         string
			poolValue         string
			amountValue       int64
			beforeValue       int64
			afterValue        int64
			statusValue       string
			counterpartyValue string
			metadataValue     string
			createdAtUnixUTC  int64
			finalizedUnixUTC  int64
		)
		if err := rows.Scan(
			&referenceValue,
			&userIDValue,
			&kindValue,
			&poolValue,
			&amountValue,
			&beforeValue,
			&afterValue,
			&statusValue,
			&counterpartyValue,
			&metadataValue,
			&createdAtUnixUTC,
			&finalizedUnixUTC,
		); err != nil {
			return nil, err
		}
		reference, err := billing.NewReference(referenceValue)
		if err != nil {
			return nil, err
		}
		userID, err := billing.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		kind, err := ledger.ParseEntryKind(kindValue)
		if err != nil {
			return nil, err
		}
		pool, err := ledger.ParsePool(poolValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseEntryStatus(statusValue)
		if err != nil {
			return nil, err
		}
		amount, err := billing.NewPositiveKobo(amountValue)
		if err != nil {
			return nil, err
		}
		before, err := billing.NewKobo(beforeValue)
		if err != nil {
			return nil, err
		}
		after, err := billing.NewKobo(afterValue)
		if err != nil {
			return nil, err
		}
		var counterparty billing.UserID
		if counterpartyValue != "" {
			counterparty, err = billing.NewUserID(counterpartyValue)
			if err != nil {
				return nil, err
			}
		}
		metadata, err := billing.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.Entry{
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
			CreatedUnixUTC:     createdAtUnixUTC,
			FinalizedUnixUTC:   finalizedUnixUTC,
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
