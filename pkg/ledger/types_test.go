package ledger

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

const errorMismatchMessage = "expected %v, got %v"

func TestParsePool(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw     string
		want    Pool
		wantErr error
	}{
		{raw: "wallet", want: PoolWallet},
		{raw: "reward", want: PoolReward},
		{raw: "bonus", wantErr: ErrInvalidPool},
		{raw: "", wantErr: ErrInvalidPool},
	}
	for _, testCase := range testCases {
		pool, err := ParsePool(testCase.raw)
		if !errors.Is(err, testCase.wantErr) {
			test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
		}
		if pool != testCase.want {
			test.Fatalf("expected %q, got %q", testCase.want, pool)
		}
	}
}

func TestAccountDebitRejectsOverdraw(test *testing.T) {
	test.Parallel()
	account := Account{Wallet: 100, Reward: 50}
	if _, err := account.debit(PoolWallet, 101); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientBalance, err)
	}
	if account.Wallet != 100 {
		test.Fatalf("source account mutated: %+v", account)
	}
	next, err := account.debit(PoolWallet, 100)
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if next.Wallet != 0 || next.Reward != 50 {
		test.Fatalf("unexpected account %+v", next)
	}
}

func TestAccountCreditRequiresPositiveAmount(test *testing.T) {
	test.Parallel()
	account := Account{}
	for _, amount := range []billing.Kobo{0, -1} {
		if _, err := account.credit(PoolReward, amount); !errors.Is(err, billing.ErrInvalidAmount) {
			test.Fatalf(errorMismatchMessage, billing.ErrInvalidAmount, err)
		}
	}
	next, err := account.credit(PoolReward, 25)
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if next.Reward != 25 {
		test.Fatalf("expected reward 25, got %d", next.Reward)
	}
}

func TestMoveBetweenPoolsPreservesTotal(test *testing.T) {
	test.Parallel()
	account := Account{Wallet: 100_000, Reward: 50_000}
	before := account.Total()
	moves := []struct {
		from   Pool
		to     Pool
		amount billing.Kobo
	}{
		{from: PoolReward, to: PoolWallet, amount: 30_000},
		{from: PoolWallet, to: PoolReward, amount: 5_000},
		{from: PoolReward, to: PoolWallet, amount: 25_000},
		{from: PoolReward, to: PoolWallet, amount: 1},
	}
	for _, move := range moves {
		next, err := moveBetweenPools(account, move.from, move.to, move.amount)
		if err != nil {
			test.Fatalf("move %+v: %v", move, err)
		}
		account = next
		if account.Total() != before {
			test.Fatalf("total changed from %d to %d", before, account.Total())
		}
	}
	if _, err := moveBetweenPools(account, PoolReward, PoolWallet, account.Reward+1); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientBalance, err)
	}
	if _, err := moveBetweenPools(account, PoolWallet, PoolWallet, 1); !errors.Is(err, ErrSamePool) {
		test.Fatalf(errorMismatchMessage, ErrSamePool, err)
	}
}

func TestAccountLocksReleaseAllStripes(test *testing.T) {
	test.Parallel()
	locks := &accountLocks{}
	first, _ := billing.NewUserID("user-1")
	second, _ := billing.NewUserID("user-2")
	release := locks.lock(first, second, first)
	release()
	// A second acquisition would deadlock if any stripe stayed held.
	locks.lock(second, first)()
}
