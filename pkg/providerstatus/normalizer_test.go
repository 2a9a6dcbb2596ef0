package providerstatus

import "testing"

func TestNormalizeDefaultTable(test *testing.T) {
	test.Parallel()
	normalizer := NewNormalizer()
	testCases := []struct {
		raw  string
		want Status
	}{
		{raw: "00", want: StatusSuccess},
		{raw: "100", want: StatusFailed},
		{raw: "101", want: StatusPending},
		{raw: "ORDER_COMPLETED", want: StatusSuccess},
		{raw: "order_received", want: StatusPending},
		{raw: " Order_OnHold ", want: StatusPending},
		{raw: "ORDER_CANCELLED", want: StatusFailed},
		{raw: "failed", want: StatusFailed},
		{raw: "Error", want: StatusFailed},
		{raw: "garbage", want: StatusUnknown},
		{raw: "", want: StatusUnknown},
		{raw: "0", want: StatusUnknown},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.raw, func(test *testing.T) {
			test.Parallel()
			if got := normalizer.Normalize(testCase.raw); got != testCase.want {
				test.Fatalf("normalize(%q): expected %s, got %s", testCase.raw, testCase.want, got)
			}
		})
	}
}

func TestWithTokensExtendsTable(test *testing.T) {
	test.Parallel()
	normalizer := NewNormalizer(WithTokens(map[string]Status{
		"bet_settled": StatusSuccess,
		"101":         StatusPending,
	}))
	if got := normalizer.Normalize("BET_SETTLED"); got != StatusSuccess {
		test.Fatalf("expected success for extended token, got %s", got)
	}
	if got := normalizer.Normalize("00"); got != StatusSuccess {
		test.Fatalf("expected defaults to survive extension, got %s", got)
	}
}

func TestUnknownIsNotTerminal(test *testing.T) {
	test.Parallel()
	if StatusUnknown.IsTerminal() || StatusPending.IsTerminal() {
		test.Fatalf("unknown and pending must not be terminal")
	}
	if !StatusSuccess.IsTerminal() || !StatusFailed.IsTerminal() {
		test.Fatalf("success and failed must be terminal")
	}
}
