package venue

import (
	"errors"
	"testing"

	"main/pkg/exception"
)

func TestSplitPair(t *testing.T) {
	testCases := []struct {
		pair  string
		base  string
		quote string
		ok    bool
	}{
		{"BTC-USDT", "BTC", "USDT", true},
		{"WETH-USDC", "WETH", "USDC", true},
		{"BTCUSDT", "", "", false},
		{"-USDT", "", "", false},
		{"BTC-", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.pair, func(t *testing.T) {
			base, quote, err := SplitPair(tc.pair)
			if tc.ok {
				if err != nil {
					t.Fatalf("split, err: %+v", err)
				}
				if base != tc.base || quote != tc.quote {
					t.Fatalf("got %s/%s, want %s/%s", base, quote, tc.base, tc.quote)
				}
				return
			}
			if !errors.Is(err, exception.ErrInvalidArgument) {
				t.Fatalf("should fail with ErrInvalidArgument, got %+v", err)
			}
		})
	}
}
