package executor

import (
	"errors"
	"testing"

	"main/pkg/exception"
)

func TestAreInterchangeable(t *testing.T) {
	testCases := []struct {
		a, b string
		want bool
	}{
		{"ETH", "ETH", true},
		{"WETH", "ETH", true},
		{"ETH", "WETH", true},
		{"WBTC", "BTC", true},
		{"WMATIC", "MATIC", true},
		{"USDT", "USDC", true},
		{"BUSD", "USDT", true},
		{"ETH", "BTC", false},
		{"WETH", "WBTC", false},
		{"USDT", "DAI", false},
	}
	for _, tc := range testCases {
		t.Run(tc.a+"/"+tc.b, func(t *testing.T) {
			if got := AreInterchangeable(tc.a, tc.b); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValidatePairs(t *testing.T) {
	if err := validatePairs("WETH-USDT", "ETH-USDC"); err != nil {
		t.Fatalf("wrapped and stable legs should be interchangeable, err: %+v", err)
	}
	if err := validatePairs("ETH-USDT", "BTC-USDT"); !errors.Is(err, exception.ErrPairsNotInterchangeable) {
		t.Fatalf("should fail with ErrPairsNotInterchangeable, got %+v", err)
	}
	if err := validatePairs("ETHUSDT", "BTC-USDT"); err == nil {
		t.Fatal("malformed pair should fail validation")
	}
}
