package executor

import (
	"strings"

	"github.com/yanun0323/errors"

	"main/internal/venue"
	"main/pkg/exception"
)

// wrappedTokens maps a wrapped asset to its native form. Wrapped and
// native forms are treated as the same asset for cross-venue parity.
var wrappedTokens = map[string]string{
	"WETH":   "ETH",
	"WBTC":   "BTC",
	"WBNB":   "BNB",
	"WMATIC": "MATIC",
	"WAVAX":  "AVAX",
	"WONE":   "ONE",
}

// unwrap returns the native form of a wrapped asset, or the asset itself.
func unwrap(asset string) string {
	if native, ok := wrappedTokens[asset]; ok {
		return native
	}
	return asset
}

// AreInterchangeable reports whether two assets can stand in for each
// other across venues: identical assets, a wrapped asset and its
// native form, or two USD-pegged stablecoins.
func AreInterchangeable(a, b string) bool {
	if a == b {
		return true
	}
	if unwrap(a) == unwrap(b) {
		return true
	}
	return strings.Contains(a, "USD") && strings.Contains(b, "USD")
}

// validatePairs checks that two trading pairs are interchangeable leg
// for leg, base against base and quote against quote.
func validatePairs(buying, selling string) error {
	buyBase, buyQuote, err := venue.SplitPair(buying)
	if err != nil {
		return errors.Wrap(err, buying)
	}
	sellBase, sellQuote, err := venue.SplitPair(selling)
	if err != nil {
		return errors.Wrap(err, selling)
	}
	if !AreInterchangeable(buyBase, sellBase) || !AreInterchangeable(buyQuote, sellQuote) {
		return exception.ErrPairsNotInterchangeable
	}
	return nil
}
