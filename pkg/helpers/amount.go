package helpers

import (
	"fmt"
	"strconv"
	"strings"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// FormatSats formats a satoshi amount as a BTC decimal string, e.g.
// 99617206 -> "0.99617206".
func FormatSats(sats uint64) string {
	whole := sats / SatsPerBTC
	frac := sats % SatsPerBTC
	return fmt.Sprintf("%d.%08d", whole, frac)
}

// ParseBTC parses a BTC decimal string into satoshis.
// Accepts up to 8 fractional digits.
func ParseBTC(s string) (uint64, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 2)

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid BTC amount %q: %w", s, err)
	}

	var frac uint64
	if len(parts) == 2 && parts[1] != "" {
		fracStr := parts[1]
		if len(fracStr) > 8 {
			return 0, fmt.Errorf("invalid BTC amount %q: more than 8 decimal places", s)
		}
		// Pad to 8 digits so "0.5" parses as 50000000 sats.
		fracStr += strings.Repeat("0", 8-len(fracStr))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid BTC amount %q: %w", s, err)
		}
	}

	return whole*SatsPerBTC + frac, nil
}
