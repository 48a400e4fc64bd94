// Package utils validates the names that reach the file system or a live feed:
// trading pair symbols and store names.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxStoreNameLen is the longest store name a dtf header can carry.
const MaxStoreNameLen = 20

// Error definitions for validation functions
var (
	ErrNoSymbols        = errors.New("zero symbols requested")
	ErrTooManySymbols   = errors.New("too many symbols requested")
	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrInvalidStoreName = errors.New("invalid store name")
)

// QuoteAssetSet contains the quote assets a recorded pair may use.
var QuoteAssetSet = map[string]bool{
	"USD":  true,
	"USDT": true,
	"USDC": true,
	"BTC":  true,
	"ETH":  true,
}

var supportedQuotes = sortedKeys(QuoteAssetSet)

// ValidateSymbol checks that symbol has the form BASE-QUOTE with an alphanumeric base
// and a supported quote asset. Case is ignored.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}

	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || strings.Contains(quote, "-") {
		return fmt.Errorf("%w: expected BASE-QUOTE, got %q", ErrInvalidSymbol, symbol)
	}
	if base == "" {
		return fmt.Errorf("%w: base asset cannot be empty", ErrInvalidSymbol)
	}
	if !isAlnum(base) {
		return fmt.Errorf("%w: base asset %q must be alphanumeric", ErrInvalidSymbol, base)
	}
	if quote == "" {
		return fmt.Errorf("%w: quote asset cannot be empty", ErrInvalidSymbol)
	}

	if q := strings.ToUpper(quote); !QuoteAssetSet[q] {
		return fmt.Errorf("%w: unsupported quote asset %s (supported: %s)", ErrInvalidSymbol, q, supportedQuotes)
	}
	return nil
}

// ValidatePairs validates every symbol and enforces 1 <= len(pairs) <= maxAllowed.
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoSymbols
	}
	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d", ErrTooManySymbols, maxAllowed)
	}
	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d", ErrTooManySymbols, len(pairs), maxAllowed)
	}

	for i, symbol := range pairs {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}
	return nil
}

// ValidateStoreName checks that name can be used as a file base name and fits in a
// dtf header: 1 to MaxStoreNameLen characters from [A-Za-z0-9_-].
func ValidateStoreName(name string) error {
	if name == "" || len(name) > MaxStoreNameLen {
		return fmt.Errorf("%w: %q must be 1 to %d characters", ErrInvalidStoreName, name, MaxStoreNameLen)
	}
	for _, r := range name {
		if r != '_' && r != '-' && !isAlnumRune(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidStoreName, name, r)
		}
	}
	return nil
}

// StoreName maps a pair symbol to the store that records it, e.g. BTC-USDT -> btc_usdt.
func StoreName(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "-", "_"))
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !isAlnumRune(r) {
			return false
		}
	}
	return true
}

func isAlnumRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func sortedKeys(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
