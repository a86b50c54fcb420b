package registry

import (
	"strings"
	"unicode"
)

// Pure matching helpers. These are stateless on purpose so the matching
// rules can be tested without the registry's storage concerns.

// NormalizeName lowercases a display name, strips punctuation and collapses
// whitespace, so "USD Coin", "usd-coin" and "USD  Coin." compare equal.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeSymbol folds a trading symbol for case-insensitive comparison.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SameAsset reports whether two symbol/name pairs identify the same asset:
// equal folded symbols and equal normalized names.
func SameAsset(symbolA, nameA, symbolB, nameB string) bool {
	if NormalizeSymbol(symbolA) != NormalizeSymbol(symbolB) {
		return false
	}
	return NormalizeName(nameA) == NormalizeName(nameB)
}

// CanonicalUID deterministically mints an asset_uid for an asset with no
// existing mapping: the source's native ID when present, otherwise the
// hyphenated normalized name, otherwise the lowercased symbol. Stable
// inputs always reproduce the same UID.
func CanonicalUID(nativeID, name, symbol string) string {
	if nativeID != "" {
		return strings.ToLower(nativeID)
	}
	if normalized := NormalizeName(name); normalized != "" {
		return strings.ReplaceAll(normalized, " ", "-")
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}
