package otp

import "strings"

const (
	maskRune     = '*'
	keepEdge     = 2
	minMaskedLen = 6
)

// ObfuscateAddress masks a delivery address for display, keeping the first
// and last two runes. Short addresses are fully masked. The rule is a pure
// function of the address, so repeated issuance renders identically.
func ObfuscateAddress(address string) string {
	runes := []rune(address)
	if len(runes) < minMaskedLen {
		return strings.Repeat(string(maskRune), len(runes))
	}
	var b strings.Builder
	b.WriteString(string(runes[:keepEdge]))
	for range runes[keepEdge : len(runes)-keepEdge] {
		b.WriteRune(maskRune)
	}
	b.WriteString(string(runes[len(runes)-keepEdge:]))
	return b.String()
}
