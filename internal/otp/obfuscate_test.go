package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a@b.com", "a@***om"},
		{"someone@example.com", "so***************om"},
		{"+254712345678", "+2*********78"},
		{"abcdef", "ab**ef"},
		{"abcde", "*****"},
		{"ab", "**"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ObfuscateAddress(tc.in), "address %q", tc.in)
	}
}

func TestObfuscateAddressIdempotentOutput(t *testing.T) {
	addr := "someone@example.com"
	assert.Equal(t, ObfuscateAddress(addr), ObfuscateAddress(addr))
}
