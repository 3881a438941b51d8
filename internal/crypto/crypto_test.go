package crypto

import "testing"

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret-pass")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if err := CheckPassword(hash, "secret-pass"); err != nil {
		t.Fatalf("expected password to match")
	}
	if err := CheckPassword(hash, "wrong"); err == nil {
		t.Fatalf("expected password mismatch")
	}
}

func TestNewNumericCode(t *testing.T) {
	code, err := NewNumericCode(6)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6 digits, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Fatalf("non-digit in code %q", code)
		}
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	if HashToken("123456") != HashToken("123456") {
		t.Fatalf("digest not deterministic")
	}
	if HashToken("123456") == HashToken("654321") {
		t.Fatalf("distinct tokens collided")
	}
}
