package payload

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func TestRoundTripAllSchemes(t *testing.T) {
	inputs := []string{
		"",
		"hello",
		"héllo wörld ✓ 你好",
		strings.Repeat("a", 15),
		strings.Repeat("b", 16),
		strings.Repeat("c", 17),
		strings.Repeat("d", 31),
		strings.Repeat("e", 32),
		strings.Repeat("f", 33),
	}

	for _, scheme := range []string{SchemeAESCBC, SchemeChaCha20} {
		c, err := New(scheme, "test-secret")
		if err != nil {
			t.Fatalf("new %s cipher: %v", scheme, err)
		}
		for _, in := range inputs {
			sealed, err := c.Encrypt(in)
			if err != nil {
				t.Fatalf("%s encrypt %q: %v", scheme, in, err)
			}
			if sealed == in && in != "" {
				t.Fatalf("%s did not transform %q", scheme, in)
			}
			out, err := c.Decrypt(sealed)
			if err != nil {
				t.Fatalf("%s decrypt %q: %v", scheme, in, err)
			}
			if out != in {
				t.Fatalf("%s round trip: got %q want %q", scheme, out, in)
			}
		}
	}
}

func TestRoundTripRandomContent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c, err := New(SchemeAESCBC, "another secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	for i := 0; i < 200; i++ {
		n := rng.Intn(96)
		runes := make([]rune, n)
		for j := range runes {
			runes[j] = rune(rng.Intn(0x2000) + 1)
		}
		in := string(runes)

		sealed, err := c.Encrypt(in)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		out, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch for %d-rune input", n)
		}
	}
}

func TestDecryptMalformedAESCBC(t *testing.T) {
	c, err := New(SchemeAESCBC, "test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	cases := map[string]string{
		"no separator":          "deadbeef",
		"too many segments":     "aa:bb:cc",
		"bad iv hex":            "zz:00112233445566778899aabbccddeeff",
		"bad ciphertext hex":    "00112233445566778899aabbccddeeff:zz",
		"short iv":              "0011:00112233445566778899aabbccddeeff",
		"empty ciphertext":      "00112233445566778899aabbccddeeff:",
		"unaligned ciphertext":  "00112233445566778899aabbccddeeff:0011",
		"garbage full ct block": "00112233445566778899aabbccddeeff:ffffffffffffffffffffffffffffffff",
	}
	for name, sealed := range cases {
		if _, err := c.Decrypt(sealed); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	for _, scheme := range []string{SchemeAESCBC, SchemeChaCha20} {
		a, err := New(scheme, "key-one")
		if err != nil {
			t.Fatalf("new cipher: %v", err)
		}
		b, err := New(scheme, "key-two")
		if err != nil {
			t.Fatalf("new cipher: %v", err)
		}

		sealed, err := a.Encrypt("attack at dawn")
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		out, err := b.Decrypt(sealed)
		if err == nil && out == "attack at dawn" {
			t.Fatalf("%s: wrong key decrypted the payload", scheme)
		}
	}
}

func TestChaChaTamperDetection(t *testing.T) {
	c, err := New(SchemeChaCha20, "test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	sealed, err := c.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Flip one character of the base64 body.
	mutated := []byte(sealed)
	if mutated[10] == 'A' {
		mutated[10] = 'B'
	} else {
		mutated[10] = 'A'
	}
	if _, err := c.Decrypt(string(mutated)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for tampered payload, got %v", err)
	}

	if _, err := c.Decrypt("@@@not-base64@@@"); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for bad encoding, got %v", err)
	}
}

func TestKeyNormalization(t *testing.T) {
	// Long secrets truncate to 32 bytes; a cipher built from the first 32
	// characters must decrypt payloads from the full secret.
	long := "0123456789abcdef0123456789abcdefEXTRA-TAIL"
	a, err := New(SchemeAESCBC, long)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	b, err := New(SchemeAESCBC, long[:32])
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := a.Encrypt("shared")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	out, err := b.Decrypt(sealed)
	if err != nil || out != "shared" {
		t.Fatalf("truncated key should decrypt: %q, %v", out, err)
	}

	// Short secrets pad with '0' on the right.
	c, err := New(SchemeAESCBC, "short")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	d, err := New(SchemeAESCBC, "short"+strings.Repeat("0", 27))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err = c.Encrypt("padded")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	out, err = d.Decrypt(sealed)
	if err != nil || out != "padded" {
		t.Fatalf("padded key should decrypt: %q, %v", out, err)
	}
}

func TestUnsupportedScheme(t *testing.T) {
	if _, err := New("rot13", "secret"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestDefaultSchemeIsAESCBC(t *testing.T) {
	c, err := New("", "secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Encrypt("x")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.Contains(sealed, ":") {
		t.Fatalf("default scheme should produce iv:ciphertext format, got %q", sealed)
	}
}
