package crypt_test

import (
	"testing"

	"chunkvault/internal/crypt"
)

func newTestConfig(t *testing.T) *crypt.Config {
	t.Helper()
	key, err := crypt.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := crypt.New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestConfig(t)
	iv, err := c.NewIV()
	if err != nil {
		t.Fatalf("NewIV: %v", err)
	}
	aad := []byte{0x02} // mode byte, stand-in for the blob's magic
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, tag := c.Encrypt(iv, aad, plaintext)
	got, err := c.Decrypt(iv, aad, tag, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	c := newTestConfig(t)
	iv, _ := c.NewIV()
	aad := []byte{0x02}
	ciphertext, tag := c.Encrypt(iv, aad, []byte("payload"))

	tag[0] ^= 0xff
	if _, err := c.Decrypt(iv, aad, tag, ciphertext); err != crypt.ErrBadAuth {
		t.Fatalf("expected ErrBadAuth, got %v", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c := newTestConfig(t)
	iv, _ := c.NewIV()
	aad := []byte{0x02}
	ciphertext, tag := c.Encrypt(iv, aad, []byte("payload"))

	ciphertext[0] ^= 0xff
	if _, err := c.Decrypt(iv, aad, tag, ciphertext); err != crypt.ErrBadAuth {
		t.Fatalf("expected ErrBadAuth, got %v", err)
	}
}

func TestDigestOfIsKeyedAndDeterministic(t *testing.T) {
	c1 := newTestConfig(t)
	c2 := newTestConfig(t)

	a := c1.DigestOf([]byte("same plaintext"))
	b := c1.DigestOf([]byte("same plaintext"))
	if a != b {
		t.Fatalf("DigestOf not deterministic under the same key")
	}

	c := c2.DigestOf([]byte("same plaintext"))
	if a == c {
		t.Fatalf("DigestOf collided across distinct keys")
	}
}

func TestSignVerify(t *testing.T) {
	c := newTestConfig(t)
	canonical := []byte(`{"backup-id":"demo"}`)
	sig := c.Sign(canonical)
	if !c.VerifySignature(canonical, sig) {
		t.Fatalf("valid signature rejected")
	}
	tampered := []byte(`{"backup-id":"demoX"}`)
	if c.VerifySignature(tampered, sig) {
		t.Fatalf("signature verified against mutated document")
	}
}

func TestWrapUnwrapWithPassphrase(t *testing.T) {
	key, err := crypt.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	salt := []byte("0123456789abcdef")

	wrapped, iv, err := crypt.WrapWithPassphrase(key, "correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("WrapWithPassphrase: %v", err)
	}

	got, err := crypt.UnwrapWithPassphrase(wrapped, iv, salt, "correct horse battery staple")
	if err != nil {
		t.Fatalf("UnwrapWithPassphrase: %v", err)
	}
	if got != key {
		t.Fatalf("unwrapped key does not match original")
	}

	if _, err := crypt.UnwrapWithPassphrase(wrapped, iv, salt, "wrong passphrase"); err != crypt.ErrBadAuth {
		t.Fatalf("expected ErrBadAuth for wrong passphrase, got %v", err)
	}
}
