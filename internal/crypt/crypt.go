// Package crypt holds the per-datastore key material: the AES-256 chunk
// key, its derived fingerprint, keyed content hashing for deduplication
// under encryption, manifest signing, and an optional RSA master-key
// escrow blob.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// KeySize is the length in bytes of the datastore's AES-256 key.
const KeySize = 32

// ivSize and tagSize pin the blob envelope's encrypted-mode framing
// (spec §6: u8 iv[16] | u8 tag[16]). AES-GCM normally uses a 12-byte
// nonce; NewGCMWithNonceSize widens it to 16 to match that framing.
const (
	ivSize  = 16
	tagSize = 16
)

var (
	// ErrBadAuth is returned when AEAD tag verification fails.
	ErrBadAuth = errors.New("crypt: authentication failed")
)

// Config holds one datastore's symmetric key and the AEAD/digest
// operations derived from it.
type Config struct {
	key  [KeySize]byte
	aead cipher.AEAD
}

// New builds a Config from a raw 32-byte AES key.
func New(key [KeySize]byte) (*Config, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("crypt: new gcm: %w", err)
	}
	return &Config{key: key, aead: aead}, nil
}

// GenerateKey returns a fresh random 32-byte AES key, suitable for a new
// encrypted datastore.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("crypt: generate key: %w", err)
	}
	return key, nil
}

// NewIV returns a fresh random IV sized for this Config's AEAD.
func (c *Config) NewIV() ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypt: generate iv: %w", err)
	}
	return iv, nil
}

// Encrypt seals plaintext under iv and aad, returning ciphertext and the
// authentication tag as separate slices (the blob envelope stores them in
// separate fixed fields rather than one appended blob).
func (c *Config) Encrypt(iv, aad, plaintext []byte) (ciphertext, tag []byte) {
	sealed := c.aead.Seal(nil, iv, plaintext, aad)
	return sealed[:len(plaintext)], sealed[len(plaintext):]
}

// Decrypt verifies tag and decrypts ciphertext under iv and aad.
// Returns ErrBadAuth on any authentication failure.
func (c *Config) Decrypt(iv, aad, tag, ciphertext []byte) ([]byte, error) {
	if len(tag) != tagSize {
		return nil, ErrBadAuth
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := c.aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrBadAuth
	}
	return plaintext, nil
}

// Fingerprint returns a stable, non-secret identifier for this key:
// HKDF-SHA256 over the key, truncated to 32 bytes. Used to confirm two
// datastores (or a keyfile and a datastore) agree on the same key without
// revealing it.
func (c *Config) Fingerprint() [32]byte {
	r := hkdf.New(sha256.New, c.key[:], nil, []byte("chunkvault-fingerprint"))
	var fp [32]byte
	if _, err := io.ReadFull(r, fp[:]); err != nil {
		// hkdf.New only fails to produce output past its expansion limit,
		// which 32 bytes of SHA-256 output never reaches.
		panic("crypt: hkdf expansion exhausted: " + err.Error())
	}
	return fp
}

// DigestOf returns the keyed content digest of plaintext: identical key and
// plaintext always produce the same digest, which is what lets encrypted
// chunks still deduplicate. Unkeyed (plain-mode) blobs use digest.Compute
// instead.
func (c *Config) DigestOf(plaintext []byte) [32]byte {
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(plaintext)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Sign returns an HMAC-SHA256 signature over canonical, the canonicalized
// manifest bytes (signature and unprotected fields already excluded by the
// caller).
func (c *Config) Sign(canonical []byte) []byte {
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(canonical)
	return mac.Sum(nil)
}

// VerifySignature reports whether sig is a valid HMAC-SHA256 signature over
// canonical under this key.
func (c *Config) VerifySignature(canonical, sig []byte) bool {
	return hmac.Equal(sig, c.Sign(canonical))
}

// WrapWithPassphrase encrypts the raw key under a key derived from
// passphrase via scrypt, for storage in a local keyfile. salt should be
// freshly random and is stored alongside the wrapped key.
func WrapWithPassphrase(key [KeySize]byte, passphrase string, salt []byte) (wrapped, iv []byte, err error) {
	derived, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("crypt: derive passphrase key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, nil, fmt.Errorf("crypt: wrap cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, nil, fmt.Errorf("crypt: wrap gcm: %w", err)
	}
	iv = make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("crypt: wrap iv: %w", err)
	}
	return aead.Seal(nil, iv, key[:], nil), iv, nil
}

// UnwrapWithPassphrase reverses WrapWithPassphrase.
func UnwrapWithPassphrase(wrapped, iv, salt []byte, passphrase string) ([KeySize]byte, error) {
	var key [KeySize]byte
	derived, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, KeySize)
	if err != nil {
		return key, fmt.Errorf("crypt: derive passphrase key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return key, fmt.Errorf("crypt: unwrap cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return key, fmt.Errorf("crypt: unwrap gcm: %w", err)
	}
	plain, err := aead.Open(nil, iv, wrapped, nil)
	if err != nil {
		return key, ErrBadAuth
	}
	if len(plain) != KeySize {
		return key, fmt.Errorf("crypt: unwrapped key has wrong length %d", len(plain))
	}
	copy(key[:], plain)
	return key, nil
}

// EscrowWithMasterKey RSA-OAEP encrypts the datastore key under a PEM-encoded
// RSA public key, producing the well-known rsa-encrypted.key.blob payload.
func EscrowWithMasterKey(key [KeySize]byte, masterPublicKeyPEM []byte) ([]byte, error) {
	pub, err := parseRSAPublicKey(masterPublicKeyPEM)
	if err != nil {
		return nil, err
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key[:], nil)
}

// RecoverFromEscrow reverses EscrowWithMasterKey using the matching PEM
// private key.
func RecoverFromEscrow(escrow []byte, masterPrivateKeyPEM []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	priv, err := parseRSAPrivateKey(masterPrivateKeyPEM)
	if err != nil {
		return key, err
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, escrow, nil)
	if err != nil {
		return key, fmt.Errorf("crypt: recover escrow: %w", err)
	}
	if len(plain) != KeySize {
		return key, fmt.Errorf("crypt: escrowed key has wrong length %d", len(plain))
	}
	copy(key[:], plain)
	return key, nil
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("crypt: no PEM block in master public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypt: parse master public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("crypt: master public key is not RSA")
	}
	return rsaPub, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("crypt: no PEM block in master private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypt: parse master private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("crypt: master private key is not RSA")
	}
	return rsaKey, nil
}
