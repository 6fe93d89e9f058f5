package pushbullet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// kdfIterations is the PBKDF2 iteration count the Pushbullet apps use
	// for end-to-end key derivation.
	kdfIterations = 30000

	// kdfKeyLen is the derived AES-256 key length in bytes.
	kdfKeyLen = 32

	// ephemeralVersion is the single supported payload version byte.
	ephemeralVersion = '1'

	tagSize   = 16
	nonceSize = 12
)

// ErrDecrypt is returned when a ciphertext fails authentication. A wrong
// passphrase and tampered data are indistinguishable at this layer.
var ErrDecrypt = errors.New("ciphertext authentication failed")

// DeriveKey derives the 32-byte end-to-end key from the user's passphrase.
// The salt is the account's user iden, matching the official clients
// (PBKDF2-SHA256, 30000 iterations). The passphrase is NFKC-normalized so
// visually identical input derives the same key across platforms.
func DeriveKey(password, userIden string) []byte {
	password = norm.NFKC.String(password)
	return pbkdf2.Key([]byte(password), []byte(userIden), kdfIterations, kdfKeyLen, sha256.New)
}

// ZeroKey overwrites the key material in the given slice. Call this after
// passing the key to NewCipher to limit how long raw key bytes live in
// memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Cipher decrypts end-to-end encrypted ephemeral payloads.
// Wire format: base64('1' | tag[16] | iv[12] | ciphertext), AES-256-GCM.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte derived key.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// DecryptEphemeral decodes and decrypts an encrypted ephemeral payload,
// returning the plaintext JSON. The caller must not retain the returned
// slice beyond decoding it into a typed event.
func (c *Cipher) DecryptEphemeral(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}

	if len(data) < 1+tagSize+nonceSize {
		return nil, fmt.Errorf("payload too short: %d bytes: %w", len(data), ErrDecrypt)
	}
	if data[0] != ephemeralVersion {
		return nil, fmt.Errorf("unsupported payload version %q", data[0])
	}

	tag := data[1 : 1+tagSize]
	nonce := data[1+tagSize : 1+tagSize+nonceSize]
	ciphertext := data[1+tagSize+nonceSize:]

	// Go's GCM expects the tag appended to the ciphertext.
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// EncryptEphemeral encrypts a plaintext payload into the wire format with
// a random nonce. The inverse of DecryptEphemeral.
func (c *Cipher) EncryptEphemeral(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, 1+tagSize+nonceSize+len(ciphertext))
	out = append(out, ephemeralVersion)
	out = append(out, tag...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	return base64.StdEncoding.EncodeToString(out), nil
}
