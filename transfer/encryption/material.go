// Package encryption holds the symmetric key material shared by every part of one transfer
// and the AES-CBC routines used to encrypt and decrypt those parts.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the AES block size used as CBC initialization vector length.
	IVSize = aes.BlockSize
)

// IVMode selects how the initialization vector of a part is obtained.
type IVMode string

const (
	// IVPerPart derives a distinct IV for every part from the key and the base IV.
	IVPerPart IVMode = "per-part"
	// IVShared reuses the base IV for every part of a transfer.
	// Only use it when the receiver expects exactly that layout.
	IVShared IVMode = "shared"
)

// ParseIVMode ...
func ParseIVMode(s string) (IVMode, error) {
	switch IVMode(s) {
	case "":
		return IVPerPart, nil
	case IVPerPart, IVShared:
		return IVMode(s), nil
	default:
		return "", fmt.Errorf("unknown IV mode: %s (valid values: %s, %s)", s, IVPerPart, IVShared)
	}
}

// ErrInvalidPadding is returned when a decrypted part does not end with valid PKCS#7 padding,
// which usually means the wrong key or IV was used.
var ErrInvalidPadding = errors.New("invalid PKCS#7 padding")

// Material is the key + IV of one transfer together with the key sealed for the receiver.
// One Material is created per transfer and is never persisted.
type Material struct {
	key       []byte
	iv        []byte
	sealedKey []byte
	mode      IVMode
}

// NewMaterial generates a random key and IV and seals the key with the given sealer.
func NewMaterial(sealer Sealer, mode IVMode) (*Material, error) {
	if sealer == nil {
		return nil, fmt.Errorf("key sealer must not be nil")
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed, err := sealer.Seal(key)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}

	m, err := NewMaterialFromKey(key, iv, mode)
	if err != nil {
		return nil, err
	}
	m.sealedKey = sealed
	return m, nil
}

// NewMaterialFromKey builds Material from a plain key, as used on the receiving side.
func NewMaterialFromKey(key, iv []byte, mode IVMode) (*Material, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	if mode == "" {
		mode = IVPerPart
	}
	if _, err := ParseIVMode(string(mode)); err != nil {
		return nil, err
	}

	return &Material{
		key:  append([]byte(nil), key...),
		iv:   append([]byte(nil), iv...),
		mode: mode,
	}, nil
}

// OpenMaterial recovers Material from its sealed key form.
func OpenMaterial(opener Opener, sealedKey, iv []byte, mode IVMode) (*Material, error) {
	if opener == nil {
		return nil, fmt.Errorf("key opener must not be nil")
	}
	key, err := opener.Open(sealedKey)
	if err != nil {
		return nil, fmt.Errorf("open sealed key: %w", err)
	}
	m, err := NewMaterialFromKey(key, iv, mode)
	if err != nil {
		return nil, err
	}
	m.sealedKey = append([]byte(nil), sealedKey...)
	return m, nil
}

// SealedKey returns the key encrypted for the receiver. Nil when built from a plain key.
func (m *Material) SealedKey() []byte {
	return m.sealedKey
}

// IV returns the base initialization vector.
func (m *Material) IV() []byte {
	return m.iv
}

// Mode ...
func (m *Material) Mode() IVMode {
	return m.mode
}

// PartIV returns the IV used for the part with the given ordinal number.
func (m *Material) PartIV(ordinal int) ([]byte, error) {
	if ordinal < 1 {
		return nil, fmt.Errorf("ordinal number must be positive, got %d", ordinal)
	}
	if m.mode == IVShared {
		return m.iv, nil
	}

	r := hkdf.New(sha256.New, m.key, m.iv, []byte(fmt.Sprintf("part-%d", ordinal)))
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("derive iv for part %d: %w", ordinal, err)
	}
	return iv, nil
}

// Encrypt encrypts the plaintext of one part with AES-CBC and PKCS#7 padding.
func (m *Material) Encrypt(ordinal int, plaintext []byte) ([]byte, error) {
	iv, err := m.PartIV(ordinal)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	padded := pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return ciphertext, nil
}

// Decrypt reverses Encrypt for the part with the given ordinal number.
func (m *Material) Decrypt(ordinal int, ciphertext []byte) ([]byte, error) {
	iv, err := m.PartIV(ordinal)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext, block.BlockSize())
}

// Destroy overwrites the key so the Material can no longer be used.
func (m *Material) Destroy() {
	for i := range m.key {
		m.key[i] = 0
	}
	m.key = nil
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
