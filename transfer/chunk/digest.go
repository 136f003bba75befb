package chunk

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// ContentDigest identifies a byte sequence by its length and SHA-256 hash.
type ContentDigest struct {
	Size   int64
	SHA256 [sha256.Size]byte
}

// Digest ...
func Digest(b []byte) ContentDigest {
	return ContentDigest{Size: int64(len(b)), SHA256: sha256.Sum256(b)}
}

// DigestReader consumes r and returns the digest of everything read.
func DigestReader(r io.Reader) (ContentDigest, error) {
	hash := sha256.New()
	n, err := io.Copy(hash, r)
	if err != nil {
		return ContentDigest{}, err
	}

	d := ContentDigest{Size: n}
	copy(d.SHA256[:], hash.Sum(nil))
	return d, nil
}

// ParseDigest builds a digest from a size and a base64 encoded SHA-256 hash.
func ParseDigest(size int64, base64Hash string) (ContentDigest, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Hash)
	if err != nil {
		return ContentDigest{}, fmt.Errorf("base64 decode hash: %w", err)
	}
	if len(raw) != sha256.Size {
		return ContentDigest{}, fmt.Errorf("hash must be %d bytes, got %d", sha256.Size, len(raw))
	}

	d := ContentDigest{Size: size}
	copy(d.SHA256[:], raw)
	return d, nil
}

// Base64 returns the hash in the base64 form used on the wire.
func (d ContentDigest) Base64() string {
	return base64.StdEncoding.EncodeToString(d.SHA256[:])
}

// IsZero reports whether the digest was never set.
func (d ContentDigest) IsZero() bool {
	return d == ContentDigest{}
}

func (d ContentDigest) String() string {
	return fmt.Sprintf("%d bytes, sha256 %s", d.Size, hex.EncodeToString(d.SHA256[:]))
}
