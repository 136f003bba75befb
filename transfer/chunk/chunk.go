// Package chunk splits a plaintext buffer into size-bounded encrypted parts and reassembles them.
// Parts are correlated only by their 1-based ordinal number.
package chunk

import (
	"bytes"
	"fmt"
	"sort"
)

// DefaultMaxPartSize is the upper bound of a single plaintext part.
const DefaultMaxPartSize int64 = 100 * 1000 * 1000

// Cipher encrypts and decrypts a single part. The ordinal number lets implementations derive per-part state.
type Cipher interface {
	Encrypt(ordinal int, plaintext []byte) ([]byte, error)
	Decrypt(ordinal int, ciphertext []byte) ([]byte, error)
}

// Part is one encrypted piece of a transfer.
type Part struct {
	// Ordinal is the 1-based position of the part; the only correlation key to upload slots and download locations.
	Ordinal int
	Data    []byte
	// Digest is computed over the encrypted Data.
	Digest ContentDigest
}

// PartCount returns how many parts a payload of the given size needs. It never returns 0.
// A non-positive maxPartSize means no bound.
func PartCount(size, maxPartSize int64) int {
	if maxPartSize <= 0 || size <= maxPartSize {
		return 1
	}
	return int((size + maxPartSize - 1) / maxPartSize)
}

// Split divides buf into partCount contiguous ranges of ceil(len/partCount) bytes, the last holding the remainder.
// Ranges that would be empty are dropped, except that an empty buffer yields a single empty range.
func Split(buf []byte, partCount int) ([][]byte, error) {
	if buf == nil {
		return nil, NewValidationError("buffer", "must not be nil")
	}
	if partCount < 1 {
		return nil, NewValidationError("part count", "must be at least 1, got %d", partCount)
	}
	if len(buf) == 0 {
		return [][]byte{buf}, nil
	}

	return splitAt(buf, (len(buf)+partCount-1)/partCount), nil
}

// splitAt cuts a non-empty buf into ranges of size bytes, the last holding the remainder.
func splitAt(buf []byte, size int) [][]byte {
	ranges := make([][]byte, 0, (len(buf)+size-1)/size)
	for start := 0; start < len(buf); start += size {
		end := start + size
		if end > len(buf) {
			end = len(buf)
		}
		ranges = append(ranges, buf[start:end:end])
	}
	return ranges
}

type packageOptions struct {
	partCount   int
	maxPartSize int64
}

// Option customizes EncryptAndPackage.
type Option func(*packageOptions)

// WithPartCount overrides the automatically computed part count. 1 disables splitting
// even when the buffer exceeds the maximum part size.
func WithPartCount(n int) Option {
	return func(o *packageOptions) {
		o.partCount = n
	}
}

// WithMaxPartSize sets the bound used to compute the part count.
func WithMaxPartSize(size int64) Option {
	return func(o *packageOptions) {
		o.maxPartSize = size
	}
}

// EncryptAndPackage splits buf, encrypts every range with the shared cipher and numbers the parts 1..N in split order.
// Without WithPartCount, buf is cut at maxPartSize boundaries; an explicit part count splits it as Split does.
func EncryptAndPackage(buf []byte, c Cipher, opts ...Option) ([]Part, error) {
	if buf == nil {
		return nil, NewValidationError("buffer", "must not be nil")
	}
	if c == nil {
		return nil, NewValidationError("cipher", "must not be nil")
	}

	o := packageOptions{maxPartSize: DefaultMaxPartSize}
	for _, opt := range opts {
		opt(&o)
	}

	ranges := [][]byte{buf}
	switch {
	case o.partCount < 0:
		return nil, NewValidationError("part count", "must be at least 1, got %d", o.partCount)
	case o.partCount > 1:
		var err error
		if ranges, err = Split(buf, o.partCount); err != nil {
			return nil, err
		}
	case o.partCount == 0 && PartCount(int64(len(buf)), o.maxPartSize) > 1:
		// Parts computed from the bound are full sized, only the last one is shorter.
		ranges = splitAt(buf, int(o.maxPartSize))
	}

	parts := make([]Part, 0, len(ranges))
	for i, r := range ranges {
		ordinal := i + 1
		encrypted, err := c.Encrypt(ordinal, r)
		if err != nil {
			return nil, fmt.Errorf("encrypt part %d: %w", ordinal, err)
		}
		parts = append(parts, Part{
			Ordinal: ordinal,
			Data:    encrypted,
			Digest:  Digest(encrypted),
		})
	}

	return parts, nil
}

type reassembleOptions struct {
	expected *ContentDigest
}

// ReassembleOption customizes Reassemble.
type ReassembleOption func(*reassembleOptions)

// WithExpectedDigest makes Reassemble verify the digest of the decrypted file.
func WithExpectedDigest(d ContentDigest) ReassembleOption {
	return func(o *reassembleOptions) {
		o.expected = &d
	}
}

// Reassemble orders the parts by ordinal number, decrypts and concatenates them.
// Parts carrying a digest are verified before decryption.
func Reassemble(parts []Part, c Cipher, opts ...ReassembleOption) ([]byte, error) {
	if c == nil {
		return nil, NewValidationError("cipher", "must not be nil")
	}
	if len(parts) == 0 {
		return nil, NewValidationError("parts", "at least one part is required")
	}

	var o reassembleOptions
	for _, opt := range opts {
		opt(&o)
	}

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	for i, p := range sorted {
		if p.Ordinal != i+1 {
			return nil, NewValidationError("ordinal numbers", "expected a dense sequence 1..%d, found %d at position %d", len(sorted), p.Ordinal, i+1)
		}
	}

	var buf bytes.Buffer
	for _, p := range sorted {
		if !p.Digest.IsZero() {
			if actual := Digest(p.Data); actual != p.Digest {
				return nil, &IntegrityError{Ordinal: p.Ordinal, Expected: p.Digest, Actual: actual}
			}
		}

		plaintext, err := c.Decrypt(p.Ordinal, p.Data)
		if err != nil {
			return nil, fmt.Errorf("decrypt part %d: %w", p.Ordinal, err)
		}
		buf.Write(plaintext)
	}

	result := buf.Bytes()
	if result == nil {
		result = []byte{}
	}
	if o.expected != nil {
		if actual := Digest(result); actual != *o.expected {
			return nil, &IntegrityError{Expected: *o.expected, Actual: actual}
		}
	}

	return result, nil
}
