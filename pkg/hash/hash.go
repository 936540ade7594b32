package hash

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
)

const (
	// DefaultBits is the default size of the identifier space in bits (2^160)
	DefaultBits = 160

	// MaxBits is the widest identifier space a SHA-256 digest can fill
	MaxBits = sha256.Size * 8
)

var (
	zero = big.NewInt(0)
	one  = big.NewInt(1)
)

// Space describes a circular identifier space of 2^Bits identifiers.
// All arithmetic and comparisons performed through a Space are modular.
type Space struct {
	bits     int
	ringSize *big.Int
}

// NewSpace creates an identifier space of the given width in bits.
func NewSpace(bits int) (Space, error) {
	if bits <= 0 || bits > MaxBits {
		return Space{}, fmt.Errorf("bits must be between 1 and %d, got %d", MaxBits, bits)
	}
	return Space{
		bits:     bits,
		ringSize: new(big.Int).Lsh(one, uint(bits)),
	}, nil
}

// MustSpace is like NewSpace but panics on an invalid width.
func MustSpace(bits int) Space {
	s, err := NewSpace(bits)
	if err != nil {
		panic(err)
	}
	return s
}

// Bits returns the width of the identifier space.
func (s Space) Bits() int {
	return s.bits
}

// HashKey hashes arbitrary data to an identifier in the space.
// The identifier is the top Bits bits of the SHA-256 digest.
func (s Space) HashKey(data []byte) *big.Int {
	sum := sha256.Sum256(data)
	id := new(big.Int).SetBytes(sum[:])
	return id.Rsh(id, uint(MaxBits-s.bits))
}

// HashString hashes a string to an identifier in the space.
func (s Space) HashString(str string) *big.Int {
	return s.HashKey([]byte(str))
}

// HashAddress hashes a network address (host:port) to an identifier.
// This is used to compute node IDs from their network addresses.
func (s Space) HashAddress(host string, port int) *big.Int {
	return s.HashString(fmt.Sprintf("%s:%d", host, port))
}

// ParseID parses a hexadecimal identifier and checks it fits the space.
func (s Space) ParseID(hexID string) (*big.Int, error) {
	hexID = strings.TrimPrefix(strings.TrimSpace(hexID), "0x")
	if hexID == "" {
		return nil, fmt.Errorf("empty identifier")
	}
	id, ok := new(big.Int).SetString(hexID, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex identifier %q", hexID)
	}
	if !s.IsValidID(id) {
		return nil, fmt.Errorf("identifier %s outside of %d-bit space", hexID, s.bits)
	}
	return id, nil
}

// Between reports whether id lies in the circular interval (a, b].
// When a == b the interval is the full ring and every id qualifies.
//
// Examples on a 4-bit ring:
//   - Between(5, 3, 7) = true    // 5 is in (3, 7]
//   - Between(3, 3, 7) = false   // exclusive start
//   - Between(7, 3, 7) = true    // inclusive end
//   - Between(1, 14, 3) = true   // wraparound
//   - Between(9, 4, 4) = true    // full ring
func (s Space) Between(id, a, b *big.Int) bool {
	if id == nil || a == nil || b == nil {
		return false
	}

	id, a, b = s.Mod(id), s.Mod(a), s.Mod(b)

	switch a.Cmp(b) {
	case 0:
		return true
	case -1:
		return id.Cmp(a) > 0 && id.Cmp(b) <= 0
	default:
		return id.Cmp(a) > 0 || id.Cmp(b) <= 0
	}
}

// BetweenOpen reports whether id lies strictly inside the circular interval (a, b).
// When a == b the interval is the whole ring except a itself.
func (s Space) BetweenOpen(id, a, b *big.Int) bool {
	if id == nil || a == nil || b == nil {
		return false
	}

	id, a, b = s.Mod(id), s.Mod(a), s.Mod(b)

	switch a.Cmp(b) {
	case 0:
		return id.Cmp(a) != 0
	case -1:
		return id.Cmp(a) > 0 && id.Cmp(b) < 0
	default:
		return id.Cmp(a) > 0 || id.Cmp(b) < 0
	}
}

// Distance computes the clockwise distance from start to end.
// Returns (end - start) mod 2^Bits.
func (s Space) Distance(start, end *big.Int) *big.Int {
	if start == nil || end == nil {
		return new(big.Int)
	}
	return s.Mod(new(big.Int).Sub(end, start))
}

// FingerStart computes (n + 2^exponent) mod 2^Bits.
func (s Space) FingerStart(n *big.Int, exponent int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	if exponent < 0 {
		return s.Mod(n)
	}
	offset := new(big.Int).Lsh(one, uint(exponent))
	return s.Mod(offset.Add(offset, n))
}

// Mod returns x mod 2^Bits, always in [0, 2^Bits).
func (s Space) Mod(x *big.Int) *big.Int {
	// big.Int.Mod is Euclidean, the result is never negative.
	return new(big.Int).Mod(x, s.ringSize)
}

// IsValidID checks if an ID is within [0, 2^Bits).
func (s Space) IsValidID(id *big.Int) bool {
	if id == nil {
		return false
	}
	return id.Cmp(zero) >= 0 && id.Cmp(s.ringSize) < 0
}
