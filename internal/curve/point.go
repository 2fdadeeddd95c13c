// Package curve implements secp256k1 point and scalar arithmetic, compressed
// point encoding, polynomial evaluation, and Lagrange interpolation at zero
// for the threshold cryptography built on top of it.
package curve

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto/secp256k1"
)

// curveParams is the secp256k1 curve used throughout the package.
var curveParams = secp256k1.S256()

// Order returns the order n of the secp256k1 group.
func Order() *big.Int {
	return new(big.Int).Set(curveParams.N)
}

// Point is a point on the secp256k1 curve. The identity element is
// represented explicitly with nil coordinates; callers must check IsIdentity
// before touching X/Y.
type Point struct {
	X *big.Int
	Y *big.Int
}

// Identity returns the curve's identity element (point at infinity).
func Identity() Point {
	return Point{}
}

// IsIdentity reports whether P is the identity element.
func (p Point) IsIdentity() bool {
	return p.X == nil || p.Y == nil
}

// Generator returns the secp256k1 base point G.
func Generator() Point {
	return Point{new(big.Int).Set(curveParams.Gx), new(big.Int).Set(curveParams.Gy)}
}

// Equal reports whether p and q represent the same point.
func (p Point) Equal(q Point) bool {
	if p.IsIdentity() || q.IsIdentity() {
		return p.IsIdentity() && q.IsIdentity()
	}
	return p.X.Cmp(q.X) == 0 && p.Y.Cmp(q.Y) == 0
}

// HasEvenY reports whether the point's Y coordinate is even. It panics on the
// identity element since the question is meaningless there.
func (p Point) HasEvenY() bool {
	if p.IsIdentity() {
		panic("curve: HasEvenY called on identity point")
	}
	return p.Y.Bit(0) == 0
}

// Add returns p + q.
func Add(p, q Point) Point {
	if p.IsIdentity() {
		return q
	}
	if q.IsIdentity() {
		return p
	}
	x, y := curveParams.Add(p.X, p.Y, q.X, q.Y)
	if x.Sign() == 0 && y.Sign() == 0 {
		return Identity()
	}
	return Point{x, y}
}

// Negate returns -p.
func Negate(p Point) Point {
	if p.IsIdentity() {
		return p
	}
	return Point{new(big.Int).Set(p.X), new(big.Int).Sub(curveParams.P, p.Y)}
}

// Sub returns p - q.
func Sub(p, q Point) Point {
	return Add(p, Negate(q))
}

// ScalarMul returns k*p, reducing k modulo the group order first.
func ScalarMul(p Point, k *big.Int) Point {
	if p.IsIdentity() {
		return Identity()
	}
	kmod := new(big.Int).Mod(k, curveParams.N)
	if kmod.Sign() == 0 {
		return Identity()
	}
	x, y := curveParams.ScalarMult(p.X, p.Y, kmod.Bytes())
	return Point{x, y}
}

// ScalarBaseMul returns k*G, reducing k modulo the group order first.
func ScalarBaseMul(k *big.Int) Point {
	kmod := new(big.Int).Mod(k, curveParams.N)
	if kmod.Sign() == 0 {
		return Identity()
	}
	x, y := curveParams.ScalarBaseMult(kmod.Bytes())
	return Point{x, y}
}

// RandomScalar returns a scalar sampled uniformly from [1, n).
func RandomScalar() (*big.Int, error) {
	for {
		b := make([]byte, (curveParams.BitSize+7)/8)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("curve: sampling random scalar: %w", err)
		}
		s := new(big.Int).SetBytes(b)
		s.Mod(s, curveParams.N)
		if s.Sign() != 0 {
			return s, nil
		}
	}
}

// ScalarFromBytes reduces a big-endian byte string modulo the group order.
func ScalarFromBytes(b []byte) *big.Int {
	s := new(big.Int).SetBytes(b)
	return s.Mod(s, curveParams.N)
}

// CompressedLen is the length in bytes of a compressed point encoding.
const CompressedLen = 33

// Compress serialises a non-identity point to 33-byte compressed form:
// a parity prefix (0x02 even, 0x03 odd) followed by 32-byte big-endian X.
// Serialising the identity is a caller error: it never occurs on the wire.
func Compress(p Point) ([]byte, error) {
	if p.IsIdentity() {
		return nil, fmt.Errorf("curve: cannot serialise the identity point")
	}
	out := make([]byte, CompressedLen)
	if p.HasEvenY() {
		out[0] = 0x02
	} else {
		out[0] = 0x03
	}
	p.X.FillBytes(out[1:])
	return out, nil
}

// CompressHex is Compress followed by hex encoding, matching the board's
// 66-character compressed-point hex convention.
func CompressHex(p Point) (string, error) {
	b, err := Compress(p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

// Decompress parses a 33-byte compressed point and recovers Y via the curve
// equation y^2 = x^3 + 7 mod p, selecting the root matching the parity byte.
func Decompress(b []byte) (Point, error) {
	if len(b) != CompressedLen {
		return Point{}, fmt.Errorf("curve: compressed point must be %d bytes, got %d", CompressedLen, len(b))
	}
	prefix := b[0]
	if prefix != 0x02 && prefix != 0x03 {
		return Point{}, fmt.Errorf("curve: invalid compressed point prefix 0x%02x", prefix)
	}

	x := new(big.Int).SetBytes(b[1:])
	p := curveParams.P

	// c = x^3 + 7 mod p
	c := new(big.Int).Exp(x, big.NewInt(3), p)
	c.Add(c, big.NewInt(7))
	c.Mod(c, p)

	// secp256k1's p is 3 mod 4, so the square root is c^((p+1)/4) mod p.
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Div(exp, big.NewInt(4))
	y := new(big.Int).Exp(c, exp, p)

	check := new(big.Int).Exp(y, big.NewInt(2), p)
	if check.Cmp(c) != 0 {
		return Point{}, fmt.Errorf("curve: no point on curve for given x")
	}

	wantEven := prefix == 0x02
	if (y.Bit(0) == 0) != wantEven {
		y.Sub(p, y)
	}

	return Point{x, y}, nil
}

// DecompressHex is the hex-decoding counterpart of CompressHex.
func DecompressHex(hexStr string) (Point, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Point{}, fmt.Errorf("curve: malformed compressed point hex %q: %w", hexStr, err)
	}
	return Decompress(b)
}
