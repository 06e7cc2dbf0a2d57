package crypt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// DSA over a caller supplied group. Subspace keys are
// signed with DSA/SHA-256; the verifier has to cope with
// two historical interpretations of the hash integer, so
// the mode is explicit rather than baked in.

// HashMode selects how the hash integer is interpreted
// before it enters the DSA equations.
type HashMode int

const (
	// HashRaw uses the full unsigned big-endian hash
	// integer as-is.
	HashRaw HashMode = iota

	// HashCanonical truncates the hash to the bit length
	// of the subgroup order before use, FIPS style.
	HashCanonical
)

var one = big.NewInt(1)

// DSAGroup holds the domain parameters.
type DSAGroup struct {
	P *big.Int
	Q *big.Int
	G *big.Int
}

func (g *DSAGroup) Equal(o *DSAGroup) bool {
	if g == o {
		return true
	}
	if g == nil || o == nil {
		return false
	}
	return g.P.Cmp(o.P) == 0 && g.Q.Cmp(o.Q) == 0 && g.G.Cmp(o.G) == 0
}

// Bytes serializes the group as length-prefixed
// big-endian fields: u16 len + bytes, for P, Q, G.
func (g *DSAGroup) Bytes() []byte {
	var out []byte
	out = appendMPI(out, g.P)
	out = appendMPI(out, g.Q)
	out = appendMPI(out, g.G)
	return out
}

// DSAPublicKey is a group plus the public value Y.
type DSAPublicKey struct {
	Group *DSAGroup
	Y     *big.Int
}

func (k *DSAPublicKey) Equal(o *DSAPublicKey) bool {
	if k == o {
		return true
	}
	if k == nil || o == nil {
		return false
	}
	return k.Group.Equal(o.Group) && k.Y.Cmp(o.Y) == 0
}

// Bytes serializes the group followed by Y, each field
// u16 length prefixed.
func (k *DSAPublicKey) Bytes() []byte {
	out := k.Group.Bytes()
	out = appendMPI(out, k.Y)
	return out
}

// Hash is the SHA-256 of the serialized key; keys are
// routed by this hash.
func (k *DSAPublicKey) Hash() [32]byte {
	return Sum256(k.Bytes())
}

// DSAPrivateKey adds the secret exponent X.
type DSAPrivateKey struct {
	DSAPublicKey
	X *big.Int
}

// DSASignature is the (R, S) pair.
type DSASignature struct {
	R *big.Int
	S *big.Int
}

// reduceHash applies the mode to the hash integer m.
func reduceHash(m *big.Int, q *big.Int, mode HashMode) *big.Int {
	if mode == HashRaw {
		return m
	}
	excess := m.BitLen() - q.BitLen()
	if excess <= 0 {
		return m
	}
	return new(big.Int).Rsh(m, uint(excess))
}

// Verify reports whether sig is a valid signature by pub
// over the hash integer m, interpreted per mode.
func Verify(pub *DSAPublicKey, sig *DSASignature, m *big.Int, mode HashMode) bool {
	if pub == nil || sig == nil {
		return false
	}
	g := pub.Group
	if sig.R.Sign() <= 0 || sig.R.Cmp(g.Q) >= 0 {
		return false
	}
	if sig.S.Sign() <= 0 || sig.S.Cmp(g.Q) >= 0 {
		return false
	}
	z := reduceHash(m, g.Q, mode)

	w := new(big.Int).ModInverse(sig.S, g.Q)
	if w == nil {
		return false
	}
	u1 := new(big.Int).Mul(z, w)
	u1.Mod(u1, g.Q)
	u2 := new(big.Int).Mul(sig.R, w)
	u2.Mod(u2, g.Q)

	v := new(big.Int).Exp(g.G, u1, g.P)
	y2 := new(big.Int).Exp(pub.Y, u2, g.P)
	v.Mul(v, y2)
	v.Mod(v, g.P)
	v.Mod(v, g.Q)

	return v.Cmp(sig.R) == 0
}

// Sign produces a signature by priv over the hash integer
// m, interpreted per mode. rnd supplies the nonce.
func Sign(priv *DSAPrivateKey, m *big.Int, mode HashMode, rnd io.Reader) (*DSASignature, error) {
	g := priv.Group
	z := reduceHash(m, g.Q, mode)

	qm1 := new(big.Int).Sub(g.Q, one)
	for attempt := 0; attempt < 64; attempt++ {
		k, err := randInt(rnd, qm1)
		if err != nil {
			return nil, err
		}
		k.Add(k, one) // k in [1, q-1]

		r := new(big.Int).Exp(g.G, k, g.P)
		r.Mod(r, g.Q)
		if r.Sign() == 0 {
			continue
		}
		kinv := new(big.Int).ModInverse(k, g.Q)
		if kinv == nil {
			continue
		}
		s := new(big.Int).Mul(priv.X, r)
		s.Add(s, z)
		s.Mul(s, kinv)
		s.Mod(s, g.Q)
		if s.Sign() == 0 {
			continue
		}
		return &DSASignature{R: r, S: s}, nil
	}
	return nil, errors.New("dsa: could not generate a usable nonce")
}

// randInt draws a uniform integer in [0, max).
func randInt(rnd io.Reader, max *big.Int) (*big.Int, error) {
	byteLen := (max.BitLen() + 7) / 8
	buf := make([]byte, byteLen)
	for {
		if _, err := io.ReadFull(rnd, buf); err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(buf)
		if n.Cmp(max) < 0 {
			return n, nil
		}
	}
}

func appendMPI(out []byte, n *big.Int) []byte {
	b := n.Bytes()
	if len(b) > 0xffff {
		panic(fmt.Sprintf("field too large for u16 length prefix: %v bytes", len(b)))
	}
	var lenb [2]byte
	binary.BigEndian.PutUint16(lenb[:], uint16(len(b)))
	out = append(out, lenb[:]...)
	out = append(out, b...)
	return out
}

func readMPI(b []byte) (n *big.Int, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, errors.New("short field: missing length prefix")
	}
	fieldLen := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < fieldLen {
		return nil, nil, fmt.Errorf("short field: want %v bytes, have %v", fieldLen, len(b))
	}
	return new(big.Int).SetBytes(b[:fieldLen]), b[fieldLen:], nil
}

// ParsePublicKey reverses DSAPublicKey.Bytes.
func ParsePublicKey(b []byte) (pub *DSAPublicKey, err error) {
	g := &DSAGroup{}
	if g.P, b, err = readMPI(b); err != nil {
		return nil, fmt.Errorf("dsa pubkey P: %w", err)
	}
	if g.Q, b, err = readMPI(b); err != nil {
		return nil, fmt.Errorf("dsa pubkey Q: %w", err)
	}
	if g.G, b, err = readMPI(b); err != nil {
		return nil, fmt.Errorf("dsa pubkey G: %w", err)
	}
	pub = &DSAPublicKey{Group: g}
	if pub.Y, b, err = readMPI(b); err != nil {
		return nil, fmt.Errorf("dsa pubkey Y: %w", err)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("dsa pubkey: %v trailing bytes", len(b))
	}
	return pub, nil
}
