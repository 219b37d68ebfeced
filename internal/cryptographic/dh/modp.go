package dh

import (
	"crypto/rand"
	encoding_asn1 "encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// RFC 3526 group 14 (2048-bit MODP), generator 2. Both peers must use exactly
// this group; a mismatch yields different secrets without any error here.
const group14Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

const pemPublicKey = "PUBLIC KEY"

var (
	groupP  = mustHex(group14Hex)
	groupG  = big.NewInt(2)
	two     = big.NewInt(2)
	pMinus1 = new(big.Int).Sub(groupP, big.NewInt(1))

	// PKCS #3 dhKeyAgreement
	oidDHKeyAgreement = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 3, 1}
)

var (
	ErrInvalidKeyEncoding = errors.New("invalid key encoding")
	ErrInvalidPublicKey   = errors.New("public key out of range")
	ErrDestroyed          = errors.New("private key already destroyed")
)

type (
	PublicKey struct {
		y *big.Int
	}

	PrivateKey struct {
		x   *big.Int
		pub *PublicKey
	}
)

// SecretSize is the length of a shared secret, left-padded to the modulus size.
func SecretSize() int { return (groupP.BitLen() + 7) / 8 }

// GenerateKey returns a fresh keypair with x uniform in [2, p-2].
func GenerateKey(r io.Reader) (*PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	x, err := rand.Int(r, new(big.Int).Sub(groupP, big.NewInt(3)))
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	x.Add(x, two)

	y := new(big.Int).Exp(groupG, x, groupP)
	return &PrivateKey{x: x, pub: &PublicKey{y: y}}, nil
}

func (k *PrivateKey) Public() *PublicKey { return k.pub }

// SharedSecret computes peer^x mod p as a fixed-size big-endian byte string.
func (k *PrivateKey) SharedSecret(peer *PublicKey) ([]byte, error) {
	if k.x == nil {
		return nil, ErrDestroyed
	}
	if err := peer.validate(); err != nil {
		return nil, err
	}
	z := new(big.Int).Exp(peer.y, k.x, groupP)
	out := make([]byte, SecretSize())
	z.FillBytes(out)
	wipeInt(z)
	return out, nil
}

// Destroy zeroes the private exponent. The key is unusable afterwards.
func (k *PrivateKey) Destroy() {
	if k.x == nil {
		return
	}
	wipeInt(k.x)
	k.x = nil
}

func (p *PublicKey) Equal(o *PublicKey) bool {
	return p != nil && o != nil && p.y.Cmp(o.y) == 0
}

func (p *PublicKey) validate() error {
	if p == nil || p.y == nil || p.y.Cmp(two) < 0 || p.y.Cmp(pMinus1) >= 0 {
		return ErrInvalidPublicKey
	}
	return nil
}

// MarshalPEM encodes the key as a SubjectPublicKeyInfo PEM block carrying the
// PKCS #3 domain parameters.
func (p *PublicKey) MarshalPEM() ([]byte, error) {
	var yb cryptobyte.Builder
	yb.AddASN1BigInt(p.y)
	yDER, err := yb.Bytes()
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidDHKeyAgreement)
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1BigInt(groupP)
				b.AddASN1BigInt(groupG)
			})
		})
		b.AddASN1BitString(yDER)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der}), nil
}

// ParsePublicPEM is the inverse of MarshalPEM. Keys from any other group are
// rejected.
func ParsePublicPEM(data []byte) (*PublicKey, error) {
	block, rest := pem.Decode(data)
	if block == nil || block.Type != pemPublicKey {
		return nil, fmt.Errorf("%w: no %s block", ErrInvalidKeyEncoding, pemPublicKey)
	}
	if len(trimSpace(rest)) != 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidKeyEncoding)
	}

	var (
		input              = cryptobyte.String(block.Bytes)
		spki, algo, params cryptobyte.String
		oid                encoding_asn1.ObjectIdentifier
		bits               encoding_asn1.BitString
		p, g               = new(big.Int), new(big.Int)
	)
	if !input.ReadASN1(&spki, cbasn1.SEQUENCE) || !input.Empty() ||
		!spki.ReadASN1(&algo, cbasn1.SEQUENCE) ||
		!spki.ReadASN1BitString(&bits) || !spki.Empty() ||
		!algo.ReadASN1ObjectIdentifier(&oid) ||
		!algo.ReadASN1(&params, cbasn1.SEQUENCE) || !algo.Empty() ||
		!params.ReadASN1Integer(p) || !params.ReadASN1Integer(g) ||
		!params.SkipOptionalASN1(cbasn1.INTEGER) || !params.Empty() {
		return nil, fmt.Errorf("%w: bad SubjectPublicKeyInfo", ErrInvalidKeyEncoding)
	}
	if !oid.Equal(oidDHKeyAgreement) {
		return nil, fmt.Errorf("%w: unexpected algorithm %s", ErrInvalidKeyEncoding, oid)
	}
	if p.Cmp(groupP) != 0 || g.Cmp(groupG) != 0 {
		return nil, fmt.Errorf("%w: unexpected group parameters", ErrInvalidKeyEncoding)
	}
	if bits.BitLength%8 != 0 {
		return nil, fmt.Errorf("%w: bad public key bit string", ErrInvalidKeyEncoding)
	}

	y := new(big.Int)
	ys := cryptobyte.String(bits.Bytes)
	if !ys.ReadASN1Integer(y) || !ys.Empty() {
		return nil, fmt.Errorf("%w: bad public value", ErrInvalidKeyEncoding)
	}
	pub := &PublicKey{y: y}
	if err := pub.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return pub, nil
}

// wipeInt clears the limbs backing z. Copies made inside math/big during
// exponentiation are out of reach.
func wipeInt(z *big.Int) {
	words := z.Bits()
	for i := range words {
		words[i] = 0
	}
	z.SetInt64(0)
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == '\n' || b[0] == '\r' || b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("dh: bad group constant")
	}
	return n
}
