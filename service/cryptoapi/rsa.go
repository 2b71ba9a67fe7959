package cryptoapi

import (
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"io"
	"math/big"

	"github.com/pandodao/ecash-wallet/core"
	"golang.org/x/crypto/hkdf"
)

var (
	errInvalidBlindingKey = errors.New("blinding key is not invertible modulo the denomination key")
	errSignatureRange     = errors.New("signature out of range")

	fdhSalt      = []byte("RSA-FDA FTpsW!")
	blindingSalt = []byte("Blinding KDF")
)

func EncodeRSAPublicKey(pub *rsa.PublicKey) string {
	return core.EncodeCrock(x509.MarshalPKCS1PublicKey(pub))
}

func DecodeRSAPublicKey(s string) (*rsa.PublicKey, error) {
	b, err := core.DecodeCrock(s)
	if err != nil {
		return nil, err
	}

	return x509.ParsePKCS1PublicKey(b)
}

// kdfMod derives an integer in [1, n) from ikm. Candidates with the top
// bits of n cleared are drawn until one is below n.
func kdfMod(n *big.Int, ikm, salt []byte) *big.Int {
	size := (n.BitLen() + 7) / 8
	excess := uint(size*8 - n.BitLen())

	r := hkdf.New(sha512.New, ikm, salt, n.Bytes())
	buf := make([]byte, size)
	x := new(big.Int)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			// hkdf ran out of output, restart with a longer salt
			salt = append(append([]byte{}, salt...), 0)
			r = hkdf.New(sha512.New, ikm, salt, n.Bytes())
			continue
		}

		buf[0] &= 0xff >> excess
		x.SetBytes(buf)
		if x.Sign() > 0 && x.Cmp(n) < 0 {
			return x
		}
	}
}

// fullDomainHash maps a message hash onto Z_n.
func fullDomainHash(pub *rsa.PublicKey, hash []byte) *big.Int {
	return kdfMod(pub.N, hash, fdhSalt)
}

func blindingFactor(pub *rsa.PublicKey, blindingKey []byte) (*big.Int, *big.Int, error) {
	r := kdfMod(pub.N, blindingKey, blindingSalt)
	rInv := new(big.Int).ModInverse(r, pub.N)
	if rInv == nil {
		return nil, nil, errInvalidBlindingKey
	}

	return r, rInv, nil
}

func leftPad(x *big.Int, size int) []byte {
	out := make([]byte, size)
	return x.FillBytes(out)
}

func keySize(pub *rsa.PublicKey) int {
	return (pub.N.BitLen() + 7) / 8
}

func rsaBlind(pub *rsa.PublicKey, hash, blindingKey []byte) ([]byte, error) {
	r, _, err := blindingFactor(pub, blindingKey)
	if err != nil {
		return nil, err
	}

	e := big.NewInt(int64(pub.E))
	m := fullDomainHash(pub, hash)
	ev := new(big.Int).Exp(r, e, pub.N)
	ev.Mul(ev, m).Mod(ev, pub.N)
	return leftPad(ev, keySize(pub)), nil
}

func rsaUnblind(pub *rsa.PublicKey, blindSig, blindingKey []byte) ([]byte, error) {
	_, rInv, err := blindingFactor(pub, blindingKey)
	if err != nil {
		return nil, err
	}

	s := new(big.Int).SetBytes(blindSig)
	if s.Cmp(pub.N) >= 0 {
		return nil, errSignatureRange
	}

	s.Mul(s, rInv).Mod(s, pub.N)
	return leftPad(s, keySize(pub)), nil
}

func rsaVerify(pub *rsa.PublicKey, hash, sig []byte) bool {
	s := new(big.Int).SetBytes(sig)
	if s.Sign() == 0 || s.Cmp(pub.N) >= 0 {
		return false
	}

	m := new(big.Int).Exp(s, big.NewInt(int64(pub.E)), pub.N)
	return m.Cmp(fullDomainHash(pub, hash)) == 0
}
