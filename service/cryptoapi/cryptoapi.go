package cryptoapi

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/cloudflare/circl/dh/x25519"
	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/pandodao/ecash-wallet/core"
	"golang.org/x/crypto/hkdf"
)

var errLowOrderPoint = errors.New("ecdh: low order point")

func New() core.CryptoService {
	return &service{rand: rand.Reader}
}

type service struct {
	rand io.Reader
}

func (s *service) CreateEddsaKeyPair() (*core.KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(s.rand)
	if err != nil {
		return nil, err
	}

	return &core.KeyPair{
		Pub:  core.EncodeCrock(pub),
		Priv: core.EncodeCrock(priv.Seed()),
	}, nil
}

func eddsaPrivate(priv string) (ed25519.PrivateKey, error) {
	seed, err := core.DecodeCrock(priv)
	if err != nil {
		return nil, err
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("eddsa private key: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

func (s *service) EddsaPublicFromPrivate(priv string) (string, error) {
	key, err := eddsaPrivate(priv)
	if err != nil {
		return "", err
	}

	return core.EncodeCrock(key.Public().(ed25519.PublicKey)), nil
}

func (s *service) EddsaSign(purpose []byte, priv string) (string, error) {
	key, err := eddsaPrivate(priv)
	if err != nil {
		return "", err
	}

	return core.EncodeCrock(ed25519.Sign(key, purpose)), nil
}

func (s *service) EddsaVerify(purpose []byte, sig, pub string) bool {
	rawSig, err := core.DecodeCrock(sig)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return false
	}

	rawPub, err := core.DecodeCrock(pub)
	if err != nil || len(rawPub) != ed25519.PublicKeySize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(rawPub), purpose, rawSig)
}

func (s *service) CreateEcdheKeyPair() (*core.KeyPair, error) {
	var secret, public x25519.Key
	if _, err := io.ReadFull(s.rand, secret[:]); err != nil {
		return nil, err
	}

	x25519.KeyGen(&public, &secret)
	return &core.KeyPair{
		Pub:  core.EncodeCrock(public[:]),
		Priv: core.EncodeCrock(secret[:]),
	}, nil
}

// Ecdh maps the EdDSA key onto curve25519 and hashes the shared point.
func (s *service) Ecdh(ecdhePriv, eddsaPub string) ([]byte, error) {
	rawPriv, err := core.DecodeCrock(ecdhePriv)
	if err != nil {
		return nil, err
	}

	rawPub, err := core.DecodeCrock(eddsaPub)
	if err != nil {
		return nil, err
	}

	if len(rawPriv) != x25519.Size {
		return nil, fmt.Errorf("ecdhe private key: want %d bytes, got %d", x25519.Size, len(rawPriv))
	}

	p, err := new(edwards25519.Point).SetBytes(rawPub)
	if err != nil {
		return nil, fmt.Errorf("eddsa public key: %w", err)
	}

	var secret, public, shared x25519.Key
	copy(secret[:], rawPriv)
	copy(public[:], p.BytesMontgomery())
	if !x25519.Shared(&shared, &secret, &public) {
		return nil, errLowOrderPoint
	}

	h := sha512.Sum512(shared[:])
	return h[:], nil
}

func (s *service) CreateBlindingKey() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return "", err
	}

	return core.EncodeCrock(b), nil
}

func (s *service) RsaBlind(hash []byte, blindingKey, denomPub string) (string, error) {
	pub, err := DecodeRSAPublicKey(denomPub)
	if err != nil {
		return "", err
	}

	bk, err := core.DecodeCrock(blindingKey)
	if err != nil {
		return "", err
	}

	ev, err := rsaBlind(pub, hash, bk)
	if err != nil {
		return "", err
	}

	return core.EncodeCrock(ev), nil
}

func (s *service) RsaUnblind(blindSig, blindingKey, denomPub string) (string, error) {
	pub, err := DecodeRSAPublicKey(denomPub)
	if err != nil {
		return "", err
	}

	bk, err := core.DecodeCrock(blindingKey)
	if err != nil {
		return "", err
	}

	sig, err := core.DecodeCrock(blindSig)
	if err != nil {
		return "", err
	}

	out, err := rsaUnblind(pub, sig, bk)
	if err != nil {
		return "", err
	}

	return core.EncodeCrock(out), nil
}

func (s *service) RsaVerify(hash []byte, sig, denomPub string) bool {
	pub, err := DecodeRSAPublicKey(denomPub)
	if err != nil {
		return false
	}

	raw, err := core.DecodeCrock(sig)
	if err != nil {
		return false
	}

	return rsaVerify(pub, hash, raw)
}

func (s *service) Hash(data []byte) []byte {
	h := sha512.Sum512(data)
	return h[:]
}

func (s *service) Kdf(length int, ikm, salt, info []byte) []byte {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha512.New, ikm, salt, info), out); err != nil {
		panic(err)
	}

	return out
}

func (s *service) RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		panic(err)
	}

	return b
}
