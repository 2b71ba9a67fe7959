package core

import (
	"encoding/base32"
	"strings"
)

// Crock is the Crockford base32 encoding used for every key, signature
// and hash that is stored or sent over the wire.
var Crock = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

func EncodeCrock(b []byte) string {
	return Crock.EncodeToString(b)
}

// DecodeCrock accepts lower case and the usual Crockford substitutions.
func DecodeCrock(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case 'o', 'O':
			return '0'
		case 'i', 'I', 'l', 'L':
			return '1'
		case 'u', 'U':
			return 'V'
		}

		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}

		return r
	}, s)

	return Crock.DecodeString(s)
}

type KeyPair struct {
	Pub  string `json:"pub"`
	Priv string `json:"priv"`
}

// CryptoService is the opaque crypto capability used by the state
// machines. Keys, signatures and envelopes are Crockford encoded.
type CryptoService interface {
	CreateEddsaKeyPair() (*KeyPair, error)
	EddsaPublicFromPrivate(priv string) (string, error)
	// EddsaSign signs a purpose-bound binary structure.
	EddsaSign(purpose []byte, priv string) (string, error)
	EddsaVerify(purpose []byte, sig, pub string) bool

	CreateEcdheKeyPair() (*KeyPair, error)
	// Ecdh derives the shared secret between an ECDHE private key and an
	// EdDSA public key.
	Ecdh(ecdhePriv, eddsaPub string) ([]byte, error)

	CreateBlindingKey() (string, error)
	RsaBlind(hash []byte, blindingKey, denomPub string) (string, error)
	RsaUnblind(blindSig, blindingKey, denomPub string) (string, error)
	RsaVerify(hash []byte, sig, denomPub string) bool

	Hash(data []byte) []byte
	Kdf(length int, ikm, salt, info []byte) []byte
	RandomBytes(n int) []byte
}
