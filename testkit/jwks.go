package testkit

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
)

// JWK renders the signer's public key as one JWKS document entry, declared
// for alg. Passing an algorithm other than the signing one produces the
// mismatched entries negative tests need.
func (s *RSASigner) JWK(alg string) map[string]string {
	pub := s.PublicKey()
	return map[string]string{
		"kty": "RSA",
		"use": "sig",
		"kid": s.kid,
		"alg": alg,
		"n":   bigIntB64(pub.N),
		"e":   bigIntB64(big.NewInt(int64(pub.E))),
	}
}

// KeySet marshals entries into a JWKS document.
func KeySet(entries ...map[string]string) []byte {
	doc := map[string][]map[string]string{"keys": entries}
	b, err := json.Marshal(doc)
	if err != nil {
		panic("testkit: marshal key set: " + err.Error())
	}
	return b
}

// KeySetDocument marshals a JWKS document holding the public halves of the
// signers, each declared for its signing algorithm.
func KeySetDocument(signers ...*RSASigner) []byte {
	entries := make([]map[string]string, 0, len(signers))
	for _, s := range signers {
		entries = append(entries, s.JWK(s.Algorithm()))
	}
	return KeySet(entries...)
}

func bigIntB64(i *big.Int) string {
	b := i.Bytes()
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
