package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// PublicKey es la proyección pública de un Record (RFC 7517, EC).
// El orden de los campos fija el orden de serialización.
type PublicKey struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	KID string `json:"kid"`
}

// Document es el JWKS publicado.
type Document struct {
	Keys []PublicKey `json:"keys"`
}

// SortByKID ordena in-place por kid (estable).
func SortByKID(keys []PublicKey) {
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].KID < keys[j].KID })
}

// Encode serializa el documento canónico: claves ordenadas por kid y
// "keys" siempre presente como array (nunca null). Es función pura de la
// entrada, por lo que el mismo conjunto produce los mismos bytes.
func Encode(keys []PublicKey) ([]byte, error) {
	cp := make([]PublicKey, len(keys))
	copy(cp, keys)
	SortByKID(cp)
	b, err := json.Marshal(Document{Keys: cp})
	if err != nil {
		return nil, fmt.Errorf("jwks: encode: %w", err)
	}
	return b, nil
}

// Decode parsea un documento publicado.
func Decode(b []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return Document{}, fmt.Errorf("jwks: decode: %w", err)
	}
	if d.Keys == nil {
		d.Keys = []PublicKey{}
	}
	return d, nil
}

// Find busca una clave por kid.
func (d Document) Find(kid string) (PublicKey, bool) {
	for _, k := range d.Keys {
		if k.KID == kid {
			return k, true
		}
	}
	return PublicKey{}, false
}

// ECDSA convierte la proyección en una *ecdsa.PublicKey lista para verificar.
func (k PublicKey) ECDSA() (*ecdsa.PublicKey, error) {
	if k.Kty != KeyTypeEC || k.Crv != CurveP521 {
		return nil, fmt.Errorf("jwks: unsupported key %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("jwks: x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("jwks: y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P521(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}
