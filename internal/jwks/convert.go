package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// FromECDSA arma un Record de firma a partir de una clave P-521 existente.
// Si priv es no-nil se incluye D (material que el store puede guardar pero
// que el pipeline de publicación descarta).
func FromECDSA(kid string, pub *ecdsa.PublicKey, priv *ecdsa.PrivateKey, createdAt, expiresAt time.Time) (Record, error) {
	if pub == nil && priv != nil {
		pub = &priv.PublicKey
	}
	if pub == nil || pub.Curve != elliptic.P521() {
		return Record{}, fmt.Errorf("jwks: %s requires a P-521 key", AlgES512)
	}
	rec := Record{
		KID:       kid,
		KeyType:   KeyTypeEC,
		Curve:     CurveP521,
		X:         encodeCoord(pub.X.FillBytes(make([]byte, p521CoordLen))),
		Y:         encodeCoord(pub.Y.FillBytes(make([]byte, p521CoordLen))),
		Use:       UseSig,
		Algorithm: AlgES512,
		CreatedAt: createdAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	if priv != nil {
		rec.D = encodeCoord(priv.D.FillBytes(make([]byte, p521CoordLen)))
	}
	return rec, nil
}

// rawJWK acepta el JWK completo (incluido "d") para importarlo.
type rawJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	KID string `json:"kid"`
}

// ParseJWK convierte un JWK JSON en Record y lo valida.
func ParseJWK(b []byte, createdAt, expiresAt time.Time) (Record, error) {
	var j rawJWK
	if err := json.Unmarshal(b, &j); err != nil {
		return Record{}, fmt.Errorf("jwks: parse jwk: %w", err)
	}
	rec := Record{
		KID:       j.KID,
		KeyType:   j.Kty,
		Curve:     j.Crv,
		X:         j.X,
		Y:         j.Y,
		D:         j.D,
		Use:       j.Use,
		Algorithm: j.Alg,
		CreatedAt: createdAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	if err := Validate(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func encodeCoord(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
