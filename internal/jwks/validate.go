package jwks

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey es la causa raíz de todo error de validación de esquema.
var ErrInvalidKey = errors.New("jwks: invalid key")

// p521CoordLen es el tamaño en bytes de cada coordenada de P-521.
const p521CoordLen = 66

// ValidationError describe por qué un Record no cumple el esquema.
type ValidationError struct {
	KID    string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("jwks: invalid key %q: %s: %s", e.KID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidKey }

// Validate aplica el esquema estricto: kty/crv/alg/use fijos, campos
// requeridos presentes, coordenadas base64url del tamaño de la curva y punto
// sobre la curva. No mira la expiración (eso es elegibilidad, no esquema).
func Validate(r Record) error {
	bad := func(field, reason string) error {
		return &ValidationError{KID: r.KID, Field: field, Reason: reason}
	}
	if strings.TrimSpace(r.KID) == "" {
		return bad("kid", "missing")
	}
	if r.KeyType != KeyTypeEC {
		return bad("kty", fmt.Sprintf("want %s, got %q", KeyTypeEC, r.KeyType))
	}
	if r.Curve != CurveP521 {
		return bad("crv", fmt.Sprintf("want %s, got %q", CurveP521, r.Curve))
	}
	if r.Use != UseSig {
		return bad("use", fmt.Sprintf("want %s, got %q", UseSig, r.Use))
	}
	if r.Algorithm != AlgES512 {
		return bad("alg", fmt.Sprintf("%q does not match curve %s", r.Algorithm, r.Curve))
	}
	if r.X == "" {
		return bad("x", "missing")
	}
	if r.Y == "" {
		return bad("y", "missing")
	}
	x, err := decodeCoord(r.X)
	if err != nil {
		return bad("x", err.Error())
	}
	y, err := decodeCoord(r.Y)
	if err != nil {
		return bad("y", err.Error())
	}
	point := make([]byte, 0, 1+2*p521CoordLen)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)
	if _, err := ecdh.P521().NewPublicKey(point); err != nil {
		return bad("x,y", "point not on curve")
	}
	return nil
}

// Reason devuelve una etiqueta corta para métricas ("kty", "alg", ...).
func Reason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	return "unknown"
}

func decodeCoord(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("not base64url")
	}
	if len(b) != p521CoordLen {
		return nil, fmt.Errorf("want %d bytes, got %d", p521CoordLen, len(b))
	}
	return b, nil
}
