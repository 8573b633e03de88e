// Package jwks define el modelo de claves de verificación (Key Record), su
// proyección pública y el documento JWKS publicado.
package jwks

import (
	"strings"
	"time"
)

// Literales del único esquema soportado (EC P-521 / ES512).
const (
	KeyTypeEC = "EC"
	CurveP521 = "P-521"
	AlgES512  = "ES512"

	UseSig = "sig"
	UseEnc = "enc"

	// ContentType del documento publicado.
	ContentType = "application/json"
	// DefaultPath es la ruta well-known donde vive el documento.
	DefaultPath = ".well-known/jwks.json"
)

// Record es una clave tal como vive en el Key Record Store.
// D (material privado) es opcional y nunca se publica.
type Record struct {
	KID       string
	KeyType   string
	Curve     string
	X         string // base64url(x)
	Y         string // base64url(y)
	D         string // base64url(d), opcional
	Use       string
	Algorithm string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Eligible indica si la clave puede aparecer en el JWKS en el instante now.
func (r Record) Eligible(now time.Time) bool {
	return r.Use == UseSig && r.ExpiresAt.After(now)
}

// HasPrivate reporta si el record trae material privado.
func (r Record) HasPrivate() bool { return strings.TrimSpace(r.D) != "" }

// Public devuelve la proyección pública. No hay campo privado en PublicKey,
// así que el material privado no puede filtrarse por esta vía.
func (r Record) Public() PublicKey {
	return PublicKey{
		Kty: r.KeyType,
		Crv: r.Curve,
		X:   r.X,
		Y:   r.Y,
		Use: r.Use,
		Alg: r.Algorithm,
		KID: r.KID,
	}
}

// VersionStageKID arma el nombre de version stage que usa el flujo de emisión
// para asociar un secreto con su kid (ej: "kid#2024-10-01").
func VersionStageKID(prefix, sep, kid string) string {
	if prefix == "" {
		prefix = "kid"
	}
	if sep == "" {
		sep = "#"
	}
	return prefix + sep + kid
}
