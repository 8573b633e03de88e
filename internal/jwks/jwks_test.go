package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newRecord(t *testing.T, kid string) (Record, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	rec, err := FromECDSA(kid, nil, priv, now, now.Add(time.Hour))
	require.NoError(t, err)
	return rec, priv
}

func TestValidate_AcceptsWellFormedKey(t *testing.T) {
	rec, _ := newRecord(t, "k1")
	require.NoError(t, Validate(rec))
	require.True(t, rec.HasPrivate())
}

func TestValidate_RejectsSchemaViolations(t *testing.T) {
	base, _ := newRecord(t, "k1")
	other, _ := newRecord(t, "k2")

	cases := map[string]func(r *Record){
		"kid":   func(r *Record) { r.KID = " " },
		"kty":   func(r *Record) { r.KeyType = "RSA" },
		"crv":   func(r *Record) { r.Curve = "P-256" },
		"use":   func(r *Record) { r.Use = UseEnc },
		"alg":   func(r *Record) { r.Algorithm = "ES256" },
		"x":     func(r *Record) { r.X = "" },
		"y":     func(r *Record) { r.Y = "!!not-base64!!" },
		"x,y":   func(r *Record) { r.Y = other.Y },
		"short": func(r *Record) { r.X = r.X[:10] },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := base
			mutate(&r)
			err := Validate(r)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrInvalidKey)
			if name != "short" {
				require.Equal(t, name, Reason(err))
			}
		})
	}
}

func TestEncode_DeterministicAndSorted(t *testing.T) {
	a, _ := newRecord(t, "A")
	b, _ := newRecord(t, "B")
	c, _ := newRecord(t, "C")

	first, err := Encode([]PublicKey{c.Public(), a.Public(), b.Public()})
	require.NoError(t, err)
	second, err := Encode([]PublicKey{b.Public(), c.Public(), a.Public()})
	require.NoError(t, err)
	require.Equal(t, first, second)

	doc, err := Decode(first)
	require.NoError(t, err)
	require.Len(t, doc.Keys, 3)
	require.Equal(t, "A", doc.Keys[0].KID)
	require.Equal(t, "C", doc.Keys[2].KID)
}

func TestEncode_EmptySetIsArray(t *testing.T) {
	b, err := Encode(nil)
	require.NoError(t, err)
	require.Equal(t, `{"keys":[]}`, string(b))
}

func TestEncode_NeverContainsPrivateMaterial(t *testing.T) {
	rec, _ := newRecord(t, "k1")
	require.NotEmpty(t, rec.D)

	b, err := Encode([]PublicKey{rec.Public()})
	require.NoError(t, err)
	require.NotContains(t, string(b), `"d"`)
	require.NotContains(t, string(b), rec.D)
	require.True(t, strings.HasPrefix(string(b), `{"keys":[{"kty":"EC","crv":"P-521","x":`))
}

func TestPublishedKeyVerifiesES512Token(t *testing.T) {
	rec, priv := newRecord(t, "k1")
	b, err := Encode([]PublicKey{rec.Public()})
	require.NoError(t, err)

	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodES512, jwtv5.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	tok.Header["kid"] = rec.KID
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)

	doc, err := Decode(b)
	require.NoError(t, err)
	parsed, err := jwtv5.Parse(signed, func(tk *jwtv5.Token) (any, error) {
		kid, _ := tk.Header["kid"].(string)
		k, ok := doc.Find(kid)
		require.True(t, ok)
		return k.ECDSA()
	}, jwtv5.WithValidMethods([]string{AlgES512}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)
}

func TestParseJWK(t *testing.T) {
	rec, _ := newRecord(t, "imp")
	raw := `{"kty":"EC","crv":"P-521","x":"` + rec.X + `","y":"` + rec.Y + `","use":"sig","alg":"ES512","kid":"imp"}`
	now := time.Now()
	got, err := ParseJWK([]byte(raw), now, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, rec.Public(), got.Public())
	require.False(t, got.HasPrivate())

	_, err = ParseJWK([]byte(`{"kty":"EC","crv":"P-521","alg":"ES256"}`), now, now.Add(time.Hour))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestVersionStageKID(t *testing.T) {
	require.Equal(t, "kid#abc", VersionStageKID("", "", "abc"))
	require.Equal(t, "v:abc", VersionStageKID("v", ":", "abc"))
}
