// Package auth implements the MD5/base64 primitives and RFC 2617 digest
// combinators, plus the server-side challenge/validate cycle used by
// the RTSP session state machine.
package auth

import (
	"crypto/md5" //nolint:gosec // RTSP digest auth (RFC 2617) mandates MD5.
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexDigest returns the MD5 digest of in as 32 lower-case hex characters.
func HexDigest(in string) string {
	sum := md5.Sum([]byte(in)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// CalcHA1 computes HA1 = MD5(user:realm:pass), RFC 2617 §3.2.2.2.
func CalcHA1(user, realm, pass string) string {
	return HexDigest(user + ":" + realm + ":" + pass)
}

// CalcHA1Sess computes the MD5-sess variant:
// HA1 = MD5(MD5(user:realm:pass):nonce:cnonce).
func CalcHA1Sess(user, realm, pass, nonce, cnonce string) string {
	base := HexDigest(user + ":" + realm + ":" + pass)
	return HexDigest(base + ":" + nonce + ":" + cnonce)
}

// CalcHA2 computes HA2 = MD5(method:uri) for qop absent or "auth".
func CalcHA2(method, uri string) string {
	return HexDigest(method + ":" + uri)
}

// CalcHA2AuthInt computes HA2 for qop="auth-int":
// MD5(method:uri:MD5(entityBody)).
func CalcHA2AuthInt(method, uri string, entityBody []byte) string {
	bodyHash := HexDigest(string(entityBody))
	return HexDigest(method + ":" + uri + ":" + bodyHash)
}

// CalcRequestDigestNoQOP computes response = MD5(HA1:nonce:HA2), the form
// used when the server did not request qop.
func CalcRequestDigestNoQOP(ha1, nonce, ha2 string) string {
	return HexDigest(ha1 + ":" + nonce + ":" + ha2)
}

// CalcRequestDigest computes
// response = MD5(HA1:nonce:nc:cnonce:qop:HA2), RFC 2617 §3.2.2.1, used
// when qop is "auth" or "auth-int".
func CalcRequestDigest(ha1, nonce, nc, cnonce, qop, ha2 string) string {
	return HexDigest(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
}

// DecodeBase64 decodes base64 input, tolerating embedded whitespace.
func DecodeBase64(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		default:
			return r
		}
	}, s)
	return base64.StdEncoding.DecodeString(cleaned)
}

// RandomNonceSeed returns 16 cryptographically random bytes, used as
// seed material for a nonce.
func RandomNonceSeed() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// NewOpaque generates a base64-encoded random 32-bit opaque value.
func NewOpaque() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
