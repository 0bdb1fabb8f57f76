package headers

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Method is an authentication scheme.
type Method int

// Methods.
const (
	AuthBasic Method = iota
	AuthDigest
)

// Authenticate is a WWW-Authenticate header (challenge) or the digest
// portion of an Authorization header (response), sharing the same
// key/value shape.
type Authenticate struct {
	Method Method

	Realm  *string
	Nonce  *string
	Opaque *string
	Stale  *bool

	Username *string
	URI      *string
	Response *string
	QOP      *string
	NC       *string
	CNonce   *string
	Algorithm *string
}

// Unmarshal decodes a Digest challenge or response value (without the
// leading "Digest " token).
func (h *Authenticate) Unmarshal(v string) error {
	h.Method = AuthDigest

	kvs, err := keyValParse(v, ',')
	if err != nil {
		return err
	}

	assign := func(dst **string, key string) {
		if val, ok := kvs[key]; ok {
			v := val
			*dst = &v
		}
	}

	assign(&h.Realm, "realm")
	assign(&h.Nonce, "nonce")
	assign(&h.Opaque, "opaque")
	assign(&h.Username, "username")
	assign(&h.URI, "uri")
	assign(&h.Response, "response")
	assign(&h.QOP, "qop")
	assign(&h.NC, "nc")
	assign(&h.CNonce, "cnonce")
	assign(&h.Algorithm, "algorithm")

	if stale, ok := kvs["stale"]; ok {
		b := strings.EqualFold(stale, "true")
		h.Stale = &b
	}

	return nil
}

// MarshalChallenge encodes a WWW-Authenticate challenge header value.
func (h Authenticate) MarshalChallenge() string {
	if h.Method == AuthBasic {
		if h.Realm != nil {
			return fmt.Sprintf(`Basic realm="%s"`, *h.Realm)
		}
		return "Basic"
	}

	var parts []string
	if h.Realm != nil {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, *h.Realm))
	}
	if h.Nonce != nil {
		parts = append(parts, fmt.Sprintf(`nonce="%s"`, *h.Nonce))
	}
	if h.Opaque != nil {
		parts = append(parts, fmt.Sprintf(`opaque="%s"`, *h.Opaque))
	}
	if h.Stale != nil && *h.Stale {
		parts = append(parts, "stale=true")
	}
	return "Digest " + strings.Join(parts, ", ")
}

// MarshalResponse encodes the digest portion of an Authorization header.
func (h Authenticate) MarshalResponse() string {
	var parts []string
	if h.Username != nil {
		parts = append(parts, fmt.Sprintf(`username="%s"`, *h.Username))
	}
	if h.Realm != nil {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, *h.Realm))
	}
	if h.Nonce != nil {
		parts = append(parts, fmt.Sprintf(`nonce="%s"`, *h.Nonce))
	}
	if h.URI != nil {
		parts = append(parts, fmt.Sprintf(`uri="%s"`, *h.URI))
	}
	if h.Response != nil {
		parts = append(parts, fmt.Sprintf(`response="%s"`, *h.Response))
	}
	if h.QOP != nil {
		parts = append(parts, fmt.Sprintf(`qop=%s`, *h.QOP))
	}
	if h.NC != nil {
		parts = append(parts, fmt.Sprintf(`nc=%s`, *h.NC))
	}
	if h.CNonce != nil {
		parts = append(parts, fmt.Sprintf(`cnonce="%s"`, *h.CNonce))
	}
	if h.Opaque != nil {
		parts = append(parts, fmt.Sprintf(`opaque="%s"`, *h.Opaque))
	}
	return "Digest " + strings.Join(parts, ", ")
}

// Authorization is a parsed Authorization header.
type Authorization struct {
	Method Method

	BasicUser string
	BasicPass string

	Digest Authenticate
}

// Unmarshal decodes an Authorization header value.
func (h *Authorization) Unmarshal(v string) error {
	switch {
	case strings.HasPrefix(v, "Basic "):
		h.Method = AuthBasic
		raw, err := base64.StdEncoding.DecodeString(v[len("Basic "):])
		if err != nil {
			return fmt.Errorf("invalid base64 in Basic credentials: %w", err)
		}
		parts := strings.SplitN(string(raw), ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid Basic credentials")
		}
		h.BasicUser, h.BasicPass = parts[0], parts[1]

	case strings.HasPrefix(v, "Digest "):
		h.Method = AuthDigest
		var d Authenticate
		if err := d.Unmarshal(v[len("Digest "):]); err != nil {
			return err
		}
		h.Digest = d

	default:
		return fmt.Errorf("unsupported Authorization scheme in %q", v)
	}

	return nil
}
