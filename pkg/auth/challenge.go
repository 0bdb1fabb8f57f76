package auth

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/streamforge/rtspd/pkg/headers"
)

// Realm is the digest realm advertised by this server.
const Realm = "Streaming Server"

// Challenger issues and validates Basic/Digest challenges for one
// session. The nonce is computed once as MD5(session_id ':'
// timestamp_ms) and reused; a monotonically increasing nonce-count is
// tracked so a provided-but-stale nc can be distinguished from a wrong
// nonce.
type Challenger struct {
	mu sync.Mutex

	sessionID string
	user      string
	pass      string
	methods   []headers.Method

	nonce     string
	opaque    string
	serverNC  uint64 // highest nonce-count this server has accepted in Validate
}

// NewChallenger builds a Challenger for one session. methods defaults to
// {Basic, Digest} if nil.
func NewChallenger(sessionID, user, pass string, methods []headers.Method, createdAtMs int64) (*Challenger, error) {
	if methods == nil {
		methods = []headers.Method{headers.AuthBasic, headers.AuthDigest}
	}

	opaque, err := NewOpaque()
	if err != nil {
		return nil, err
	}

	return &Challenger{
		sessionID: sessionID,
		user:      user,
		pass:      pass,
		methods:   methods,
		nonce:     HexDigest(sessionID + ":" + strconv.FormatInt(createdAtMs, 10)),
		opaque:    opaque,
	}, nil
}

// GenerateChallenge builds the WWW-Authenticate header value(s) for a 401
// response. stale marks the nonce as stale (client's nc was behind).
func (c *Challenger) GenerateChallenge(stale bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	realm := Realm
	nonce := c.nonce
	opaque := c.opaque

	var values []string
	for _, m := range c.methods {
		switch m {
		case headers.AuthBasic:
			values = append(values, headers.Authenticate{Method: headers.AuthBasic, Realm: &realm}.MarshalChallenge())
		case headers.AuthDigest:
			a := headers.Authenticate{Method: headers.AuthDigest, Realm: &realm, Nonce: &nonce, Opaque: &opaque}
			if stale {
				s := true
				a.Stale = &s
			}
			values = append(values, a.MarshalChallenge())
		}
	}

	return values
}

// Validate checks an Authorization header against this challenge.
// It returns (ok, stale, error): stale is true exactly when the nonce
// matched but the request's nonce-count is not greater than the highest
// nc this server has already accepted.
func (c *Challenger) Validate(auth *headers.Authorization, method, uri string) (ok bool, stale bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch auth.Method {
	case headers.AuthBasic:
		if !containsMethod(c.methods, headers.AuthBasic) {
			return false, false, fmt.Errorf("basic auth not offered")
		}
		return auth.BasicUser == c.user && auth.BasicPass == c.pass, false, nil

	case headers.AuthDigest:
		if !containsMethod(c.methods, headers.AuthDigest) {
			return false, false, fmt.Errorf("digest auth not offered")
		}

		d := auth.Digest
		if d.Realm == nil || d.Nonce == nil || d.Username == nil || d.Response == nil {
			return false, false, fmt.Errorf("incomplete digest credentials")
		}

		if *d.Nonce != c.nonce {
			// not our nonce at all: a genuinely wrong/expired nonce, not "stale".
			return false, false, nil
		}

		if *d.Realm != Realm || *d.Username != c.user {
			return false, false, nil
		}

		ha1 := CalcHA1(c.user, Realm, c.pass)
		ha2 := CalcHA2(method, uri)

		var expected string
		var nc uint64
		if d.QOP != nil && d.NC != nil && d.CNonce != nil {
			nc, err = strconv.ParseUint(*d.NC, 16, 64)
			if err != nil {
				return false, false, fmt.Errorf("invalid nc: %w", err)
			}
			expected = CalcRequestDigest(ha1, c.nonce, *d.NC, *d.CNonce, *d.QOP, ha2)
		} else {
			expected = CalcRequestDigestNoQOP(ha1, c.nonce, ha2)
		}

		if expected != *d.Response {
			return false, false, nil
		}

		// nc did not advance past a previously-accepted nc: the
		// credentials are individually valid but the nonce is considered
		// stale and the client must re-challenge.
		if nc != 0 && nc <= c.serverNC {
			return true, true, nil
		}
		if nc > c.serverNC {
			c.serverNC = nc
		}

		return true, false, nil
	}

	return false, false, fmt.Errorf("unsupported auth method")
}

func containsMethod(methods []headers.Method, m headers.Method) bool {
	for _, x := range methods {
		if x == m {
			return true
		}
	}
	return false
}
