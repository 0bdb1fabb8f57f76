package base

import (
	"fmt"
	"net/url"
	"strings"
)

// URL is a RTSP URL.
// It is similar to a HTTP URL, with some additions for handling
// control attributes on SETUP/DESCRIBE sub-paths.
type URL struct {
	url.URL
}

// ParseURL parses a RTSP URL.
func ParseURL(s string) (*URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "rtsp" && u.Scheme != "rtsps" && u.Scheme != "" {
		return nil, fmt.Errorf("invalid scheme: %s", u.Scheme)
	}

	return &URL{URL: *u}, nil
}

// CloneWithoutCredentials returns a copy of the URL without username/password.
func (u *URL) CloneWithoutCredentials() *URL {
	u2 := *u
	u2.User = nil
	return &u2
}

// RTSPPathAndQuery returns the path (without leading slash) and the raw query.
func (u *URL) RTSPPathAndQuery() (string, string) {
	var path string
	if len(u.Path) > 0 {
		path = u.Path[1:]
	}
	return path, u.RawQuery
}

// String implements fmt.Stringer.
func (u *URL) String() string {
	return u.URL.String()
}

// IsWildcard returns true if the URL is the wildcard target "*" used by OPTIONS.
func IsWildcard(raw string) bool {
	return raw == "*"
}

// SplitTrackID splits a control path of the form "trackID=N" appended to a
// base path, returning the track id and whether it was present.
func SplitTrackID(path string) (string, int, bool) {
	idx := strings.LastIndex(path, "/trackID=")
	if idx < 0 {
		return path, 0, false
	}

	base := path[:idx]
	idStr := path[idx+len("/trackID="):]

	var id int
	_, err := fmt.Sscanf(idStr, "%d", &id)
	if err != nil {
		return path, 0, false
	}

	return base, id, true
}
