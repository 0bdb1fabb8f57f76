// Package headers decodes and encodes RTSP headers with structured
// parse semantics (Transport, Session, Range, Authorization, Bandwidth,
// the x-* extensions).
package headers

import (
	"fmt"
	"strings"
)

// keyValParse splits a ';'-separated (or other sep) list of "key" or
// "key=value" tokens into a map (token order is not kept), tolerating
// quoted values that contain the separator.
func keyValParse(s string, sep byte) (map[string]string, error) {
	ret := make(map[string]string)

	var parts []string
	{
		var cur strings.Builder
		inQuotes := false
		for i := 0; i < len(s); i++ {
			c := s[i]
			switch {
			case c == '"':
				inQuotes = !inQuotes
				cur.WriteByte(c)
			case c == sep && !inQuotes:
				parts = append(parts, cur.String())
				cur.Reset()
			default:
				cur.WriteByte(c)
			}
		}
		parts = append(parts, cur.String())
	}

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		idx := strings.IndexByte(p, '=')
		if idx < 0 {
			ret[p] = ""
			continue
		}

		k := strings.TrimSpace(p[:idx])
		v := strings.TrimSpace(p[idx+1:])
		v = strings.Trim(v, `"`)
		if k == "" {
			return nil, fmt.Errorf("invalid key/value pair: %q", p)
		}
		ret[k] = v
	}

	return ret, nil
}
