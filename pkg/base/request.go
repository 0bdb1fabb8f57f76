package base

import (
	"bufio"
	"fmt"
	"strconv"
)

// Request is a parsed RTSP request.
type Request struct {
	Method Method
	URL    *URL
	Header Header

	// Path and Query are extracted from URL for convenience: Path is the
	// URL path without its leading slash, Query the raw query string. A
	// trailing slash on the path is kept as sent.
	Path  string
	Query string

	Body []byte
}

// ReadRequestLine reads and validates only the request line: method, URL,
// version. Read calls it first; pkg/rtspserver tells an interleaved frame
// from a request with PeekIsInterleavedFrame before calling Read.
func ReadRequestLine(rb *bufio.Reader) (Method, *URL, error) {
	byts, err := readBytesLimited(rb, ' ', requestMaxMethodLength)
	if err != nil {
		return "", nil, err
	}
	method := Method(byts[:len(byts)-1])
	if method == "" {
		return "", nil, fmt.Errorf("empty method")
	}

	byts, err = readBytesLimited(rb, ' ', requestMaxURLLength)
	if err != nil {
		return "", nil, err
	}
	rawURL := string(byts[:len(byts)-1])
	if rawURL == "" {
		return "", nil, fmt.Errorf("empty url")
	}

	var u *URL
	if rawURL == "*" {
		if method != OPTIONS {
			return "", nil, fmt.Errorf("wildcard url only allowed for OPTIONS")
		}
		u = &URL{}
	} else {
		u, err = ParseURL(rawURL)
		if err != nil {
			return "", nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
		}
	}

	byts, err = readBytesLimited(rb, '\r', 128)
	if err != nil {
		return "", nil, err
	}
	version := string(byts[:len(byts)-1])
	if version != rtspProtocol10 {
		return "", nil, fmt.Errorf("unsupported version %q", version)
	}

	if err := readByteEqual(rb, '\n'); err != nil {
		return "", nil, err
	}

	return method, u, nil
}

// Read reads a full request (request line, headers, body) from rb.
func (req *Request) Read(rb *bufio.Reader) error {
	method, u, err := ReadRequestLine(rb)
	if err != nil {
		return err
	}
	req.Method = method
	req.URL = u
	req.Path, req.Query = u.RTSPPathAndQuery()

	req.Header = make(Header)
	if err := req.Header.read(rb); err != nil {
		return err
	}

	req.Body, err = readBody(rb, req.Header)
	if err != nil {
		return err
	}

	return nil
}

// Write writes the request to bw.
func (req *Request) Write(bw *bufio.Writer) error {
	url := "*"
	if req.URL != nil && req.URL.Path != "" {
		url = req.URL.CloneWithoutCredentials().String()
	}

	if _, err := bw.WriteString(string(req.Method) + " " + url + " " + rtspProtocol10 + "\r\n"); err != nil {
		return err
	}

	if len(req.Body) > 0 {
		req.Header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}

	if err := req.Header.write(bw); err != nil {
		return err
	}

	if err := writeBody(bw, req.Body); err != nil {
		return err
	}

	return bw.Flush()
}
