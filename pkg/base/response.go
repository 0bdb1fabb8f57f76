package base

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Response is a RTSP response.
type Response struct {
	StatusCode StatusCode
	Reason     string
	Header     Header
	Body       []byte
}

// NewResponse allocates a Response with an empty Header map and the
// standard reason phrase for code.
func NewResponse(code StatusCode) *Response {
	return &Response{
		StatusCode: code,
		Reason:     code.String(),
		Header:     make(Header),
	}
}

// Read reads a response from rb. Only used by tests exercising the wire
// format end to end; the server itself only ever writes responses.
func (res *Response) Read(rb *bufio.Reader) error {
	byts, err := readBytesLimited(rb, ' ', 32)
	if err != nil {
		return err
	}
	proto := string(byts[:len(byts)-1])
	if proto != rtspProtocol10 {
		return fmt.Errorf("unsupported version %q", proto)
	}

	byts, err = readBytesLimited(rb, ' ', 16)
	if err != nil {
		return err
	}
	code, err := strconv.ParseInt(string(byts[:len(byts)-1]), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid status code: %w", err)
	}
	res.StatusCode = StatusCode(code)

	byts, err = readBytesLimited(rb, '\r', 256)
	if err != nil {
		return err
	}
	res.Reason = string(byts[:len(byts)-1])

	if err := readByteEqual(rb, '\n'); err != nil {
		return err
	}

	res.Header = make(Header)
	if err := res.Header.read(rb); err != nil {
		return err
	}

	res.Body, err = readBody(rb, res.Header)
	return err
}

// Write serialises the response to bw. Callers are expected to have set
// CSeq, Server, Session (when applicable) and Content-Type (on DESCRIBE)
// before calling Write; Content-Length is filled in automatically for any
// non-empty body.
func (res *Response) Write(bw *bufio.Writer) error {
	if res.Reason == "" {
		res.Reason = res.StatusCode.String()
	}

	line := rtspProtocol10 + " " + strconv.Itoa(int(res.StatusCode)) + " " + res.Reason + "\r\n"
	if _, err := bw.WriteString(line); err != nil {
		return err
	}

	if res.Header == nil {
		res.Header = make(Header)
	}

	if len(res.Body) > 0 {
		res.Header.Set("Content-Length", strconv.Itoa(len(res.Body)))
	}

	if err := res.Header.write(bw); err != nil {
		return err
	}

	if err := writeBody(bw, res.Body); err != nil {
		return err
	}

	return bw.Flush()
}

// String renders the response the way it would appear on the wire, used by
// tests that assert on literal bytes.
func (res *Response) String() string {
	var sb strings.Builder
	bw := bufio.NewWriter(&sb)
	_ = res.Write(bw)
	return sb.String()
}
