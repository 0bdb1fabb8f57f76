package base

import (
	"bufio"
	"fmt"
)

// readBytesLimited reads from rb until delim is found, enforcing maxLen on
// the number of bytes read including the delimiter. This keeps the request
// line / URL / version tokens bounded even before the header block is
// reached, so a malformed or hostile client can never force unbounded
// allocation.
func readBytesLimited(rb *bufio.Reader, delim byte, maxLen int) ([]byte, error) {
	for i := 1; i <= maxLen; i++ {
		byts, err := rb.Peek(i)
		if err != nil {
			return nil, err
		}

		if byts[i-1] == delim {
			rb.Discard(i) //nolint:errcheck
			return byts, nil
		}
	}

	return nil, fmt.Errorf("token exceeds maximum length of %d", maxLen)
}

func readByteEqual(rb *bufio.Reader, expected byte) error {
	byt, err := rb.ReadByte()
	if err != nil {
		return err
	}

	if byt != expected {
		return fmt.Errorf("expected %q, got %q", expected, byt)
	}

	return nil
}
