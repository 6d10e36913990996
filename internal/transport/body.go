package transport

import "bytes"

// newJSONBody wraps a pre-encoded JSON string in a seekable reader so the
// retry loop can rewind it between attempts.
func newJSONBody(s string) *bytes.Reader {
	return bytes.NewReader([]byte(s))
}

// newBytesBody wraps a byte slice in a seekable reader.
func newBytesBody(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
