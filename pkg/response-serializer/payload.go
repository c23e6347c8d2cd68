package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Payload is a complete HTTP response: status, headers and body.
// The body is opaque to the cache.
type Payload struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is a success (2xx).
func (p Payload) OK() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300
}

// Clone returns a deep copy, so annotating a served payload never alters a stored one.
func (p Payload) Clone() Payload {
	return Payload{
		StatusCode: p.StatusCode,
		Header:     p.Header.Clone(),
		Body:       append([]byte(nil), p.Body...),
	}
}

// Response converts the payload to a http.Response for the given request.
func (p Payload) Response(req *http.Request) *http.Response {
	header := p.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", p.StatusCode, http.StatusText(p.StatusCode)),
		StatusCode:    p.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(p.Body)),
		ContentLength: int64(len(p.Body)),
		Request:       req,
	}
}

// FromResponse reads the whole response body and closes it.
func FromResponse(res *http.Response) (Payload, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Payload{}, err
	}
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return Payload{StatusCode: res.StatusCode, Header: header, Body: body}, nil
}

// PayloadToBytes returns the HTTP/1.1 representation of the payload.
func PayloadToBytes(p Payload) ([]byte, error) {
	res := p.Response(nil)
	// the body length is known, never chunk
	res.TransferEncoding = nil
	res.Header.Set("Content-Length", strconv.Itoa(len(p.Body)))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToPayload parses bytes written by PayloadToBytes.
func BytesToPayload(b []byte) (Payload, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Payload{}, err
	}
	return FromResponse(res)
}
