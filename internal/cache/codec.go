package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"sessions/internal/models"
)

// Cached responses are serialized with a compact length-prefixed binary
// encoding rather than JSON so bodies are not re-parsed on every hit and
// binary-safe header values survive the round-trip intact.

const codecVersion = 1

var errTruncated = errors.New("truncated cache entry")

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// Encode serializes a response: status, headers, body and the originating
// request's method and URL.
func Encode(resp *models.Response) []byte {
	buf := make([]byte, 0, 64+len(resp.Body))
	buf = append(buf, codecVersion)
	buf = binary.AppendUvarint(buf, uint64(resp.Status))

	// Deterministic header order keeps encodings of equal responses equal.
	names := make([]string, 0, len(resp.Headers))
	for name := range resp.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	buf = binary.AppendUvarint(buf, uint64(len(names)))
	for _, name := range names {
		values := resp.Headers[name]
		buf = appendString(buf, name)
		buf = binary.AppendUvarint(buf, uint64(len(values)))
		for _, v := range values {
			buf = appendString(buf, v)
		}
	}

	buf = appendBytes(buf, resp.Body)

	var method, url string
	if resp.Request != nil {
		method = resp.Request.Method
		url = resp.Request.URL
	}
	buf = appendString(buf, method)
	buf = appendString(buf, url)
	return buf
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, errTruncated
	}
	r.off += n
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)-r.off) < n {
		return nil, errTruncated
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

// Decode deserializes a cache entry back into a Response. The decoded JSON
// payload is not stored; Response.JSON recomputes it on demand.
func Decode(data []byte) (*models.Response, error) {
	if len(data) == 0 || data[0] != codecVersion {
		return nil, fmt.Errorf("unsupported cache entry version")
	}
	r := &reader{buf: data, off: 1}

	status, err := r.uvarint()
	if err != nil {
		return nil, err
	}

	headerCount, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	headers := make(http.Header, headerCount)
	for i := uint64(0); i < headerCount; i++ {
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		valueCount, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		values := make([]string, 0, valueCount)
		for j := uint64(0); j < valueCount; j++ {
			v, err := r.string()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		headers[name] = values
	}

	body, err := r.bytes()
	if err != nil {
		return nil, err
	}
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)

	method, err := r.string()
	if err != nil {
		return nil, err
	}
	url, err := r.string()
	if err != nil {
		return nil, err
	}

	resp := &models.Response{
		Status:    int(status),
		Headers:   headers,
		Body:      bodyCopy,
		FromCache: true,
	}
	if method != "" || url != "" {
		resp.Request = &models.Request{Method: method, URL: url}
	}
	return resp, nil
}
