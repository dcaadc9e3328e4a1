package models

import (
	"net/http"
	"time"
)

// Request describes a single HTTP request to dispatch. It is immutable once
// handed to the session; the dispatch loop never modifies it.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// Timeout bounds the transport call and any admission waits for this
	// request. Zero means the session default applies.
	Timeout time.Duration
}

// NewRequest creates a request for the given method and url. Use the struct
// literal directly for anything richer.
func NewRequest(method, url string) *Request {
	return &Request{Method: method, URL: url}
}
