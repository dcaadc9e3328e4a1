// Package keys canonicalizes requests into the cache and rate-limit keys
// shared by every backend. A request maps to one fingerprint (method +
// normalized URL + body hash for body-bearing methods) which addresses its
// cache entry and its endpoint-scoped limiter state; host and global limiter
// keys are derived from the same normalization.
package keys

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// RequestKeys holds every key a single request can touch. Scopes are ordered
// the way the limiter evaluates them: global, then host, then endpoint.
type RequestKeys struct {
	Fingerprint string
	Cache       string
	Scopes      []string
}

// bodyMethods are the methods whose semantics include a request body; only
// these fold the body hash into the fingerprint.
var bodyMethods = map[string]bool{
	"POST":  true,
	"PUT":   true,
	"PATCH": true,
}

// Fingerprint computes the canonical deterministic identifier for a request.
func Fingerprint(method, rawURL string, body []byte) (string, error) {
	method = strings.ToUpper(method)
	norm, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}
	fp := method + " " + norm
	if len(body) > 0 && bodyMethods[method] {
		// A native 16-byte BLAKE2b digest; the requested length seeds the
		// parameter block, so truncating a longer digest would not match.
		h, err := blake2b.New(16, nil)
		if err != nil {
			return "", err
		}
		h.Write(body)
		fp += " " + hex.EncodeToString(h.Sum(nil))
	}
	return fp, nil
}

// Derive computes the cache key and the enabled limiter scope keys for a
// request under the given namespace prefix.
func Derive(prefix, method, rawURL string, body []byte, perHost, perEndpoint bool) (RequestKeys, error) {
	fp, err := Fingerprint(method, rawURL, body)
	if err != nil {
		return RequestKeys{}, err
	}
	k := RequestKeys{
		Fingerprint: fp,
		Cache:       prefix + ":cache:" + fp,
		Scopes:      []string{prefix + ":ratelimit:global"},
	}
	if perHost {
		u, err := url.Parse(rawURL)
		if err != nil {
			return RequestKeys{}, err
		}
		k.Scopes = append(k.Scopes, prefix+":ratelimit:host:"+strings.ToLower(u.Hostname()))
	}
	if perEndpoint {
		k.Scopes = append(k.Scopes, prefix+":ratelimit:endpoint:"+fp)
	}
	return k, nil
}

// defaultPorts maps schemes to the port elided during normalization.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Normalize canonicalizes a URL: lowercase scheme and host, default port
// elided, path percent-decoded for unreserved characters only, query
// parameters sorted lexicographically, fragment stripped.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port != "" && port != defaultPorts[scheme] {
		host += ":" + port
	}

	path := normalizeEscapes(u.EscapedPath())
	if path == "" {
		path = "/"
	}

	out := scheme + "://" + host + path
	if q := sortedQuery(u.RawQuery); q != "" {
		out += "?" + q
	}
	return out, nil
}

// sortedQuery re-encodes a raw query with keys (and values per key) in
// lexicographic order.
func sortedQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// Unparseable queries participate verbatim so the fingerprint
		// stays deterministic.
		return rawQuery
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// normalizeEscapes decodes %XX sequences that encode unreserved characters
// and uppercases the hex digits of those that remain encoded.
func normalizeEscapes(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '%' && i+2 < len(path) {
			hi, ok1 := hexVal(path[i+1])
			lo, ok2 := hexVal(path[i+2])
			if ok1 && ok2 {
				decoded := hi<<4 | lo
				if isUnreserved(decoded) {
					b.WriteByte(decoded)
				} else {
					b.WriteByte('%')
					b.WriteString(strings.ToUpper(path[i+1 : i+3]))
				}
				i += 2
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
