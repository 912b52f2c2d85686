package getext

import (
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sort"
	"strings"
)

// DeduplicationKeyFunc builds a key identifying identical in-flight requests.
// It sees the request after the delegate prepared the first attempt.
type DeduplicationKeyFunc func(*http.Request) string

// DeduplicationCondition decides whether a request is eligible for de-duplication.
type DeduplicationCondition func(*http.Request) bool

// DefaultDeduplicationKeyFunc hashes the method, the URL, the request
// headers and, for POST, PUT and PATCH, the body. The request id header is
// left out so correlated callers can still share a call.
func DefaultDeduplicationKeyFunc(req *http.Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.URL.String()))
	h.Write([]byte{0})
	h.Write(headerDigest(req.Header))

	if req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch {
		bodyHash := sha256.New()
		if req.GetBody != nil {
			if body, err := req.GetBody(); err == nil {
				_, _ = io.Copy(bodyHash, body)
				_ = body.Close()
			}
		}
		h.Write(bodyHash.Sum(nil))
	}

	return fmt.Sprintf("%x", h.Sum64())
}

// DefaultDeduplicationCondition enables de-duplication for safe methods.
func DefaultDeduplicationCondition(req *http.Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions
}

// headerDigest hashes header in canonical key order.
func headerDigest(header http.Header) []byte {
	keys := make([]string, 0, len(header))
	for k := range header {
		if http.CanonicalHeaderKey(k) == http.CanonicalHeaderKey(HeaderXRequestID) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(http.CanonicalHeaderKey(k)))
		h.Write([]byte{':'})
		h.Write([]byte(strings.Join(header[k], "\x00")))
		h.Write([]byte{'\n'})
	}
	return h.Sum(nil)
}
