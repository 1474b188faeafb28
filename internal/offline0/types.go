package offline0

import (
	"errors"
	"hash/crc32"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrQuotaExceeded = errors.New("offline0: storage quota exceeded")
	ErrInstallFailed = errors.New("offline0: install failed")
	ErrNoController  = errors.New("offline0: no active controller")
)

// CacheEntry is the persisted form of a captured response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// ResponseType mirrors the visibility of a fetched response. Only basic
// responses are ever written to a cache.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
	URL    string
}

// Clone returns a copy that shares no mutable state with r, so the stored copy
// and the copy written to the client are independent reads of one payload.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		Status: r.Status,
		Header: cloneHeader(r.Header),
		Body:   body,
		Type:   r.Type,
		URL:    r.URL,
	}
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Cacheable reports whether r may be persisted: status 200 and same-origin
// basic visibility.
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic
}

func (r *Response) entry() CacheEntry {
	c := r.Clone()
	return CacheEntry{
		Status:   c.Status,
		Header:   c.Header,
		Body:     c.Body,
		URL:      c.URL,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(c.Body),
	}
}

func responseFromEntry(ent CacheEntry) *Response {
	r := &Response{
		Status: ent.Status,
		Header: ent.Header,
		Body:   ent.Body,
		Type:   TypeBasic,
		URL:    ent.URL,
	}
	return r.Clone()
}

// Request describes an outbound resource request from the page.
type Request struct {
	Method string
	URL    *url.URL // always absolute
	Header http.Header
	Body   []byte
}

// NewRequest parses rawURL, which must be absolute.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, errors.New("offline0: request url must be absolute: " + rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: method, URL: u, Header: make(http.Header)}, nil
}

// Key is the request identity used by caches: method plus absolute URL.
func (r *Request) Key() string {
	return requestKey(r.Method, r.URL.String())
}

// Destination is the browser's Sec-Fetch-Dest hint, lower-cased.
func (r *Request) Destination() string {
	if r.Header == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
}

// resolvePath resolves an app path (or absolute URL) against origin.
func resolvePath(origin *url.URL, p string) string {
	ref, err := url.Parse(p)
	if err != nil {
		return strings.TrimRight(origin.String(), "/") + p
	}
	return origin.ResolveReference(ref).String()
}

func requestKey(method, absURL string) string {
	return strings.ToUpper(method) + " " + absURL
}

// Outcome describes how a response was produced. It is exposed to clients as
// the X-Offline0 header.
type Outcome string

const (
	OutcomeHit              Outcome = "hit"
	OutcomeMiss             Outcome = "miss"
	OutcomeNetwork          Outcome = "network"
	OutcomeCacheFallback    Outcome = "cache-fallback"
	OutcomeDocumentFallback Outcome = "document-fallback"
	OutcomeBypass           Outcome = "bypass"
	OutcomeIgnoreByCookie   Outcome = "ignore-by-cookie"
	OutcomeCrossOrigin      Outcome = "cross-origin"
	OutcomeNoController     Outcome = "no-controller"
	OutcomeBadGateway       Outcome = "bad-gateway"
)

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
