package worker

import (
	"net/http"
	"strconv"
	"time"

	"vtedge/internal/store"
)

// CacheTimeHeader carries the epoch milliseconds at which an entry was
// written through the cache path.
const CacheTimeHeader = "X-Sw-Cache-Time"

// Response is a fully buffered HTTP response. A zero Status marks a network
// error response: the request could not be answered at all.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NetworkError is the response equivalent of a failed fetch.
func NetworkError() *Response {
	return &Response{Header: make(http.Header)}
}

func (r *Response) IsNetworkError() bool { return r == nil || r.Status == 0 }

func (r *Response) OK() bool { return r != nil && r.Status >= 200 && r.Status < 300 }

// Clone returns a response that shares nothing with r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{Status: r.Status, Header: r.Header.Clone()}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

func (r *Response) record() store.Record {
	return store.Record{Status: r.Status, Header: r.Header, Body: r.Body}
}

func fromRecord(rec store.Record) *Response {
	h := rec.Header
	if h == nil {
		h = make(http.Header)
	}
	return &Response{Status: rec.Status, Header: h, Body: rec.Body}
}

// Entry is a cached response together with the time it was stored.
type Entry struct {
	Key      string
	Response *Response
	// StoredAt is zero when the response carries no cache-time header.
	StoredAt time.Time
}

func newEntry(key string, resp *Response) *Entry {
	e := &Entry{Key: key, Response: resp}
	if ms, err := strconv.ParseInt(resp.Header.Get(CacheTimeHeader), 10, 64); err == nil && ms > 0 {
		e.StoredAt = time.UnixMilli(ms)
	}
	return e
}
