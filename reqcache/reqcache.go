// Package reqcache wraps idempotent HTTP GETs with a process-wide,
// TTL-governed cache (C4), shared by every index driver's HTTP session.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package reqcache

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	xxhash "github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/esgf-go/esgcat/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// entry is the decoded sidecar header stored next to each cached body.
type entry struct {
	Status   int           `json:"status"`
	Header   http.Header   `json:"header"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

func (e *entry) expired(now time.Time) bool {
	switch e.TTL {
	case config.NeverExpire:
		return false
	case config.DoNotCache, config.ExpireImmediately:
		return true
	default:
		return now.Sub(e.StoredAt) > e.TTL
	}
}

// Cache is an http.RoundTripper decorator that serves cached bodies for
// GET requests within TTL, and otherwise delegates to an underlying
// transport and stores the result. Reads never block each other; writes to
// the same key are serialized by a per-key lock, per spec §4.4/§5.
type Cache struct {
	dir       string
	ttl       time.Duration
	next      http.RoundTripper
	writeLock sync.Map // key string -> *sync.Mutex

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New builds a Cache rooted at dir with the given default TTL, wrapping
// next (or http.DefaultTransport if nil).
func New(dir string, ttl time.Duration, next http.RoundTripper) (*Cache, error) {
	if next == nil {
		next = http.DefaultTransport
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating cache dir %s", dir)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd decoder")
	}
	return &Cache{dir: dir, ttl: ttl, next: next, encoder: enc, decoder: dec}, nil
}

// key derives a cache key from method+URL+sorted query+headers relevant to
// content negotiation, hashed with xxhash for a short, filesystem-safe name.
func (c *Cache) key(req *http.Request) string {
	headers := make(map[string]string, 2)
	for _, h := range []string{"Accept", "Accept-Encoding"} {
		headers[h] = req.Header.Get(h)
	}
	return computeKey(req.Method, req.URL.Scheme, req.URL.Host, req.URL.Path, req.URL.Query(), headers)
}

// keyFastHTTP is the fasthttp.Request equivalent of key, used by DoFastHTTP
// since fasthttp requests don't implement http.Request.
func (c *Cache) keyFastHTTP(req *fasthttp.Request) string {
	uri := req.URI()
	q := make(url.Values)
	uri.QueryArgs().VisitAll(func(k, v []byte) {
		q.Add(string(k), string(v))
	})
	headers := make(map[string]string, 2)
	for _, h := range []string{"Accept", "Accept-Encoding"} {
		headers[h] = string(req.Header.Peek(h))
	}
	return computeKey(string(req.Header.Method()), string(uri.Scheme()), string(uri.Host()), string(uri.Path()), q, headers)
}

// computeKey is the shared method+URL+sorted-query+header hashing logic
// behind both key and keyFastHTTP.
func computeKey(method, scheme, host, path string, query url.Values, headers map[string]string) string {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte('\n')
	buf.WriteString(scheme)
	buf.WriteString("://")
	buf.WriteString(host)
	buf.WriteString(path)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		buf.WriteString(k)
		buf.WriteByte('=')
		for _, v := range vals {
			buf.WriteString(v)
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	for _, h := range []string{"Accept", "Accept-Encoding"} {
		buf.WriteString(h)
		buf.WriteByte('=')
		buf.WriteString(headers[h])
		buf.WriteByte('\n')
	}
	sum := xxhash.Checksum64(buf.Bytes())
	return strconv.FormatUint(sum, 36)
}

func (c *Cache) bodyPath(key string) string   { return filepath.Join(c.dir, key+".body.zst") }
func (c *Cache) headerPath(key string) string { return filepath.Join(c.dir, key+".json") }

func (c *Cache) lockFor(key string) *sync.Mutex {
	v, _ := c.writeLock.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RoundTrip serves GET requests from the cache when a fresh entry exists,
// and otherwise performs and caches the request. Non-GET requests always
// pass through uncached, since the cache only covers idempotent GETs.
func (c *Cache) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || c.ttl == config.DoNotCache {
		return c.next.RoundTrip(req)
	}

	key := c.key(req)
	if resp := c.load(key, req); resp != nil {
		return resp, nil
	}

	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	// Another writer may have populated the cache while we waited for the lock.
	if resp := c.load(key, req); resp != nil {
		return resp, nil
	}

	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if c.ttl != config.ExpireImmediately {
		if storeErr := c.store(key, resp); storeErr != nil {
			return resp, nil // serving the live response still succeeds
		}
		return c.load(key, req), nil
	}
	return resp, nil
}

func (c *Cache) load(key string, req *http.Request) *http.Response {
	hdrData, err := os.ReadFile(c.headerPath(key))
	if err != nil {
		return nil
	}
	var e entry
	if err := json.Unmarshal(hdrData, &e); err != nil {
		return nil
	}
	if e.expired(time.Now()) {
		return nil
	}
	bodyData, err := os.ReadFile(c.bodyPath(key))
	if err != nil {
		return nil
	}
	body, err := c.decoder.DecodeAll(bodyData, nil)
	if err != nil {
		return nil
	}
	return &http.Response{
		StatusCode: e.Status,
		Header:     e.Header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    req,
	}
}

func (c *Cache) store(key string, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	e := entry{Status: resp.StatusCode, Header: resp.Header, StoredAt: time.Now(), TTL: c.ttl}
	hdrData, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	compressed := c.encoder.EncodeAll(body, nil)

	if err := os.WriteFile(c.bodyPath(key), compressed, 0o644); err != nil {
		return err
	}
	return os.WriteFile(c.headerPath(key), hdrData, 0o644)
}

// DoFastHTTP is the fasthttp equivalent of RoundTrip: fasthttp.Client.Do has
// no http.RoundTripper hook, so the index drivers (built entirely around
// fasthttp request/response types) route their GETs through this method
// instead of RoundTrip. Caching semantics mirror RoundTrip exactly, modulo
// the fasthttp request/response shapes.
func (c *Cache) DoFastHTTP(client *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response) error {
	if c == nil || !req.Header.IsGet() || c.ttl == config.DoNotCache {
		return client.Do(req, resp)
	}

	key := c.keyFastHTTP(req)
	if c.loadFastHTTP(key, resp) {
		return nil
	}

	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	// Another writer may have populated the cache while we waited for the lock.
	if c.loadFastHTTP(key, resp) {
		return nil
	}

	if err := client.Do(req, resp); err != nil {
		return err
	}
	if c.ttl != config.ExpireImmediately {
		_ = c.storeFastHTTP(key, resp)
	}
	return nil
}

func (c *Cache) loadFastHTTP(key string, resp *fasthttp.Response) bool {
	hdrData, err := os.ReadFile(c.headerPath(key))
	if err != nil {
		return false
	}
	var e entry
	if err := json.Unmarshal(hdrData, &e); err != nil {
		return false
	}
	if e.expired(time.Now()) {
		return false
	}
	bodyData, err := os.ReadFile(c.bodyPath(key))
	if err != nil {
		return false
	}
	body, err := c.decoder.DecodeAll(bodyData, nil)
	if err != nil {
		return false
	}
	resp.Reset()
	resp.SetStatusCode(e.Status)
	for h, vals := range e.Header {
		for _, v := range vals {
			resp.Header.Add(h, v)
		}
	}
	resp.SetBody(body)
	return true
}

func (c *Cache) storeFastHTTP(key string, resp *fasthttp.Response) error {
	body := append([]byte(nil), resp.Body()...)

	header := make(http.Header)
	resp.Header.VisitAll(func(k, v []byte) {
		header.Add(string(k), string(v))
	})
	e := entry{Status: resp.StatusCode(), Header: header, StoredAt: time.Now(), TTL: c.ttl}
	hdrData, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	compressed := c.encoder.EncodeAll(body, nil)

	if err := os.WriteFile(c.bodyPath(key), compressed, 0o644); err != nil {
		return err
	}
	return os.WriteFile(c.headerPath(key), hdrData, 0o644)
}
