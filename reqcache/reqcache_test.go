package reqcache_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/esgf-go/esgcat/config"
	"github.com/esgf-go/esgcat/reqcache"
)

func TestCacheServesSecondRequestWithoutHittingBackend(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c, err := reqcache.New(t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := &http.Client{Transport: c}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "hello" {
			t.Errorf("body = %q, want hello", body)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("backend hits = %d, want 1 (cached after first request)", got)
	}
}

func TestCacheExpireImmediatelyAlwaysHitsBackend(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	c, err := reqcache.New(t.TempDir(), config.ExpireImmediately, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := &http.Client{Transport: c}
	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		resp.Body.Close()
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("backend hits = %d, want 2 (never cached)", got)
	}
}

func TestDoFastHTTPServesSecondRequestWithoutHittingBackend(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c, err := reqcache.New(t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := &fasthttp.Client{}

	for i := 0; i < 3; i++ {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		req.SetRequestURI(srv.URL)
		req.Header.SetMethod(fasthttp.MethodGet)

		if err := c.DoFastHTTP(client, req, resp); err != nil {
			t.Fatalf("DoFastHTTP: %v", err)
		}
		if string(resp.Body()) != "hello" {
			t.Errorf("body = %q, want hello", resp.Body())
		}
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("backend hits = %d, want 1 (cached after first request)", got)
	}
}

func TestDoFastHTTPNeverCachesPostRequests(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	c, err := reqcache.New(t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := &fasthttp.Client{}

	for i := 0; i < 2; i++ {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		req.SetRequestURI(srv.URL)
		req.Header.SetMethod(fasthttp.MethodPost)

		if err := c.DoFastHTTP(client, req, resp); err != nil {
			t.Fatalf("DoFastHTTP: %v", err)
		}
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("backend hits = %d, want 2 (POST is never cached)", got)
	}
}

func TestDoFastHTTPNilCacheFallsThroughToClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var c *reqcache.Cache
	client := &fasthttp.Client{}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(srv.URL)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.DoFastHTTP(client, req, resp); err != nil {
		t.Fatalf("DoFastHTTP: %v", err)
	}
	if string(resp.Body()) != "ok" {
		t.Errorf("body = %q, want ok", resp.Body())
	}
}
