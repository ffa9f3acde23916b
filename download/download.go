// Package download implements the parallel HTTPS downloader (C8): per-host
// rate-ranked URL ordering, sequential per-URL fallback, slow-link
// cancellation, checksum verification, and rate feedback into C3. Downloads
// are not resumed: each attempt rewrites the file from its first byte.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package download

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/semaphore"

	"github.com/esgf-go/esgcat/logging"
	"github.com/esgf-go/esgcat/ratestore"
	"github.com/esgf-go/esgcat/record"
)

// ErrStalledDownload marks a URL abandoned because its running rate fell
// below the configured threshold, per §7 "StalledDownload".
var ErrStalledDownload = errors.New("download stalled below rate threshold")

const chunkSize = 1024 // ~1 KiB, per spec §4.8 step 2

// ProgressFunc is invoked after each chunk is written, letting a caller
// drive a progress bar without this package depending on a terminal UI.
type ProgressFunc func(key string, bytesSoFar, total int64)

// Options configures a Downloader.
type Options struct {
	LocalCacheDir         string // download target; LocalCache[0] per §4.7
	NumThreads            int
	SlowDownloadThreshold float64 // Mb/s; <= 0 disables the check
	Progress              ProgressFunc
	Logger                *logging.Logger
	Rates                 *ratestore.Store
}

// Downloader fetches http FileInfos, one worker per file up to NumThreads.
type Downloader struct {
	opts    Options
	client  *fasthttp.Client
	metrics *metrics
}

type metrics struct {
	bytes    prometheus.Counter
	files    prometheus.Counter
	failures prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		bytes:    prometheus.NewCounter(prometheus.CounterOpts{Name: "esgcat_download_bytes_total", Help: "Bytes downloaded."}),
		files:    prometheus.NewCounter(prometheus.CounterOpts{Name: "esgcat_download_files_total", Help: "Files downloaded successfully."}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{Name: "esgcat_download_failures_total", Help: "Files whose every URL failed."}),
	}
}

// New constructs a Downloader. Callers that want the counters exported
// should register them with a prometheus.Registerer.
func New(opts Options) *Downloader {
	return &Downloader{opts: opts, client: &fasthttp.Client{StreamResponseBody: true}, metrics: newMetrics()}
}

// Collectors exposes the downloader's prometheus counters for registration.
func (d *Downloader) Collectors() []prometheus.Collector {
	return []prometheus.Collector{d.metrics.bytes, d.metrics.files, d.metrics.failures}
}

// Fetch downloads every file, returning key -> local path for files that
// succeeded. A file whose every URL failed is simply absent from the
// result, per §4.8 step 4 ("downstream treats as missing").
func (d *Downloader) Fetch(ctx context.Context, files []record.FileInfo) (map[string]string, error) {
	workers := d.opts.NumThreads
	if workers < 1 {
		workers = 1
	}
	if workers > len(files) {
		workers = len(files)
	}
	if workers < 1 {
		workers = 1 // len(files) was 0; Acquire/loop below simply never iterate
	}
	sem := semaphore.NewWeighted(int64(workers))

	results := make(chan struct {
		key  string
		path string
		ok   bool
	}, len(files))

	for _, fi := range files {
		fi := fi
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer sem.Release(1)
			path, ok := d.fetchOne(ctx, fi)
			results <- struct {
				key  string
				path string
				ok   bool
			}{fi.Key, path, ok}
		}()
	}

	out := make(map[string]string, len(files))
	for range files {
		r := <-results
		if r.ok {
			out[r.key] = r.path
		}
	}
	return out, nil
}

// fetchOne implements §4.8's per-file algorithm: rate-ranked URL ordering,
// sequential fallback, slow-link cancellation, checksum verification.
func (d *Downloader) fetchOne(ctx context.Context, fi record.FileInfo) (string, bool) {
	urls := rankedURLs(fi.HTTPServer, d.opts.Rates)
	dest := filepath.Join(d.opts.LocalCacheDir, fi.Path)

	for _, url := range urls {
		path, err := d.tryURL(ctx, fi, url, dest)
		if err == nil {
			d.metrics.files.Inc()
			return path, true
		}
		if d.opts.Logger != nil {
			d.opts.Logger.Warn("%s: %v", url, err)
		}
	}
	d.metrics.failures.Inc()
	return "", false
}

func rankedURLs(urls []string, rates *ratestore.Store) []string {
	out := append([]string{}, urls...)
	var rateMap map[string]float64
	if rates != nil {
		rateMap, _ = rates.Rates(ratestore.WindowNone, 0)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return ratestore.RankLink(out[i], rateMap) > ratestore.RankLink(out[j], rateMap)
	})
	return out
}

// tryURL streams one URL to dest, enforcing the slow-download threshold and
// verifying the checksum on completion.
func (d *Downloader) tryURL(ctx context.Context, fi record.FileInfo, url, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errors.Wrap(err, "creating cache directory")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	out, err := os.Create(dest)
	if err != nil {
		return "", errors.Wrap(err, "creating destination file")
	}
	defer out.Close()

	h := checksumHash(fi.Checksum)
	var written io.Writer = out
	if h != nil {
		written = io.MultiWriter(out, h)
	}

	urlStart := time.Now()
	var bytesSoFar int64

	if err := d.client.Do(req, resp); err != nil {
		os.Remove(dest)
		return "", errors.Wrapf(err, "fetching %s", url)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		os.Remove(dest)
		return "", errors.Errorf("fetching %s: status %d", url, resp.StatusCode())
	}

	err = streamInChunks(resp.BodyStream(), written, func(n int64) error {
		bytesSoFar += n
		if d.opts.Progress != nil {
			d.opts.Progress(fi.Key, bytesSoFar, fi.Size)
		}
		if d.opts.SlowDownloadThreshold > 0 {
			elapsed := time.Since(urlStart).Seconds()
			if elapsed > 0 {
				mbps := (float64(bytesSoFar) * 8e-6) / elapsed
				if mbps < d.opts.SlowDownloadThreshold {
					return errors.Wrapf(ErrStalledDownload, "%s: %.3f Mb/s under %.3f", url, mbps, d.opts.SlowDownloadThreshold)
				}
			}
		}
		return nil
	})
	if err != nil {
		os.Remove(dest)
		return "", err
	}

	if fi.Checksum != nil {
		if got := hashSum(h); !strings.EqualFold(got, fi.Checksum.Value) {
			os.Remove(dest)
			return "", errors.Errorf("checksum mismatch for %s: got %s want %s", url, got, fi.Checksum.Value)
		}
	}

	elapsed := time.Since(urlStart)
	mb := float64(bytesSoFar) / 1e6
	if d.opts.Rates != nil {
		if err := d.opts.Rates.Record(ratestore.HostOf(url), elapsed, mb); err != nil && d.opts.Logger != nil {
			d.opts.Logger.Warn("recording transfer rate for %s: %v", url, err)
		}
	}
	d.metrics.bytes.Add(float64(bytesSoFar))
	return dest, nil
}

// streamInChunks copies from r to w in chunkSize pieces, invoking onChunk
// after each write; onChunk returning an error aborts the copy.
func streamInChunks(r io.Reader, w io.Writer, onChunk func(n int64) error) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "writing chunk")
			}
			if cerr := onChunk(int64(n)); cerr != nil {
				return cerr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading chunk")
		}
	}
}

func checksumHash(c *record.Checksum) hash.Hash {
	if c == nil {
		return nil
	}
	switch strings.ToUpper(c.Algorithm) {
	case "SHA256":
		return sha256.New()
	case "SHA512":
		return sha512.New()
	case "MD5":
		return md5.New()
	case "BLAKE2B":
		h, _ := blake2b.New256(nil)
		return h
	default:
		return nil
	}
}

func hashSum(h hash.Hash) string {
	if h == nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
