// Package ratestore persists a history of (host, elapsed, bytes) transfer
// measurements and answers per-host mean-rate queries used to order
// candidate download links and bulk-transfer endpoints (C3).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ratestore

import (
	"database/sql"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// Window bounds how far back a Rates query looks.
type Window int

const (
	WindowNone Window = iota
	WindowDay
	WindowWeek
	WindowMonth
)

func (w Window) clause() string {
	switch w {
	case WindowDay:
		return "AND timestamp > datetime('now', 'localtime', '-1 day')"
	case WindowWeek:
		return "AND timestamp > datetime('now', 'localtime', '-7 day')"
	case WindowMonth:
		return "AND timestamp > datetime('now', 'localtime', '-1 month')"
	default:
		return ""
	}
}

// schema is the literal table this store maintains, reproducing spec §4.3 /
// §3 exactly: one row per measurement, appended only, never mutated.
const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	timestamp         TEXT NOT NULL DEFAULT (datetime('now', 'localtime')),
	host              TEXT NOT NULL,
	transfer_time     REAL NOT NULL,
	transfer_size_mb  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_host ON downloads(host);
CREATE INDEX IF NOT EXISTS idx_downloads_timestamp ON downloads(timestamp);
`

// Store is a single-file embedded relational transfer-rate history. The
// pool is limited to a single open connection so sqlite's single-writer
// constraint is never violated; reads and writes therefore take turns on
// that one connection.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and opens the sqlite file at path with
// foreign keys on, per spec §4.3.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating directory for %s", path)
		}
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	db.SetMaxOpenConns(1) // sqlite allows exactly one writer at a time
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record appends a single measurement. Host is either the hostname of an
// HTTP URL or a bulk-transfer endpoint UUID; both share this table because
// their downstream use (ranking candidates) is identical.
func (s *Store) Record(host string, elapsed time.Duration, mb float64) error {
	_, err := s.db.Exec(
		`INSERT INTO downloads (host, transfer_time, transfer_size_mb) VALUES (?, ?, ?)`,
		host, elapsed.Seconds(), mb,
	)
	return errors.Wrap(err, "recording transfer measurement")
}

// HostRate is one row of a Rates() result.
type HostRate struct {
	Host string
	Rate float64 // Mb/s
}

// Rates returns the mean Mb/s (sum(size)/sum(time)) per host, restricted to
// rows with transfer_size_mb > minSizeMB and, if window is not WindowNone,
// whose timestamp falls inside that window.
func (s *Store) Rates(window Window, minSizeMB float64) (map[string]float64, error) {
	q := `
		SELECT host, SUM(transfer_size_mb) AS size, SUM(transfer_time) AS secs
		FROM downloads
		WHERE transfer_size_mb > ? ` + window.clause() + `
		GROUP BY host`
	rows, err := s.db.Query(q, minSizeMB)
	if err != nil {
		return nil, errors.Wrap(err, "querying rates")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var host string
		var size, secs float64
		if err := rows.Scan(&host, &size, &secs); err != nil {
			return nil, errors.Wrap(err, "scanning rate row")
		}
		if secs > 0 {
			out[host] = size / secs
		}
	}
	return out, errors.Wrap(rows.Err(), "iterating rate rows")
}

// HostOf extracts the ranking key from a download link: the hostname for an
// http(s) URL, or the string itself if it doesn't parse as a URL (bulk
// endpoint UUIDs are passed through unchanged).
func HostOf(link string) string {
	if u, err := url.Parse(link); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(link, "https://"), "http://"), "/")
}

// RankLink returns a sort key for link given a precomputed rates map: known
// hosts rank by their measured rate; unknown hosts get a random value
// strictly greater than the fastest known host, so unknown hosts are tried
// first (to populate the store) but ties between unknowns still randomize.
func RankLink(link string, rates map[string]float64) float64 {
	if len(rates) == 0 {
		return rand.Float64()
	}
	host := HostOf(link)
	if r, ok := rates[host]; ok {
		return r
	}
	max := 0.0
	for _, r := range rates {
		if r > max {
			max = r
		}
	}
	return max + rand.Float64()
}
