// Package planner implements the access planner (C7): given a set of
// FileInfo records, classify each into {exist, stream, bulk, http} following
// the priority ladder in spec §4.7.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package planner

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/esgf-go/esgcat/record"
)

// ErrLocalCacheNotWritable is raised at init when none of Prefs.LocalCache's
// roots can be created and written to, per spec §7 ("raised at init;
// terminal" — there is no download target to fall back to).
var ErrLocalCacheNotWritable = errors.New("no writable local cache root")

// Prefs carries the planning toggles and mountpoints from Config, per
// §4.7's input.
type Prefs struct {
	PreferStreaming bool
	PreferBulk      bool
	EsgDataroot     []string // read-only mounts, checked first
	LocalCache      []string // writable caches; LocalCache[0] is the download target
	HTTPClient      *http.Client
	// LiveEndpoint checks whether a bulk-transfer endpoint UUID is
	// reachable. Called at most once per unique endpoint per Plan call.
	LiveEndpoint func(ctx context.Context, endpointID string) (bool, error)
}

// Partition is the classification output of Plan.
type Partition struct {
	Exist  []record.FileInfo
	Stream []record.FileInfo
	Bulk   []record.FileInfo
	HTTP   []record.FileInfo
}

// Plan classifies every file in files, returning the partition and a
// key->path map for everything resolved without a transfer (exist +
// stream), per §4.7.
func Plan(ctx context.Context, files []record.FileInfo, prefs Prefs) (Partition, map[string][]string, error) {
	if !anyWritable(prefs.LocalCache) {
		return Partition{}, nil, ErrLocalCacheNotWritable
	}

	roots := append(append([]string{}, prefs.EsgDataroot...), prefs.LocalCache...)
	index := buildExistingIndex(roots)

	paths := make(map[string][]string)
	var part Partition

	liveCache := make(map[string]bool)

	for _, fi := range files {
		if abs, ok := existsLocally(fi.Path, roots, index); ok {
			paths[fi.Key] = append(paths[fi.Key], abs)
			part.Exist = append(part.Exist, fi)
			continue
		}

		if prefs.PreferStreaming {
			if url, ok := verifiedStreamURL(ctx, fi, prefs.HTTPClient); ok {
				paths[fi.Key] = append(paths[fi.Key], url)
				part.Stream = append(part.Stream, fi)
				continue
			}
		}

		if prefs.PreferBulk && len(fi.Globus) > 0 {
			live := filterLiveEndpoints(ctx, fi.Globus, prefs.LiveEndpoint, liveCache)
			if len(live) > 0 {
				fi.Globus = live
				part.Bulk = append(part.Bulk, fi)
				continue
			}
		}

		part.HTTP = append(part.HTTP, fi)
	}
	return part, paths, nil
}

// anyWritable reports whether at least one local-cache root can be created
// and written to. LocalCache[0] is the download target (per Prefs' doc
// comment), so a config with none writable has nowhere to land new files.
func anyWritable(roots []string) bool {
	for _, root := range roots {
		if err := os.MkdirAll(root, 0o755); err != nil {
			continue
		}
		probe := filepath.Join(root, ".esgcat-writable-probe")
		f, err := os.Create(probe)
		if err != nil {
			continue
		}
		f.Close()
		os.Remove(probe)
		return true
	}
	return false
}

// buildExistingIndex walks every root once (via godirwalk, which avoids a
// per-entry lstat syscall on most platforms) and records every regular
// file's root-relative path, so membership tests for potentially thousands
// of FileInfos are O(1) map lookups instead of O(n*len(roots)) stats.
func buildExistingIndex(roots []string) map[string]map[string]bool {
	index := make(map[string]map[string]bool, len(roots))
	for _, root := range roots {
		seen := make(map[string]bool)
		_ = godirwalk.Walk(root, &godirwalk.Options{
			Unsorted: true,
			Callback: func(path string, de *godirwalk.Dirent) error {
				if de.IsDir() {
					return nil
				}
				rel, err := filepath.Rel(root, path)
				if err != nil {
					return nil
				}
				seen[filepath.ToSlash(rel)] = true
				return nil
			},
			ErrorCallback: func(string, error) godirwalk.ErrorAction {
				return godirwalk.SkipNode
			},
		})
		index[root] = seen
	}
	return index
}

func existsLocally(relPath string, roots []string, index map[string]map[string]bool) (string, bool) {
	for _, root := range roots {
		if index[root][relPath] {
			return filepath.Join(root, relPath), true
		}
	}
	return "", false
}

// verifiedStreamURL picks VirtualZarr then OPENDAP (first kind present
// wins) and confirms it with a HEAD request, per §4.7 step 2.
func verifiedStreamURL(ctx context.Context, fi record.FileInfo, client *http.Client) (string, bool) {
	if client == nil {
		client = http.DefaultClient
	}
	for _, candidates := range [][]string{fi.VirtualZarr, fi.OPENDAP} {
		if len(candidates) == 0 {
			continue
		}
		for _, url := range candidates {
			if headOK(ctx, client, url) {
				return url, true
			}
		}
		return "", false
	}
	return "", false
}

func headOK(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// filterLiveEndpoints parses "scheme:endpoint-uuid/relpath" entries and
// keeps only those whose endpoint answers live, per §4.7 step 3 ("one-shot
// per unique endpoint").
func filterLiveEndpoints(ctx context.Context, links []string, liveCheck func(context.Context, string) (bool, error), cache map[string]bool) []string {
	if liveCheck == nil {
		return links
	}
	var out []string
	for _, link := range links {
		id, ok := endpointID(link)
		if !ok {
			continue
		}
		live, known := cache[id]
		if !known {
			var err error
			live, err = liveCheck(ctx, id)
			if err != nil {
				live = false
			}
			cache[id] = live
		}
		if live {
			out = append(out, link)
		}
	}
	return out
}

// endpointID extracts endpoint-uuid from a "scheme:endpoint-uuid/relpath"
// bulk link.
func endpointID(link string) (string, bool) {
	_, rest, ok := strings.Cut(link, ":")
	if !ok {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	return id, id != ""
}
