// Package bulktransfer implements the bulk-transfer coordinator (C9):
// server-to-server transfers across bulk endpoints, submitted one task per
// source endpoint and polled to completion with exponential backoff.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package bulktransfer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/esgf-go/esgcat/ratestore"
	"github.com/esgf-go/esgcat/record"
)

// TaskStatus is a bulk-transfer task's terminal/non-terminal state.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusActive    TaskStatus = "ACTIVE"
	StatusSucceeded TaskStatus = "SUCCEEDED"
	StatusFailed    TaskStatus = "FAILED"
)

func (s TaskStatus) terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// TransferPair is one src-relpath -> dst-relpath entry within a task.
type TransferPair struct {
	SrcRelPath string
	DstRelPath string
}

// BulkEndpoint is the capability surface a backend (e.g. Globus) must
// satisfy, kept deliberately small so core code never depends on a
// concrete SDK client, per SPEC_FULL's C9 expansion.
type BulkEndpoint interface {
	// Live reports whether this endpoint currently answers.
	// Coordinator.Transfer checks only the destination endpoint with it.
	Live(ctx context.Context, endpointID string) (bool, error)
}

// BulkClient submits and polls transfer tasks between two live endpoints.
type BulkClient interface {
	Submit(ctx context.Context, srcEndpoint, dstEndpoint string, pairs []TransferPair) (taskID string, err error)
	Status(ctx context.Context, taskID string) (TaskStatus, string, error) // status, detail
}

// BulkTransferError wraps a non-SUCCESS terminal task response, per §4.9
// step 4.
type BulkTransferError struct {
	TaskID string
	Status TaskStatus
	Detail string
}

func (e *BulkTransferError) Error() string {
	return fmt.Sprintf("bulk transfer task %s ended %s: %s", e.TaskID, e.Status, e.Detail)
}

// Coordinator drives C9 given the capability interfaces above.
type Coordinator struct {
	Endpoint BulkEndpoint
	Client   BulkClient
	Rates    *ratestore.Store
}

// Transfer batches files onto tasks grouped by source endpoint (most-served
// first, to minimize task count per §4.9 step 2), submits, polls every task
// to completion, and returns key -> destination path for every file whose
// task succeeded.
func (c *Coordinator) Transfer(ctx context.Context, files []record.FileInfo, dstEndpoint, dstRoot string) (map[string]string, error) {
	live, err := c.Endpoint.Live(ctx, dstEndpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "checking destination endpoint %s", dstEndpoint)
	}
	if !live {
		return nil, errors.Errorf("destination endpoint %s is not live", dstEndpoint)
	}

	bySource, _ := groupBySource(files)
	order := sourcesByDescendingCount(bySource)

	assigned := make(map[string]bool) // file key already claimed by an earlier, larger source
	type task struct {
		id     string
		source string
		keys   []string
		paths  []string
	}
	var tasks []task

	for _, source := range order {
		var pairs []TransferPair
		var keys []string
		var paths []string
		for _, cand := range bySource[source] {
			if assigned[cand.file.Key] {
				continue
			}
			assigned[cand.file.Key] = true
			dst := filepath.Join(dstRoot, cand.file.Path)
			pairs = append(pairs, TransferPair{SrcRelPath: cand.srcRelPath, DstRelPath: dst})
			keys = append(keys, cand.file.Key)
			paths = append(paths, dst)
		}
		if len(pairs) == 0 {
			continue
		}
		id, err := c.Client.Submit(ctx, source, dstEndpoint, pairs)
		if err != nil {
			return nil, errors.Wrapf(err, "submitting transfer task for source %s", source)
		}
		tasks = append(tasks, task{id: id, source: source, keys: keys, paths: paths})
	}

	results := make(map[string]string)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			start := time.Now()
			status, detail, err := c.pollUntilTerminal(gctx, t.id)
			if err != nil {
				return err
			}
			if status != StatusSucceeded {
				return &BulkTransferError{TaskID: t.id, Status: status, Detail: detail}
			}
			if c.Rates != nil {
				_ = c.Rates.Record(t.source, time.Since(start), 0)
			}
			mu.Lock()
			for i, key := range t.keys {
				results[key] = t.paths[i]
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// pollUntilTerminal implements §4.9 step 4's exponential backoff: starts at
// 5s, doubles, caps at 30s.
func (c *Coordinator) pollUntilTerminal(ctx context.Context, taskID string) (TaskStatus, string, error) {
	delay := 5 * time.Second
	const maxDelay = 30 * time.Second
	for {
		status, detail, err := c.Client.Status(ctx, taskID)
		if err != nil {
			return "", "", errors.Wrapf(err, "polling task %s", taskID)
		}
		if status.terminal() {
			return status, detail, nil
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// sourceCandidate pairs a FileInfo (whose Path remains the canonical
// archive-relative path, used to build the destination path) with the
// relative path this particular source endpoint serves it under.
type sourceCandidate struct {
	file       record.FileInfo
	srcRelPath string
}

// groupBySource parses each FileInfo's Globus links (scheme:endpoint-uuid/relpath)
// and buckets the file under every source endpoint it names, along with the
// first raw link seen for each endpoint.
func groupBySource(files []record.FileInfo) (map[string][]sourceCandidate, map[string]string) {
	bySource := make(map[string][]sourceCandidate)
	linkBySource := make(map[string]string)
	for _, fi := range files {
		for _, link := range fi.Globus {
			id, relPath, ok := parseGlobusLink(link)
			if !ok {
				continue
			}
			bySource[id] = append(bySource[id], sourceCandidate{file: fi, srcRelPath: relPath})
			if _, seen := linkBySource[id]; !seen {
				linkBySource[id] = link
			}
		}
	}
	return bySource, linkBySource
}

func parseGlobusLink(link string) (endpointID, relPath string, ok bool) {
	_, rest, found := strings.Cut(link, ":")
	if !found {
		return "", "", false
	}
	id, rel, found := strings.Cut(rest, "/")
	if !found || id == "" {
		return "", "", false
	}
	return id, rel, true
}

// sourcesByDescendingCount orders source endpoints by how many files they
// can serve, most first, per §4.9 step 2 ("minimize task count").
func sourcesByDescendingCount(bySource map[string][]sourceCandidate) []string {
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return len(bySource[sources[i]]) > len(bySource[sources[j]])
	})
	return sources
}
