// Package bulktransfertest provides an in-memory fake of the
// bulktransfer.BulkEndpoint/BulkClient interfaces for tests, so callers
// exercise Coordinator.Transfer without a real Globus-style backend.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package bulktransfertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/esgf-go/esgcat/bulktransfer"
)

// FakeBackend is a single in-memory stand-in for both BulkEndpoint and
// BulkClient, letting a test script each task's outcome up front.
type FakeBackend struct {
	mu sync.Mutex

	// LiveEndpoints controls Live: an endpoint id absent from this set
	// reports not-live. Nil means every endpoint is live.
	LiveEndpoints map[string]bool

	// Outcomes maps a source endpoint id to the status its task should
	// resolve with; tasks default to StatusSucceeded if absent.
	Outcomes map[string]bulktransfer.TaskStatus

	nextID int
	tasks  map[string]taskRecord
}

type taskRecord struct {
	source string
	pairs  []bulktransfer.TransferPair
}

// NewFakeBackend returns a ready-to-use fake with every endpoint live and
// every task succeeding, unless overridden via the struct fields.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{tasks: make(map[string]taskRecord)}
}

func (f *FakeBackend) Live(_ context.Context, endpointID string) (bool, error) {
	if f.LiveEndpoints == nil {
		return true, nil
	}
	return f.LiveEndpoints[endpointID], nil
}

func (f *FakeBackend) Submit(_ context.Context, srcEndpoint, _ string, pairs []bulktransfer.TransferPair) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("task-%d", f.nextID)
	f.tasks[id] = taskRecord{source: srcEndpoint, pairs: pairs}
	return id, nil
}

func (f *FakeBackend) Status(_ context.Context, taskID string) (bulktransfer.TaskStatus, string, error) {
	f.mu.Lock()
	rec, ok := f.tasks[taskID]
	f.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("unknown task %s", taskID)
	}
	status, overridden := f.Outcomes[rec.source]
	if !overridden {
		status = bulktransfer.StatusSucceeded
	}
	detail := "ok"
	if status == bulktransfer.StatusFailed {
		detail = "simulated failure for " + rec.source
	}
	return status, detail, nil
}

// Pairs returns the transfer pairs submitted for a task, for test assertions.
func (f *FakeBackend) Pairs(taskID string) []bulktransfer.TransferPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID].pairs
}
