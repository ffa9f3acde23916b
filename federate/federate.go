// Package federate implements the bounded fan-out/fan-in over index drivers
// (C5): run the same operation against every driver concurrently, absorb
// per-driver "no results" and transport failures into empty contributions,
// and let anything else cancel the group.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package federate

import (
	"context"
	"errors"
	"net"
	"net/url"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/esgf-go/esgcat/driveresg"
	"github.com/esgf-go/esgcat/logging"
)

// Result is one driver's contribution to a federated call.
type Result[T any] struct {
	Driver string
	Value  T
	Err    error // non-nil only for an absorbed error (no results or transport failure)
}

// Federate runs fn against every driver with at most maxParallel concurrent
// calls, returning one Result per driver. A driver that returns
// driveresg.ErrNoSearchResults or a classified transport error contributes a
// zero-value T with the error retained on Result for logging purposes but
// does not fail the group; any other error aborts every in-flight call and
// is returned.
func Federate[T any](ctx context.Context, drivers []driveresg.Driver, maxParallel int, logger *logging.Logger, fn func(context.Context, driveresg.Driver) (T, error)) ([]Result[T], error) {
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(maxParallel))
	group, gctx := errgroup.WithContext(ctx)

	results := make([]Result[T], len(drivers))
	for i, d := range drivers {
		i, d := i, d
		group.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			v, err := fn(gctx, d)
			switch {
			case err == nil:
				results[i] = Result[T]{Driver: d.Name(), Value: v}
				return nil
			case isAbsorbable(err):
				if logger != nil {
					logger.Warn("%s: %v", d.Name(), err)
				}
				results[i] = Result[T]{Driver: d.Name(), Err: err}
				return nil
			default:
				return err
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// isAbsorbable classifies an error the way §4.5/§7 require: NoSearchResults
// and transport-layer failures (connection, timeout, non-2xx status wrapped
// in driveresg.ErrTransport by the driver) are absorbed; everything else
// propagates.
func isAbsorbable(err error) bool {
	if errors.Is(err, driveresg.ErrNoSearchResults) || errors.Is(err, driveresg.ErrTransport) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return false
}
