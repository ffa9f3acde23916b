package catalog

import (
	"context"

	"github.com/pkg/errors"

	"github.com/esgf-go/esgcat/bulktransfer"
	"github.com/esgf-go/esgcat/config"
	"github.com/esgf-go/esgcat/download"
	"github.com/esgf-go/esgcat/driveresg"
	"github.com/esgf-go/esgcat/federate"
	"github.com/esgf-go/esgcat/planner"
	"github.com/esgf-go/esgcat/record"
)

// errNoRows is returned by ToPathDict/ToDatasetDict when Search hasn't
// populated any rows yet.
var errNoRows = errors.New("catalog has no rows; call Search first")

// ErrMissingFileInfo is raised by ToPathDict when break_on_error is set and
// one or more synthesized keys never resolved to a path, per spec §7.
var ErrMissingFileInfo = errors.New("one or more files have no resolved path")

// PlanOptions bundles the collaborators to_path_dict needs to drive file-info
// fan-out, access planning, and streaming/bulk/http execution, per §4.6/§4.7.
type PlanOptions struct {
	PreferStreaming bool
	PreferBulk      bool
	BulkEndpoint    string // destination endpoint id, required if PreferBulk and any row lands in the bulk partition
	BulkPath        string // destination root path, required under the same condition
	MinimalKeys     bool
	IgnoreFacets    []string
	Separator       string

	Planner    planner.Prefs
	Downloader *download.Downloader
	BulkCoord  *bulktransfer.Coordinator
}

// ToPathDict implements §4.6/§4.7: resolves every row to its local file
// path(s), fetching/transferring whatever isn't already resolvable, and
// returns the synthesized key -> path(s) map.
func (c *Catalog) ToPathDict(ctx context.Context, opts PlanOptions) (map[string][]string, error) {
	if len(c.Rows) == 0 {
		return nil, errors.Wrap(errNoRows, "to_path_dict")
	}

	keys := SynthesizeKeys(c.Project, c.Rows, opts.MinimalKeys, opts.IgnoreFacets, sepOrDefault(opts.Separator))

	datasetIDs := make([]string, 0, len(c.Rows))
	keyByDatasetID := make(map[string]string, len(c.Rows))
	for i, row := range c.Rows {
		for _, id := range row.IDs {
			datasetIDs = append(datasetIDs, id)
			keyByDatasetID[id] = keys[i]
		}
	}

	fileResults, err := federate.Federate(ctx, c.Drivers, c.numThreads(), c.Logger,
		func(ctx context.Context, d driveresg.Driver) ([]record.FileInfo, error) {
			return d.GetFileInfo(ctx, datasetIDs, c.fileInfoFacets())
		})
	if err != nil {
		return nil, err
	}

	var files []record.FileInfo
	for _, r := range fileResults {
		if r.Err == nil {
			files = append(files, r.Value...)
		}
	}
	for i := range files {
		if k, ok := keyByDatasetID[files[i].DatasetID]; ok {
			files[i].Key = k
		}
	}

	prefs := opts.Planner
	prefs.PreferStreaming = opts.PreferStreaming
	prefs.PreferBulk = opts.PreferBulk

	part, paths, err := planner.Plan(ctx, files, prefs)
	if err != nil {
		return nil, errors.Wrap(err, "planning access")
	}

	if len(part.HTTP) > 0 {
		if opts.Downloader == nil {
			return nil, errors.New("to_path_dict: http fallback required but no downloader configured")
		}
		downloaded, err := opts.Downloader.Fetch(ctx, part.HTTP)
		if err != nil {
			return nil, errors.Wrap(err, "downloading http fallback files")
		}
		for key, path := range downloaded {
			paths[key] = append(paths[key], path)
		}
	}

	if len(part.Bulk) > 0 {
		if opts.BulkCoord == nil || opts.BulkEndpoint == "" {
			return nil, errors.New("to_path_dict: bulk transfer required but no bulk endpoint configured")
		}
		transferred, err := opts.BulkCoord.Transfer(ctx, part.Bulk, opts.BulkEndpoint, opts.BulkPath)
		if err != nil {
			return nil, errors.Wrap(err, "bulk transfer")
		}
		for key, path := range transferred {
			paths[key] = append(paths[key], path)
		}
	}

	var missing []string
	seenKey := make(map[string]bool, len(keyByDatasetID))
	for _, k := range keyByDatasetID {
		if seenKey[k] {
			continue
		}
		seenKey[k] = true
		if len(paths[k]) == 0 {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		if config.Get().BreakOnError {
			return nil, errors.Wrapf(ErrMissingFileInfo, "keys %v", missing)
		}
		if c.Logger != nil {
			c.Logger.Warn("to_path_dict: %d key(s) have no resolved path: %v", len(missing), missing)
		}
	}

	return paths, nil
}

func sepOrDefault(sep string) string {
	if sep == "" {
		return "."
	}
	return sep
}

// Dataset is the thin stand-in for an opened dataset handle: the resolved
// local path(s) plus the identity facets merged in as a fallback for
// attributes the file itself may be missing. Opening the paths with a
// netCDF/xarray-equivalent reader and the cell-measure enrichment hook are
// out of core scope (§1 Non-goals); callers needing that integrate their own
// reader over these paths.
type Dataset struct {
	Key    string
	Paths  []string
	Facets record.Facets
}

// ToDatasetDict implements §4.6 "to_dataset_dict(...)" short of the actual
// external-reader open step: it resolves paths exactly as ToPathDict does,
// then merges each row's identity facets onto the result so a caller's own
// reader can fall back to them for attributes the file lacks.
func (c *Catalog) ToDatasetDict(ctx context.Context, opts PlanOptions) (map[string]Dataset, error) {
	paths, err := c.ToPathDict(ctx, opts)
	if err != nil {
		return nil, err
	}

	keys := SynthesizeKeys(c.Project, c.Rows, opts.MinimalKeys, opts.IgnoreFacets, sepOrDefault(opts.Separator))
	facetsByKey := make(map[string]record.Facets, len(c.Rows))
	for i, row := range c.Rows {
		facetsByKey[keys[i]] = row.Facets
	}

	out := make(map[string]Dataset, len(paths))
	for key, p := range paths {
		out[key] = Dataset{Key: key, Paths: p, Facets: facetsByKey[key]}
	}
	return out, nil
}
