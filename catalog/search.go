package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/esgf-go/esgcat/driveresg"
	"github.com/esgf-go/esgcat/federate"
	"github.com/esgf-go/esgcat/project"
	"github.com/esgf-go/esgcat/record"
)

const defaultProject = "CMIP6"

// Search implements §4.6 "search(**facets)": drops empty values, injects
// the project default (CMIP6) when absent, federates across every enabled
// driver, and reconciles the combined result. It does not inject the type,
// latest or retracted facets; the REST driver adds all three to its query,
// the federated driver adds only type, and the STAC driver adds none.
func (c *Catalog) Search(ctx context.Context, facets record.Facets) error {
	clean := cleanFacets(facets)
	projectTag := clean.String("project")
	if projectTag == "" {
		projectTag = defaultProject
		clean["project"] = projectTag
	}
	proj, err := c.Projects.Get(projectTag)
	if err != nil {
		return err
	}

	results, err := federate.Federate(ctx, c.Drivers, c.numThreads(), c.Logger,
		func(ctx context.Context, d driveresg.Driver) ([]record.DatasetRecord, error) {
			return d.Search(ctx, clean)
		})
	if err != nil {
		return err
	}

	rows, err := Reconcile(proj, extractValues(results))
	if err != nil {
		return err
	}
	c.Rows = rows
	c.Project = proj
	c.LastSearch = clean
	return nil
}

// FromTrackingIDs implements §4.6 "from_tracking_ids(ids)": same pipeline,
// using each driver's FromTrackingIDs. A resolved row count exceeding the
// input id count is logged, not failed (buggy publications are expected,
// per the glossary's "Tracking id" entry).
func (c *Catalog) FromTrackingIDs(ctx context.Context, ids []string) error {
	results, err := federate.Federate(ctx, c.Drivers, c.numThreads(), c.Logger,
		func(ctx context.Context, d driveresg.Driver) ([]record.DatasetRecord, error) {
			return d.FromTrackingIDs(ctx, ids)
		})
	if err != nil {
		return err
	}

	proj, err := c.Projects.Get(defaultProject)
	if err != nil {
		return err
	}
	rows, err := Reconcile(proj, extractValues(results))
	if err != nil {
		return err
	}
	if len(rows) > len(ids) && c.Logger != nil {
		c.Logger.Info("from_tracking_ids: %d ids resolved to %d datasets", len(ids), len(rows))
	}
	c.Rows = rows
	c.Project = proj
	return nil
}

func (c *Catalog) numThreads() int {
	if c.Config != nil && c.Config.NumThreads > 0 {
		return c.Config.NumThreads
	}
	return 4
}

func extractValues(results []federate.Result[[]record.DatasetRecord]) [][]record.DatasetRecord {
	out := make([][]record.DatasetRecord, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}

func cleanFacets(facets record.Facets) record.Facets {
	out := make(record.Facets, len(facets))
	for k, v := range facets {
		switch t := v.(type) {
		case string:
			if t != "" {
				out[k] = t
			}
		case []string:
			var kept []string
			for _, s := range t {
				if s != "" {
					kept = append(kept, s)
				}
			}
			if len(kept) > 0 {
				out[k] = kept
			}
		default:
			out[k] = v
		}
	}
	return out
}

// VariableInfo implements §4.6 "variable_info(query)": a free-text search
// over each row's variable-description facets, matching any row whose
// variable facet or description fields contain query (case-insensitive).
func (c *Catalog) VariableInfo(query string) []record.Facets {
	query = strings.ToLower(query)
	seen := make(map[string]bool)
	var out []record.Facets
	if c.Project == nil {
		return nil
	}
	descFacets := append([]string{c.Project.VariableFacet()}, c.Project.VariableDescriptionFacets()...)
	for _, row := range c.Rows {
		matched := false
		for _, f := range descFacets {
			if strings.Contains(strings.ToLower(row.Facets.String(f)), query) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		variable := row.Facets.String(c.Project.VariableFacet())
		if seen[variable] {
			continue
		}
		seen[variable] = true
		desc := make(record.Facets, len(descFacets))
		for _, f := range descFacets {
			desc[f] = row.Facets.String(f)
		}
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String(c.Project.VariableFacet()) < out[j].String(c.Project.VariableFacet())
	})
	return out
}

// SynthesizeKeys implements §3 "Synthesized Key": a string built from
// either every identity facet (minimal=false; ignore is not consulted) or
// the minimal distinguishing subset within rows (minimal=true) — those identity
// facets that take more than one distinct value across rows, minus
// user-ignored facets. Falls back to {variable facet} if that subset is
// empty.
func SynthesizeKeys(proj project.Project, rows []record.DatasetRecord, minimal bool, ignore []string, sep string) map[int]string {
	ignored := make(map[string]bool, len(ignore))
	for _, f := range ignore {
		ignored[f] = true
	}

	facets := proj.IDFacets()
	if minimal {
		facets = distinguishingFacets(proj, rows, ignored)
		if len(facets) == 0 {
			facets = []string{proj.VariableFacet()}
		}
	}

	out := make(map[int]string, len(rows))
	for i, row := range rows {
		parts := make([]string, 0, len(facets))
		for _, f := range facets {
			if f == "version" {
				parts = append(parts, row.Version)
				continue
			}
			parts = append(parts, row.Facets.String(f))
		}
		out[i] = strings.Join(parts, sep)
	}
	return out
}

func distinguishingFacets(proj project.Project, rows []record.DatasetRecord, ignored map[string]bool) []string {
	values := make(map[string]map[string]bool)
	for _, f := range proj.IDFacets() {
		if ignored[f] {
			continue
		}
		values[f] = make(map[string]bool)
	}
	for _, row := range rows {
		for f := range values {
			var v string
			if f == "version" {
				v = row.Version
			} else {
				v = row.Facets.String(f)
			}
			values[f][v] = true
		}
	}
	var out []string
	for _, f := range proj.IDFacets() {
		vs, ok := values[f]
		if !ok {
			continue
		}
		if len(vs) > 1 {
			out = append(out, f)
		}
	}
	return out
}
