// Package catalog implements the deduplicated tabular view over federated
// search results (C6): reconciliation, completeness/ensemble filters, and
// the synthesized-key scheme shared by the downstream planner/downloader.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/seiflotfy/cuckoofilter"

	"github.com/esgf-go/esgcat/config"
	"github.com/esgf-go/esgcat/driveresg"
	"github.com/esgf-go/esgcat/logging"
	"github.com/esgf-go/esgcat/project"
	"github.com/esgf-go/esgcat/ratestore"
	"github.com/esgf-go/esgcat/record"
)

// ErrMixedProjects is raised when a reconciled result set spans more than
// one project tag, per spec §7.
var ErrMixedProjects = errors.New("search returned more than one project")

// Catalog is the user-facing result of a search: a deduplicated set of
// DatasetRecords plus the context needed to plan and download their files.
type Catalog struct {
	Rows       []record.DatasetRecord
	Project    project.Project
	LastSearch record.Facets

	sessionStart time.Time

	Drivers   []driveresg.Driver
	Projects  *project.Registry
	Logger    *logging.Logger
	RateStore *ratestore.Store
	Config    *config.Config
}

// New constructs an empty Catalog bound to the given drivers and
// collaborators. sessionStart anchors SessionLog's "since" filter.
func New(drivers []driveresg.Driver, projects *project.Registry, logger *logging.Logger, rates *ratestore.Store, cfg *config.Config, sessionStart time.Time) *Catalog {
	return &Catalog{
		Drivers:      drivers,
		Projects:     projects,
		Logger:       logger,
		RateStore:    rates,
		Config:       cfg,
		sessionStart: sessionStart,
	}
}

// Clone returns a new Catalog sharing drivers/caches/roots but with an empty
// row set, per §4.6 "clone()".
func (c *Catalog) Clone() *Catalog {
	return &Catalog{
		Drivers:      c.Drivers,
		Projects:     c.Projects,
		Logger:       c.Logger,
		RateStore:    c.RateStore,
		Config:       c.Config,
		sessionStart: c.sessionStart,
	}
}

// Reconcile implements §4.6.a: drop duplicate (variable_facet, id) pairs,
// group by master-id facets collapsing to the max version, and reject
// mixed-project result sets.
func Reconcile(proj project.Project, perDriver [][]record.DatasetRecord) ([]record.DatasetRecord, error) {
	var flat []record.DatasetRecord
	for _, rows := range perDriver {
		flat = append(flat, rows...)
	}
	if len(flat) == 0 {
		return nil, errors.Wrap(driveresg.ErrNoSearchResults, "reconciliation")
	}

	seenProject := ""
	for _, row := range flat {
		if seenProject == "" {
			seenProject = row.Project
		} else if !strings.EqualFold(seenProject, row.Project) {
			return nil, errors.Wrapf(ErrMixedProjects, "%q vs %q", seenProject, row.Project)
		}
	}

	deduped := dropDuplicates(proj, flat)
	grouped := groupByMasterID(proj, deduped)
	out := make([]record.DatasetRecord, 0, len(grouped))
	for _, group := range grouped {
		out = append(out, collapseToMaxVersion(group))
	}
	sort.Slice(out, func(i, j int) bool {
		return masterIDKey(proj, out[i]) < masterIDKey(proj, out[j])
	})
	return out, nil
}

// dropDuplicates removes rows whose (variable, id) pairs exactly repeat an
// earlier row, per §4.6.a step 3. A cuckoo filter answers the common case —
// "definitely not seen before" — without a map lookup; only a filter hit
// (possible duplicate, confirmed or denied by the exact map) pays for one.
func dropDuplicates(proj project.Project, rows []record.DatasetRecord) []record.DatasetRecord {
	filter := cuckoo.NewFilter(uint(nextPow2(len(rows) * 2)))
	seen := make(map[string]bool)
	out := rows[:0:0]
	for _, row := range rows {
		variable := row.Facets.String(proj.VariableFacet())
		duplicate := false
		for _, id := range row.IDs {
			key := []byte(variable + "\x00" + id)
			if filter.Lookup(key) && seen[string(key)] {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		for _, id := range row.IDs {
			key := []byte(variable + "\x00" + id)
			filter.InsertUnique(key)
			seen[string(key)] = true
		}
		out = append(out, row)
	}
	return out
}

func masterIDKey(proj project.Project, row record.DatasetRecord) string {
	parts := make([]string, 0, len(proj.MasterIDFacets()))
	for _, f := range proj.MasterIDFacets() {
		parts = append(parts, row.Facets.String(f))
	}
	return strings.Join(parts, "\x00")
}

func groupByMasterID(proj project.Project, rows []record.DatasetRecord) [][]record.DatasetRecord {
	order := make([]string, 0)
	byKey := make(map[string][]record.DatasetRecord)
	for _, row := range rows {
		key := masterIDKey(proj, row)
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], row)
	}
	groups := make([][]record.DatasetRecord, 0, len(order))
	for _, k := range order {
		groups = append(groups, byKey[k])
	}
	return groups
}

// collapseToMaxVersion merges a master-id group into one row: the first
// row's facets/project (data_node is never one of them, so it is already
// dropped), the max version, and the union of ids whose embedded version
// equals that max.
func collapseToMaxVersion(group []record.DatasetRecord) record.DatasetRecord {
	out := record.DatasetRecord{Project: group[0].Project, Facets: group[0].Facets}
	maxVersion := group[0].Version
	for _, row := range group {
		if versionLess(maxVersion, row.Version) {
			maxVersion = row.Version
		}
	}
	out.Version = maxVersion
	for _, row := range group {
		if row.Version != maxVersion {
			continue
		}
		for _, id := range row.IDs {
			out.AddID(id)
		}
	}
	return out
}

// versionLess compares ESGF version strings ("v"-stripped numeric dates)
// numerically where possible, falling back to lexical comparison.
func versionLess(a, b string) bool {
	an, aerr := strconv.ParseInt(strings.TrimPrefix(a, "v"), 10, 64)
	bn, berr := strconv.ParseInt(strings.TrimPrefix(b, "v"), 10, 64)
	if aerr == nil && berr == nil {
		return an < bn
	}
	return a < b
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Unique returns the distinct values of a master-id facet across all rows,
// per §4.6 "unique()".
func (c *Catalog) Unique(facet string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range c.Rows {
		v := row.Facets.String(facet)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ModelGroup is one (model, variant, grid) tuple and its row count.
type ModelGroup struct {
	Model, Variant, Grid string
	Count                int
}

func (g ModelGroup) key() string { return g.Model + "\x00" + g.Variant + "\x00" + g.Grid }

// variantTuplePattern extracts the digit run following each letter run in a
// variant label, e.g. "r1i1p1f1" -> [1,1,1,1].
var variantTuplePattern = regexp.MustCompile(`[A-Za-z]+(\d+)`)

func variantTuple(variant string) []int {
	matches := variantTuplePattern.FindAllStringSubmatch(variant, -1)
	out := make([]int, 0, len(matches))
	for _, m := range matches {
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	return out
}

func lessVariantTuple(a, b string) bool {
	ta, tb := variantTuple(a), variantTuple(b)
	for i := 0; i < len(ta) && i < len(tb); i++ {
		if ta[i] != tb[i] {
			return ta[i] < tb[i]
		}
	}
	return len(ta) < len(tb)
}

// ModelGroups implements §4.6 "model_groups()": counts per (model, variant,
// grid), variant-sorted by its parsed integer tuple rather than lexically,
// grid omitted where the project declares no grid facet.
func (c *Catalog) ModelGroups() []ModelGroup {
	counts := make(map[string]*ModelGroup)
	var order []string
	for _, row := range c.Rows {
		g := ModelGroup{
			Model:   row.Facets.String(c.Project.ModelFacet()),
			Variant: row.Facets.String(c.Project.VariantFacet()),
		}
		if gridFacet := c.Project.GridFacet(); gridFacet != "" {
			g.Grid = row.Facets.String(gridFacet)
		}
		k := g.key()
		if existing, ok := counts[k]; ok {
			existing.Count++
			continue
		}
		g.Count = 1
		counts[k] = &g
		order = append(order, k)
	}
	out := make([]ModelGroup, 0, len(order))
	for _, k := range order {
		out = append(out, *counts[k])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		if out[i].Grid != out[j].Grid {
			return out[i].Grid < out[j].Grid
		}
		return lessVariantTuple(out[i].Variant, out[j].Variant)
	})
	return out
}

// RemoveIncomplete drops rows belonging to a model-group for which predicate
// returns false, given the group's row count, per §4.6.
func (c *Catalog) RemoveIncomplete(predicate func(count int) bool) *Catalog {
	groupOK := make(map[string]bool)
	for _, g := range c.ModelGroups() {
		groupOK[g.key()] = predicate(g.Count)
	}
	var kept []record.DatasetRecord
	for _, row := range c.Rows {
		g := ModelGroup{
			Model:   row.Facets.String(c.Project.ModelFacet()),
			Variant: row.Facets.String(c.Project.VariantFacet()),
		}
		if gridFacet := c.Project.GridFacet(); gridFacet != "" {
			g.Grid = row.Facets.String(gridFacet)
		}
		if groupOK[g.key()] {
			kept = append(kept, row)
		}
	}
	c.Rows = kept
	return c
}

// RemoveEnsembles keeps, per (model, grid), only the row whose variant has
// the smallest integer tuple, per §4.6.
func (c *Catalog) RemoveEnsembles() *Catalog {
	type pair struct {
		model, grid string
	}
	best := make(map[pair]record.DatasetRecord)
	var order []pair
	for _, row := range c.Rows {
		p := pair{model: row.Facets.String(c.Project.ModelFacet())}
		if gridFacet := c.Project.GridFacet(); gridFacet != "" {
			p.grid = row.Facets.String(gridFacet)
		}
		current, ok := best[p]
		if !ok {
			best[p] = row
			order = append(order, p)
			continue
		}
		variant := row.Facets.String(c.Project.VariantFacet())
		currentVariant := current.Facets.String(c.Project.VariantFacet())
		if lessVariantTuple(variant, currentVariant) {
			best[p] = row
		}
	}
	out := make([]record.DatasetRecord, 0, len(order))
	for _, p := range order {
		out = append(out, best[p])
	}
	c.Rows = out
	return c
}

// SessionLog returns everything this catalog's logger captured since the
// session started, per §4.6 "session_log()".
func (c *Catalog) SessionLog() string {
	if c.Logger == nil {
		return ""
	}
	return c.Logger.Since(c.sessionStart)
}

// DownloadSummary renders the C3 rate table, per §4.6.
func (c *Catalog) DownloadSummary(window ratestore.Window, minSizeMB float64) (map[string]float64, error) {
	if c.RateStore == nil {
		return nil, fmt.Errorf("no rate store configured")
	}
	return c.RateStore.Rates(window, minSizeMB)
}

// fileInfoFacets resolves Open Question #1 (§9): only the variable facet
// from the last search is passed through to file-info calls, never the full
// facet set, since dataset_id already encodes every other facet and the
// variable facet alone is what CMIP5 expansion needs to disambiguate.
func (c *Catalog) fileInfoFacets() record.Facets {
	if c.Project == nil || c.LastSearch == nil {
		return nil
	}
	v := c.LastSearch.String(c.Project.VariableFacet())
	if v == "" {
		return nil
	}
	return record.Facets{c.Project.VariableFacet(): v}
}
