package driveresg

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/esgf-go/esgcat/project"
	"github.com/esgf-go/esgcat/record"
)

// datasetIDPattern matches a dotted master-id, ".v"+version, "|"+data_node,
// e.g. "CMIP6.CMIP.NCAR.CESM2.historical.r1i1p1f1.Amon.tas.gn.v20190308|esgf-data.ucar.edu".
// This mirrors original_source's get_dataset_pattern(), built dynamically
// per project from its id-facet count rather than a single hardcoded
// 11-column pattern, since projects differ in facet count (e.g. CMIP5/CMIP3).
func buildDatasetIDPattern(nMasterFacets int) *regexp.Regexp {
	var b strings.Builder
	for i := 0; i < nMasterFacets; i++ {
		if i > 0 {
			b.WriteString(`\.`)
		}
		b.WriteString(`([^.|]+)`)
	}
	b.WriteString(`\.v([^.|]+)\|(\S+)`)
	return regexp.MustCompile(b.String())
}

// parseDatasetID decomposes a fully-qualified dataset id into a Facets map
// (master-id facets only), version, and data_node, using p's master-id
// facet ordering.
func parseDatasetID(p project.Project, id string) (record.Facets, string, string, error) {
	master := p.MasterIDFacets()
	re := buildDatasetIDPattern(len(master))
	m := re.FindStringSubmatch(id)
	if m == nil {
		return nil, "", "", errors.Errorf("dataset id %q does not match %s pattern", id, p.Name())
	}
	facets := make(record.Facets, len(master))
	for i, f := range master {
		facets[f] = m[i+1]
	}
	version := m[len(master)+1]
	dataNode := m[len(master)+2]
	return facets, version, dataNode, nil
}

// timeExtentPattern matches "YYYYMM[DD]-YYYYMM[DD]" embedded in a filename,
// per spec §4.2 "Time extraction".
var timeExtentPattern = regexp.MustCompile(`(\d{6}(?:\d{2})?)-(\d{6}(?:\d{2})?)`)

// parseTimeExtent attempts to pull a start/end date range out of filename.
// Returns nil, nil if the filename carries no parseable range.
func parseTimeExtent(filename string) (*string, *string) {
	m := timeExtentPattern.FindStringSubmatch(filename)
	if m == nil {
		return nil, nil
	}
	start, ok1 := normalizeDate(m[1])
	end, ok2 := normalizeDate(m[2])
	if !ok1 || !ok2 {
		return nil, nil
	}
	return &start, &end
}

// normalizeDate validates a YYYYMM or YYYYMMDD string and returns it
// unchanged on success.
func normalizeDate(s string) (string, bool) {
	year, err := strconv.Atoi(s[:4])
	if err != nil || year < 1800 || year > 2300 {
		return "", false
	}
	month, err := strconv.Atoi(s[4:6])
	if err != nil || month < 1 || month > 12 {
		return "", false
	}
	if len(s) == 8 {
		day, err := strconv.Atoi(s[6:8])
		if err != nil || day < 1 || day > 31 {
			return "", false
		}
	}
	return s, true
}

// splitTypedURL splits a "scheme|KIND" formatted URL entry (Driver-B's wire
// shape) into its link and kind.
func splitTypedURL(entry string) (link, kind string, ok bool) {
	parts := strings.Split(entry, "|")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[len(parts)-1], true
}
