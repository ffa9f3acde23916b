package driveresg

import (
	"testing"

	"github.com/esgf-go/esgcat/record"
)

func TestFacetsToFiltersBuildsMatchAny(t *testing.T) {
	filters := facetsToFilters(record.Facets{
		"source_id":   "CESM2",
		"variable_id": []string{"tas", "pr"},
		"empty":       "",
	})
	byField := make(map[string]federatedFilter, len(filters))
	for _, f := range filters {
		byField[f.Field] = f
	}
	if _, ok := byField["empty"]; ok {
		t.Error("expected empty-valued facet to be skipped")
	}
	if f, ok := byField["source_id"]; !ok || len(f.Values) != 1 || f.Values[0] != "CESM2" {
		t.Errorf("unexpected source_id filter: %+v", f)
	}
	if f, ok := byField["variable_id"]; !ok || len(f.Values) != 2 {
		t.Errorf("unexpected variable_id filter: %+v", f)
	}
	for _, f := range filters {
		if f.Type != "match_any" {
			t.Errorf("filter %q has type %q, want match_any", f.Field, f.Type)
		}
	}
}

func TestFederatedContentToFileInfoSplitsURLKinds(t *testing.T) {
	content := map[string]interface{}{
		"dataset_id":                 "CMIP6.CMIP.NCAR.CESM2.historical.r1i1p1f1.Amon.tas.gn.v20190308|esgf-data.ucar.edu",
		"title":                      "tas_Amon_CESM2_historical_r1i1p1f1_gn_185001-201412.nc",
		"directory_format_template_": []interface{}{"%(root)s/%(variable_id)s"},
		"variable_id":                "tas",
		"size":                       float64(1024),
		"url": []interface{}{
			"https://esgf-data.ucar.edu/thredds/fileServer/x.nc|HTTPServer",
			"https://esgf-data.ucar.edu/thredds/dodsC/x.nc.html|OPENDAP",
		},
	}
	fi, err := federatedContentToFileInfo(content)
	if err != nil {
		t.Fatalf("federatedContentToFileInfo: %v", err)
	}
	if len(fi.HTTPServer) != 1 {
		t.Errorf("HTTPServer = %v", fi.HTTPServer)
	}
	if len(fi.OPENDAP) != 1 || fi.OPENDAP[0] != "https://esgf-data.ucar.edu/thredds/dodsC/x.nc" {
		t.Errorf("OPENDAP = %v, want .html suffix stripped", fi.OPENDAP)
	}
	if fi.Path != "tas/tas_Amon_CESM2_historical_r1i1p1f1_gn_185001-201412.nc" {
		t.Errorf("Path = %q", fi.Path)
	}
	if fi.FileStart == nil || *fi.FileStart != "185001" {
		t.Errorf("FileStart = %v", fi.FileStart)
	}
}

func TestJoinRelPath(t *testing.T) {
	if got := joinRelPath("", "x.nc"); got != "x.nc" {
		t.Errorf("got %q", got)
	}
	if got := joinRelPath("a/b/", "x.nc"); got != "a/b/x.nc" {
		t.Errorf("got %q", got)
	}
}
