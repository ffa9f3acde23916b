package driveresg

import (
	"testing"

	"github.com/esgf-go/esgcat/project"
)

func TestParseDatasetIDRoundTripsCMIP6(t *testing.T) {
	p := project.CMIP6()
	id := "CMIP6.CMIP.NCAR.CESM2.historical.r1i1p1f1.Amon.tas.gn.v20190308|esgf-data.ucar.edu"
	facets, version, dataNode, err := parseDatasetID(p, id)
	if err != nil {
		t.Fatalf("parseDatasetID: %v", err)
	}
	if version != "20190308" {
		t.Errorf("version = %q, want 20190308", version)
	}
	if dataNode != "esgf-data.ucar.edu" {
		t.Errorf("dataNode = %q, want esgf-data.ucar.edu", dataNode)
	}
	if facets["source_id"] != "CESM2" || facets["variable_id"] != "tas" {
		t.Errorf("unexpected facets: %+v", facets)
	}
}

func TestParseDatasetIDCMIP5HasFewerColumns(t *testing.T) {
	p := project.CMIP5()
	id := "NCAR.CCSM4.historical.mon.atmos.Amon.r1i1p1.tas.v20160829|esgf-data.ucar.edu"
	facets, version, dataNode, err := parseDatasetID(p, id)
	if err != nil {
		t.Fatalf("parseDatasetID: %v", err)
	}
	if version != "20160829" || dataNode != "esgf-data.ucar.edu" {
		t.Errorf("unexpected version/dataNode: %q %q", version, dataNode)
	}
	if facets["model"] != "CCSM4" || facets["variable"] != "tas" {
		t.Errorf("unexpected facets: %+v", facets)
	}
}

func TestParseDatasetIDRejectsMalformed(t *testing.T) {
	p := project.CMIP6()
	if _, _, _, err := parseDatasetID(p, "not.enough.columns"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestParseTimeExtentValid(t *testing.T) {
	start, end := parseTimeExtent("tas_Amon_CESM2_historical_r1i1p1f1_gn_185001-201412.nc")
	if start == nil || end == nil {
		t.Fatal("expected parsed time extent")
	}
	if *start != "185001" || *end != "201412" {
		t.Errorf("got %q-%q, want 185001-201412", *start, *end)
	}
}

func TestParseTimeExtentDaily(t *testing.T) {
	start, end := parseTimeExtent("pr_day_CESM2_historical_r1i1p1f1_gn_18500101-18591231.nc")
	if start == nil || end == nil || *start != "18500101" || *end != "18591231" {
		t.Fatalf("got %v-%v", start, end)
	}
}

func TestParseTimeExtentAbsent(t *testing.T) {
	start, end := parseTimeExtent("sftlf_fx_CESM2_historical_r1i1p1f1_gn.nc")
	if start != nil || end != nil {
		t.Error("expected nil start/end for a filename with no date range")
	}
}

func TestNormalizeDateRejectsBadMonth(t *testing.T) {
	if _, ok := normalizeDate("185013"); ok {
		t.Error("expected month 13 to be rejected")
	}
}

func TestSplitTypedURL(t *testing.T) {
	link, kind, ok := splitTypedURL("https://esgf-data.ucar.edu/thredds/fileServer/x.nc|HTTPServer")
	if !ok {
		t.Fatal("expected ok")
	}
	if link != "https://esgf-data.ucar.edu/thredds/fileServer/x.nc" || kind != "HTTPServer" {
		t.Errorf("got link=%q kind=%q", link, kind)
	}
}

func TestSplitTypedURLNoKind(t *testing.T) {
	if _, _, ok := splitTypedURL("https://esgf-data.ucar.edu/x.nc"); ok {
		t.Error("expected ok=false for a url with no type suffix")
	}
}
