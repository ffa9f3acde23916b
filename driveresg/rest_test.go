package driveresg

import (
	"testing"

	"github.com/esgf-go/esgcat/project"
	"github.com/esgf-go/esgcat/record"
)

func TestFormatDirectoryTemplate(t *testing.T) {
	doc := restDoc{
		"mip_era":        "CMIP6",
		"variable_id":    "tas",
		"source_id":      "CESM2",
		"institution_id": "NCAR",
	}
	got := formatDirectoryTemplate("%(root)s/%(mip_era)s/%(institution_id)s/%(source_id)s/%(variable_id)s", doc)
	want := "CMIP6/NCAR/CESM2/tas"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIntersectOrAllPrefersWanted(t *testing.T) {
	got := intersectOrAll([]string{"tas", "pr", "tasmax"}, []string{"pr"})
	if len(got) != 1 || got[0] != "pr" {
		t.Errorf("got %v, want [pr]", got)
	}
}

func TestIntersectOrAllFallsBackToDeclared(t *testing.T) {
	got := intersectOrAll([]string{"tas", "pr"}, nil)
	if len(got) != 2 {
		t.Errorf("got %v, want both declared variables when nothing is wanted", got)
	}
}

func TestDocToRecordsExpandsCMIP5MultiVariableDoc(t *testing.T) {
	p := project.CMIP5()
	doc := restDoc{
		"id":       "NCAR.CCSM4.historical.mon.atmos.Amon.r1i1p1.v20160829|esgf-data.ucar.edu",
		"variable": []interface{}{"tas", "pr"},
	}
	d := &RESTDriver{}
	recs, err := d.docToRecords(p, doc, record.Facets{"variable": "pr"})
	if err != nil {
		t.Fatalf("docToRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].Facets["variable"] != "pr" {
		t.Errorf("got %+v, want exactly one record for variable=pr", recs)
	}
}

func TestDocToRecordsCMIP6SingleRecord(t *testing.T) {
	p := project.CMIP6()
	doc := restDoc{
		"id": "CMIP6.CMIP.NCAR.CESM2.historical.r1i1p1f1.Amon.tas.gn.v20190308|esgf-data.ucar.edu",
	}
	d := &RESTDriver{}
	recs, err := d.docToRecords(p, doc, nil)
	if err != nil {
		t.Fatalf("docToRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records, want exactly 1 (no expansion for CMIP6)", len(recs))
	}
}

func TestStringListFieldIgnoresNonStringElements(t *testing.T) {
	doc := restDoc{"checksum": []interface{}{"abc123", 5, "def456"}}
	got := stringListField(doc, "checksum")
	if len(got) != 2 || got[0] != "abc123" || got[1] != "def456" {
		t.Errorf("got %v", got)
	}
}

func TestInt64FieldHandlesFloat(t *testing.T) {
	doc := restDoc{"size": float64(12345)}
	if got := int64Field(doc, "size"); got != 12345 {
		t.Errorf("got %d, want 12345", got)
	}
}
