package ratestore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/esgf-go/esgcat/ratestore"
)

func openTemp(t *testing.T) *ratestore.Store {
	t.Helper()
	s, err := ratestore.Open(filepath.Join(t.TempDir(), "download.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRatesPositive(t *testing.T) {
	s := openTemp(t)
	if err := s.Record("esgf-node.llnl.gov", 2*time.Second, 20); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rates, err := s.Rates(ratestore.WindowNone, 10)
	if err != nil {
		t.Fatalf("Rates: %v", err)
	}
	r, ok := rates["esgf-node.llnl.gov"]
	if !ok {
		t.Fatal("expected host in rates map")
	}
	if r <= 0 {
		t.Errorf("rate = %v, want > 0", r)
	}
}

func TestRatesExcludesSmallTransfers(t *testing.T) {
	s := openTemp(t)
	if err := s.Record("host-a", time.Second, 1); err != nil {
		t.Fatal(err)
	}
	rates, err := s.Rates(ratestore.WindowNone, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rates["host-a"]; ok {
		t.Error("expected small transfer to be excluded by min size filter")
	}
}

func TestRankLinkEmptyTableIsFinite(t *testing.T) {
	r := ratestore.RankLink("https://host-a.example.org/a.nc", nil)
	if r < 0 || r > 1e9 {
		t.Errorf("RankLink with empty table = %v, want a finite number", r)
	}
}

func TestRankLinkUnknownHostRanksAboveKnownMax(t *testing.T) {
	rates := map[string]float64{"host-a.example.org": 4, "host-b.example.org": 1}
	rankC := ratestore.RankLink("https://host-c.example.org/f.nc", rates)
	rankA := ratestore.RankLink("https://host-a.example.org/f.nc", rates)
	rankB := ratestore.RankLink("https://host-b.example.org/f.nc", rates)
	if !(rankC > rankA && rankA > rankB) {
		t.Errorf("expected rankC(%v) > rankA(%v) > rankB(%v)", rankC, rankA, rankB)
	}
}

func TestHostOfExtractsHostname(t *testing.T) {
	if h := ratestore.HostOf("https://esgf-data.ucar.edu/path/to/file.nc"); h != "esgf-data.ucar.edu" {
		t.Errorf("HostOf = %q, want esgf-data.ucar.edu", h)
	}
}
