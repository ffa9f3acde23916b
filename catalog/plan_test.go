package catalog_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/esgf-go/esgcat/bulktransfer"
	"github.com/esgf-go/esgcat/bulktransfer/bulktransfertest"
	"github.com/esgf-go/esgcat/catalog"
	"github.com/esgf-go/esgcat/config"
	"github.com/esgf-go/esgcat/download"
	"github.com/esgf-go/esgcat/driveresg"
	"github.com/esgf-go/esgcat/planner"
	"github.com/esgf-go/esgcat/project"
	"github.com/esgf-go/esgcat/record"
)

type fakeFileInfoDriver struct {
	name  string
	files []record.FileInfo
}

func (f *fakeFileInfoDriver) Name() string { return f.name }
func (f *fakeFileInfoDriver) Search(context.Context, record.Facets) ([]record.DatasetRecord, error) {
	return nil, nil
}
func (f *fakeFileInfoDriver) FromTrackingIDs(context.Context, []string) ([]record.DatasetRecord, error) {
	return nil, nil
}
func (f *fakeFileInfoDriver) GetFileInfo(context.Context, []string, record.Facets) ([]record.FileInfo, error) {
	return f.files, nil
}

func TestToPathDictFetchesHTTPFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	c := buildCatalogForGroups()
	c.Project = project.CMIP6()
	c.Drivers = []driveresg.Driver{&fakeFileInfoDriver{
		name: "fake",
		files: []record.FileInfo{
			{DatasetID: "a", Path: "a.nc", HTTPServer: []string{srv.URL}},
			{DatasetID: "b", Path: "b.nc", HTTPServer: []string{srv.URL}},
			{DatasetID: "c", Path: "c.nc", HTTPServer: []string{srv.URL}},
			{DatasetID: "d", Path: "d.nc", HTTPServer: []string{srv.URL}},
		},
	}}

	dir := t.TempDir()
	opts := catalog.PlanOptions{
		Downloader: download.New(download.Options{LocalCacheDir: dir, NumThreads: 2}),
		Planner:    planner.Prefs{LocalCache: []string{dir}},
	}
	paths, err := c.ToPathDict(context.Background(), opts)
	if err != nil {
		t.Fatalf("ToPathDict: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("expected at least one resolved path")
	}
}

func TestToPathDictErrorsWithoutRows(t *testing.T) {
	c := &catalog.Catalog{Project: project.CMIP6()}
	if _, err := c.ToPathDict(context.Background(), catalog.PlanOptions{}); err == nil {
		t.Fatal("expected an error for an empty catalog")
	}
}

func TestToPathDictUsesBulkCoordinatorWhenPreferred(t *testing.T) {
	c := &catalog.Catalog{Project: project.CMIP6()}
	c.Rows = []record.DatasetRecord{cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "1", "a")}
	c.Drivers = []driveresg.Driver{&fakeFileInfoDriver{
		name: "fake",
		files: []record.FileInfo{
			{DatasetID: "a", Path: "a.nc", Globus: []string{"globus:src-1/a.nc"}},
		},
	}}

	fake := bulktransfertest.NewFakeBackend()
	opts := catalog.PlanOptions{
		PreferBulk:   true,
		BulkEndpoint: "dst-endpoint",
		BulkPath:     "/cache",
		Planner:      planner.Prefs{LiveEndpoint: fake.Live, LocalCache: []string{t.TempDir()}},
		BulkCoord:    &bulktransfer.Coordinator{Endpoint: fake, Client: fake},
	}
	paths, err := c.ToPathDict(context.Background(), opts)
	if err != nil {
		t.Fatalf("ToPathDict: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d resolved paths, want 1", len(paths))
	}
}

func TestToPathDictRaisesErrMissingFileInfoWhenBreakOnError(t *testing.T) {
	restore := config.Set(func(c *config.Config) { c.BreakOnError = true })
	defer restore()

	c := &catalog.Catalog{Project: project.CMIP6()}
	c.Rows = []record.DatasetRecord{cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "1", "a")}
	c.Drivers = []driveresg.Driver{&fakeFileInfoDriver{
		name:  "fake",
		files: []record.FileInfo{{DatasetID: "a", Path: "a.nc"}}, // no URLs of any kind
	}}

	dir := t.TempDir()
	opts := catalog.PlanOptions{
		Downloader: download.New(download.Options{LocalCacheDir: dir, NumThreads: 1}),
		Planner:    planner.Prefs{LocalCache: []string{dir}},
	}
	_, err := c.ToPathDict(context.Background(), opts)
	if !errors.Is(err, catalog.ErrMissingFileInfo) {
		t.Fatalf("got %v, want ErrMissingFileInfo", err)
	}
}

func TestToPathDictWarnsAndReturnsPartialWhenNotBreakOnError(t *testing.T) {
	restore := config.Set(func(c *config.Config) { c.BreakOnError = false })
	defer restore()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	c := &catalog.Catalog{Project: project.CMIP6()}
	c.Rows = []record.DatasetRecord{
		cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "1", "a"),
		cmip6Row("CESM2", "historical", "r2i1p1f1", "gn", "1", "b"),
	}
	c.Drivers = []driveresg.Driver{&fakeFileInfoDriver{
		name: "fake",
		files: []record.FileInfo{
			{DatasetID: "a", Path: "a.nc", HTTPServer: []string{srv.URL}},
			{DatasetID: "b", Path: "b.nc"}, // no URLs; will remain unresolved
		},
	}}

	dir := t.TempDir()
	opts := catalog.PlanOptions{
		Downloader: download.New(download.Options{LocalCacheDir: dir, NumThreads: 2}),
		Planner:    planner.Prefs{LocalCache: []string{dir}},
	}
	paths, err := c.ToPathDict(context.Background(), opts)
	if err != nil {
		t.Fatalf("ToPathDict: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d resolved paths, want 1 (partial result)", len(paths))
	}
}

func TestToDatasetDictMergesIdentityFacets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	c := &catalog.Catalog{Project: project.CMIP6()}
	c.Rows = []record.DatasetRecord{cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "1", "a")}
	c.Drivers = []driveresg.Driver{&fakeFileInfoDriver{
		name:  "fake",
		files: []record.FileInfo{{DatasetID: "a", Path: "a.nc", HTTPServer: []string{srv.URL}}},
	}}

	dir := t.TempDir()
	opts := catalog.PlanOptions{
		Downloader: download.New(download.Options{LocalCacheDir: dir, NumThreads: 1}),
		Planner:    planner.Prefs{LocalCache: []string{dir}},
	}
	datasets, err := c.ToDatasetDict(context.Background(), opts)
	if err != nil {
		t.Fatalf("ToDatasetDict: %v", err)
	}
	for _, ds := range datasets {
		if ds.Facets["source_id"] != "CESM2" {
			t.Errorf("expected merged identity facets, got %+v", ds.Facets)
		}
	}
}
