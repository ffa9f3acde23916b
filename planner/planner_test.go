package planner_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/esgf-go/esgcat/planner"
	"github.com/esgf-go/esgcat/record"
)

func TestPlanClassifiesExistingFile(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "CMIP6", "x"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "CMIP6", "x", "tas.nc"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	files := []record.FileInfo{{Key: "k1", Path: "CMIP6/x/tas.nc"}}
	part, paths, err := planner.Plan(context.Background(), files, planner.Prefs{EsgDataroot: []string{root}, LocalCache: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(part.Exist) != 1 {
		t.Fatalf("got %d exist, want 1", len(part.Exist))
	}
	if len(paths["k1"]) != 1 {
		t.Errorf("expected a path for k1, got %v", paths)
	}
}

func TestPlanClassifiesStreamWhenHeadSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	files := []record.FileInfo{{Key: "k1", Path: "does/not/exist.nc", OPENDAP: []string{srv.URL}}}
	part, paths, err := planner.Plan(context.Background(), files, planner.Prefs{PreferStreaming: true, LocalCache: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(part.Stream) != 1 {
		t.Fatalf("got %d stream, want 1", len(part.Stream))
	}
	if paths["k1"][0] != srv.URL {
		t.Errorf("got %v", paths["k1"])
	}
}

func TestPlanFallsThroughToHTTPWhenStreamHeadFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	files := []record.FileInfo{{Key: "k1", Path: "does/not/exist.nc", OPENDAP: []string{srv.URL}, HTTPServer: []string{"https://example.org/x.nc"}}}
	part, _, err := planner.Plan(context.Background(), files, planner.Prefs{PreferStreaming: true, LocalCache: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(part.HTTP) != 1 {
		t.Fatalf("got %d http, want 1 (stream should have fallen through)", len(part.HTTP))
	}
}

func TestPlanClassifiesBulkWhenEndpointLive(t *testing.T) {
	files := []record.FileInfo{{Key: "k1", Path: "x.nc", Globus: []string{"globus:endpoint-a/path/x.nc"}}}
	part, _, err := planner.Plan(context.Background(), files, planner.Prefs{
		PreferBulk:   true,
		LiveEndpoint: func(ctx context.Context, id string) (bool, error) { return id == "endpoint-a", nil },
		LocalCache:   []string{t.TempDir()},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(part.Bulk) != 1 {
		t.Fatalf("got %d bulk, want 1", len(part.Bulk))
	}
}

func TestPlanFallsThroughToHTTPWhenEndpointDead(t *testing.T) {
	files := []record.FileInfo{{Key: "k1", Path: "x.nc", Globus: []string{"globus:endpoint-a/path/x.nc"}}}
	part, _, err := planner.Plan(context.Background(), files, planner.Prefs{
		PreferBulk:   true,
		LiveEndpoint: func(ctx context.Context, id string) (bool, error) { return false, nil },
		LocalCache:   []string{t.TempDir()},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(part.HTTP) != 1 {
		t.Fatalf("got %d http, want 1", len(part.HTTP))
	}
}

func TestPlanPartitionInvariant(t *testing.T) {
	files := []record.FileInfo{
		{Key: "a", Path: "a.nc"},
		{Key: "b", Path: "b.nc"},
		{Key: "c", Path: "c.nc"},
	}
	part, _, err := planner.Plan(context.Background(), files, planner.Prefs{LocalCache: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	total := len(part.Exist) + len(part.Stream) + len(part.Bulk) + len(part.HTTP)
	if total != len(files) {
		t.Errorf("got %d total classified, want %d", total, len(files))
	}
}

func TestPlanRaisesErrLocalCacheNotWritableWhenNoCacheRootGiven(t *testing.T) {
	files := []record.FileInfo{{Key: "k1", Path: "x.nc"}}
	_, _, err := planner.Plan(context.Background(), files, planner.Prefs{})
	if !errors.Is(err, planner.ErrLocalCacheNotWritable) {
		t.Fatalf("got %v, want ErrLocalCacheNotWritable", err)
	}
}

func TestPlanRaisesErrLocalCacheNotWritableWhenRootIsAFile(t *testing.T) {
	notADir := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	files := []record.FileInfo{{Key: "k1", Path: "x.nc"}}
	_, _, err := planner.Plan(context.Background(), files, planner.Prefs{LocalCache: []string{notADir}})
	if !errors.Is(err, planner.ErrLocalCacheNotWritable) {
		t.Fatalf("got %v, want ErrLocalCacheNotWritable", err)
	}
}
