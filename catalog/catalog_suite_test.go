package catalog_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/esgf-go/esgcat/catalog"
	"github.com/esgf-go/esgcat/download"
	"github.com/esgf-go/esgcat/driveresg"
	"github.com/esgf-go/esgcat/planner"
	"github.com/esgf-go/esgcat/project"
	"github.com/esgf-go/esgcat/record"
)

func TestCatalog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Catalog Suite")
}

var _ = Describe("federation, reconciliation, and planning", func() {
	var srv *httptest.Server

	BeforeEach(func() {
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("data"))
		}))
	})

	AfterEach(func() {
		srv.Close()
	})

	It("reconciles results fanned out across multiple drivers into one deduplicated catalog", func() {
		proj := project.CMIP6()
		perDriver := [][]record.DatasetRecord{
			{cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "20190306", "CMIP6....v20190306|nodeA")},
			{cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "20200101", "CMIP6....v20200101|nodeB")},
		}

		rows, err := catalog.Reconcile(proj, perDriver)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Version).To(Equal("20200101"))
	})

	It("rejects a reconciliation spanning more than one project", func() {
		proj := project.CMIP6()
		rowA := cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "1", "a")
		rowB := cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "1", "b")
		rowB.Project = "CMIP5"

		_, err := catalog.Reconcile(proj, [][]record.DatasetRecord{{rowA}, {rowB}})
		Expect(err).To(MatchError(catalog.ErrMixedProjects))
	})

	It("plans a reconciled catalog straight through to resolved file paths", func() {
		c := &catalog.Catalog{Project: project.CMIP6()}
		c.Rows = []record.DatasetRecord{cmip6Row("CESM2", "historical", "r1i1p1f1", "gn", "1", "a")}
		c.Drivers = []driveresg.Driver{&fakeFileInfoDriver{
			name:  "fake",
			files: []record.FileInfo{{DatasetID: "a", Path: "a.nc", HTTPServer: []string{srv.URL}}},
		}}

		dir := GinkgoT().TempDir()
		opts := catalog.PlanOptions{
			Downloader: download.New(download.Options{LocalCacheDir: dir, NumThreads: 1}),
			Planner:    planner.Prefs{LocalCache: []string{dir}},
		}
		paths, err := c.ToPathDict(context.Background(), opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(paths).To(HaveLen(1))
	})
})
