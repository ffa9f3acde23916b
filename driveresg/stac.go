// Driver-C: a STAC index searched via CQL2 ItemSearch. Unlike the other two
// drivers, file info lives inside the returned items' assets rather than a
// second call, so this driver caches items between Search and the next
// GetFileInfo, per spec §4.2/§9.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package driveresg

import (
	"context"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/esgf-go/esgcat/logging"
	"github.com/esgf-go/esgcat/project"
	"github.com/esgf-go/esgcat/record"
	"github.com/esgf-go/esgcat/reqcache"
)

var jsonStac = jsoniter.ConfigCompatibleWithStandardLibrary

// cmip6Namespace is the property prefix STAC items use for archive-extension
// fields, per spec §4.2 ("Item properties are namespaced under `cmip6:`").
const cmip6Namespace = "cmip6:"

type cql2Filter struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

type stacItemSearchRequest struct {
	Collections []string    `json:"collections"`
	Limit       int         `json:"limit"`
	Filter      *cql2Filter `json:"filter,omitempty"`
	FilterLang  string      `json:"filter-lang,omitempty"`
	Token       string      `json:"token,omitempty"`
}

type stacAsset struct {
	Href  string   `json:"href"`
	Roles []string `json:"roles"`
}

type stacItem struct {
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties"`
	Assets     map[string]stacAsset   `json:"assets"`
}

type stacFeatureCollection struct {
	Features []stacItem `json:"features"`
	Links    []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

// STACDriver implements Driver against a STAC API endpoint.
type STACDriver struct {
	Base
	client   *fasthttp.Client
	cache    *reqcache.Cache
	url      string // e.g. "https://api.stac.example.org/search"
	projects *project.Registry

	mu        sync.Mutex
	itemCache map[string]stacItem // dataset id -> item, populated by Search
}

// NewSTAC constructs a STAC driver against searchURL (the ItemSearch
// endpoint), sharing cache with the other drivers per §4.2.
func NewSTAC(name, searchURL string, client *fasthttp.Client, cache *reqcache.Cache, logger *logging.Logger, projects *project.Registry) *STACDriver {
	return &STACDriver{
		Base:      Base{Logger: logger, name: name},
		client:    client,
		cache:     cache,
		url:       searchURL,
		projects:  projects,
		itemCache: make(map[string]stacItem),
	}
}

// facetsToCQL2 builds a CQL2 `and`/`in` filter, one `in` clause per facet,
// per spec §4.2 Driver-C.
func facetsToCQL2(facets record.Facets) *cql2Filter {
	var clauses []interface{}
	for k, v := range facets {
		if k == "project" {
			continue
		}
		var values []interface{}
		switch t := v.(type) {
		case string:
			if t != "" {
				values = append(values, t)
			}
		case []string:
			for _, s := range t {
				values = append(values, s)
			}
		}
		if len(values) == 0 {
			continue
		}
		clauses = append(clauses, cql2Filter{
			Op:   "in",
			Args: []interface{}{map[string]string{"property": k}, values},
		})
	}
	if len(clauses) == 0 {
		return nil
	}
	if len(clauses) == 1 {
		if f, ok := clauses[0].(cql2Filter); ok {
			return &f
		}
	}
	return &cql2Filter{Op: "and", Args: clauses}
}

func (d *STACDriver) doSearch(ctx context.Context, req stacItemSearchRequest) (*stacFeatureCollection, error) {
	body, err := jsonStac.Marshal(&req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding STAC search request")
	}
	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(d.url)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.SetBody(body)

	if err := d.cache.DoFastHTTP(d.client, httpReq, httpResp); err != nil {
		return nil, errors.Wrapf(ErrTransport, "%s: request failed: %v", d.Name(), err)
	}
	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		return nil, errors.Wrapf(ErrTransport, "%s: status %d", d.Name(), httpResp.StatusCode())
	}
	var fc stacFeatureCollection
	if err := jsonStac.Unmarshal(httpResp.Body(), &fc); err != nil {
		return nil, errors.Wrapf(err, "%s: decoding response", d.Name())
	}
	return &fc, nil
}

// Search implements Driver.Search.
func (d *STACDriver) Search(ctx context.Context, facets record.Facets) ([]record.DatasetRecord, error) {
	collection := strings.ToLower(facets.String("project"))
	if collection == "" {
		collection = "cmip6"
	}
	proj, err := d.projects.Get(collection)
	if err != nil {
		return nil, err
	}

	var items []stacItem
	token := ""
	for {
		fc, err := d.doSearch(ctx, stacItemSearchRequest{
			Collections: []string{collection},
			Limit:       250,
			Filter:      facetsToCQL2(facets),
			FilterLang:  "cql2-json",
			Token:       token,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, fc.Features...)
		token = nextToken(fc)
		if token == "" {
			break
		}
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrNoSearchResults, "%s", d.Name())
	}

	d.mu.Lock()
	d.itemCache = make(map[string]stacItem, len(items))
	var out []record.DatasetRecord
	for _, item := range items {
		rec, id := stacItemToRecord(proj, item)
		d.itemCache[id] = item
		out = append(out, rec)
	}
	d.mu.Unlock()
	return out, nil
}

func nextToken(fc *stacFeatureCollection) string {
	for _, l := range fc.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

// stacItemToRecord strips the "cmip6:" namespace from properties and builds
// a DatasetRecord, synthesizing an id from the project facets since STAC
// items carry their own id scheme.
func stacItemToRecord(p project.Project, item stacItem) (record.DatasetRecord, string) {
	facets := make(record.Facets, len(item.Properties))
	for k, v := range item.Properties {
		key := strings.TrimPrefix(k, cmip6Namespace)
		facets[key] = v
	}
	version := facets.String("version")
	id, err := project.ID(p, toInterfaceFacets(facets, version))
	if err != nil || id == "" {
		id = item.ID
	}
	return record.DatasetRecord{
		Project: p.Name(),
		Facets:  facets,
		Version: version,
		IDs:     []string{id},
	}, id
}

func toInterfaceFacets(f record.Facets, version string) map[string]interface{} {
	out := make(map[string]interface{}, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out["version"] = version
	if _, ok := out["data_node"]; !ok {
		out["data_node"] = "stac"
	}
	return out
}

// FromTrackingIDs is not supported by the STAC backend, per
// original_source's STACESGFIndex.from_tracking_ids.
func (d *STACDriver) FromTrackingIDs(ctx context.Context, ids []string) ([]record.DatasetRecord, error) {
	return nil, errors.Errorf("%s: from_tracking_ids is not supported", d.Name())
}

// GetFileInfo is sourced from the cached items' assets, not a second call.
func (d *STACDriver) GetFileInfo(ctx context.Context, datasetIDs []string, facets record.Facets) ([]record.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []record.FileInfo
	for _, id := range datasetIDs {
		item, ok := d.itemCache[id]
		if !ok {
			if d.Logger != nil {
				d.Logger.Warn("%s: no cached item for %s, search must precede file-info", d.Name(), id)
			}
			continue
		}
		out = append(out, assetsToFileInfo(id, item)...)
	}
	return out, nil
}

func assetsToFileInfo(datasetID string, item stacItem) []record.FileInfo {
	var out []record.FileInfo
	for name, asset := range item.Assets {
		fi := record.FileInfo{
			DatasetID: datasetID,
			Path:      name,
		}
		switch {
		case strings.Contains(asset.Href, "/dodsC/") || strings.Contains(name, "opendap"):
			fi.OPENDAP = append(fi.OPENDAP, strings.TrimSuffix(asset.Href, ".html"))
		case strings.HasPrefix(asset.Href, "http://"), strings.HasPrefix(asset.Href, "https://"):
			fi.HTTPServer = append(fi.HTTPServer, asset.Href)
		}
		// Size/checksum are often absent from STAC assets; leave them null
		// rather than block the download, per spec §4.2/§4.7.
		fi.FileStart, fi.FileEnd = parseTimeExtent(name)
		out = append(out, fi)
	}
	return out
}
