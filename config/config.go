// Package config provides the process-wide, scoped-override settings object
// that governs every other component's thresholds, parallelism, and backend
// toggles.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TTL sentinels for the request cache, following cmn.Config's convention of
// expressing special values as named constants rather than magic durations.
const (
	DoNotCache        time.Duration = -1
	ExpireImmediately time.Duration = 0
	NeverExpire       time.Duration = -2
)

type (
	// RequestCacheConf configures the process-wide HTTP cache (C4).
	RequestCacheConf struct {
		TTL         time.Duration `json:"ttl"`
		Name        string        `json:"name"`
		Dir         string        `json:"dir"`
		UseCacheDir bool          `json:"use_cache_dir"`
	}

	// Config is the full set of process-wide settings. Field names and json
	// tags follow cmn.Config's dotted-path convention: a field reachable as
	// `Config.DownloadDB` is addressed externally as "download_db".
	Config struct {
		GlobusIndices         map[string]bool  `json:"globus_indices"`
		SolrIndices           map[string]bool  `json:"solr_indices"`
		STACIndices           map[string]bool  `json:"stac_indices"`
		EsgDataroot           []string         `json:"esg_dataroot"`
		LocalCache            []string         `json:"local_cache"`
		RequestsCache         RequestCacheConf `json:"requests_cache"`
		DownloadDB            string           `json:"download_db"`
		Logfile               string           `json:"logfile"`
		NumThreads            int              `json:"num_threads"`
		BreakOnError          bool             `json:"break_on_error"`
		ConfirmDownload       bool             `json:"confirm_download"`
		SlowDownloadThreshold float64          `json:"slow_download_threshold"` // Mb/s
		AdditionalDFCols      []string         `json:"additional_df_cols"`
		PrintLogOnError       bool             `json:"print_log_on_error"`
	}
)

// Defaults mirrors original_source/intake_esgf/config.py's `defaults` table,
// translated into Go values.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		GlobusIndices: map[string]bool{
			"anl-dev":  true,
			"ornl-dev": true,
		},
		SolrIndices: map[string]bool{
			"esgf.ceda.ac.uk":        false,
			"esgf-data.dkrz.de":      false,
			"esgf-node.ipsl.upmc.fr": false,
			"esg-dn1.nsc.liu.se":     false,
			"esgf-node.llnl.gov":     false,
			"esgf.nci.org.au":        false,
			"esgf-node.ornl.gov":     false,
		},
		STACIndices: map[string]bool{
			"api.stac.ceda.ac.uk": false,
		},
		EsgDataroot: nil,
		LocalCache:  []string{filepath.Join(home, ".esgf")},
		RequestsCache: RequestCacheConf{
			TTL:  24 * time.Hour,
			Name: "esgf-http-cache",
		},
		DownloadDB:            filepath.Join(home, ".config", "esgcat", "download.db"),
		Logfile:               filepath.Join(home, ".config", "esgcat", "esgcat.log"),
		NumThreads:            6,
		BreakOnError:          true,
		ConfirmDownload:       false,
		SlowDownloadThreshold: 0,
		AdditionalDFCols:      nil,
		PrintLogOnError:       false,
	}
}

// owner holds the live config behind a mutex, modeled on cmn.Config's
// globalConfigOwner atomic-pointer-swap design but using a plain mutex since
// updates here are infrequent (scoped Set calls), not a hot path.
type owner struct {
	mu sync.Mutex
	c  *Config
}

var global = &owner{c: Defaults()}

// Get returns the current process-wide configuration. Callers must not
// mutate the returned value; use Set instead.
func Get() *Config {
	global.mu.Lock()
	defer global.mu.Unlock()
	cp := *global.c
	return &cp
}

// Update is applied under the config lock to produce a new Config from the
// current one.
type Update func(c *Config)

// Set applies updates to the global config and returns a restore function
// that puts back the prior snapshot, mirroring intake_esgf.config.Config's
// context-manager `set`/`_unset` pair.
func Set(updates ...Update) (restore func()) {
	global.mu.Lock()
	prev := *global.c
	next := *global.c
	for _, m := range []*map[string]bool{&next.GlobusIndices, &next.SolrIndices, &next.STACIndices} {
		cp := make(map[string]bool, len(*m))
		for k, v := range *m {
			cp[k] = v
		}
		*m = cp
	}
	for _, u := range updates {
		u(&next)
	}
	*global.c = next
	global.mu.Unlock()

	return func() {
		global.mu.Lock()
		*global.c = prev
		global.mu.Unlock()
	}
}

// WithIndices merges the given enabled/disabled flags into whichever
// backend-kind table(s) contain the named keys, following
// Config.set's `indices={...}` merge semantics.
func WithIndices(indices map[string]bool) Update {
	return func(c *Config) {
		for k, v := range indices {
			if _, ok := c.GlobusIndices[k]; ok {
				c.GlobusIndices[k] = v
				continue
			}
			if _, ok := c.SolrIndices[k]; ok {
				c.SolrIndices[k] = v
				continue
			}
			if _, ok := c.STACIndices[k]; ok {
				c.STACIndices[k] = v
			}
		}
	}
}

// WithAllIndices bulk-toggles the globus+solr tables but never STAC, per
// spec §4.10.
func WithAllIndices(enabled bool) Update {
	return func(c *Config) {
		for k := range c.GlobusIndices {
			c.GlobusIndices[k] = enabled
		}
		for k := range c.SolrIndices {
			c.SolrIndices[k] = enabled
		}
	}
}

// WithNoIndices disables every globus+solr backend, leaving STAC untouched.
func WithNoIndices() Update { return WithAllIndices(false) }

// Load reads a Config from a JSON file, falling back to Defaults for any
// field absent from the file.
func Load(path string) (*Config, error) {
	c := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return c, nil
}

// Save writes c to path as JSON, creating parent directories as needed.
func Save(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating config dir for %s", path)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrap(os.Rename(tmp, path), "renaming config into place")
}
