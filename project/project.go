// Package project implements the per-archive facet vocabulary (C1): which
// facets identify a dataset, which facet plays which semantic role, and the
// order in which facets are relaxed when widening an auxiliary search.
//
// Each archive is a closed tagged variant implementing Project, following
// REDESIGN FLAGS §9 in place of the source's inheritance-based polymorphism.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package project

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownProject is returned by Registry.Get for an unregistered project
// tag.
var ErrUnknownProject = errors.New("unknown project")

// Project exposes a single archive's facet vocabulary. Implementations are
// immutable and safe for concurrent use, matching the "Project Schemas are
// immutable, process-lifetime" lifecycle rule.
type Project interface {
	// Name is the canonical, uppercase project tag (e.g. "CMIP6").
	Name() string
	// MasterIDFacets returns the identity-facet ordering, excluding version
	// and data_node.
	MasterIDFacets() []string
	// IDFacets returns MasterIDFacets plus version and data_node, in that
	// trailing order.
	IDFacets() []string
	// RelaxationFacets returns, in order, the facets to drop when widening
	// an auxiliary search (e.g. for variable descriptions).
	RelaxationFacets() []string
	// VariableDescriptionFacets returns the facets that describe a specific
	// variable (beyond its identity facets).
	VariableDescriptionFacets() []string
	// VariableFacet, ModelFacet, VariantFacet name the facets playing those
	// semantic roles.
	VariableFacet() string
	ModelFacet() string
	VariantFacet() string
	// GridFacet names the grid-role facet, or "" if this project has none.
	GridFacet() string
	// ModelGroupFacets returns the tuple whose distinct values define a
	// "model group" (by default {model, variant, grid} filtering absent
	// ones).
	ModelGroupFacets() []string
}

type base struct {
	name                           string
	facets                         []string // identity facets ... version, data_node
	relaxation                     []string
	variableDescription            []string
	variable, model, variant, grid string
}

func (p *base) Name() string                        { return p.name }
func (p *base) MasterIDFacets() []string            { return p.facets[:len(p.facets)-2] }
func (p *base) IDFacets() []string                  { return p.facets }
func (p *base) RelaxationFacets() []string          { return p.relaxation }
func (p *base) VariableDescriptionFacets() []string { return p.variableDescription }
func (p *base) VariableFacet() string               { return p.variable }
func (p *base) ModelFacet() string                  { return p.model }
func (p *base) VariantFacet() string                { return p.variant }
func (p *base) GridFacet() string                   { return p.grid }

func (p *base) ModelGroupFacets() []string {
	out := make([]string, 0, 3)
	for _, f := range []string{p.model, p.variant, p.grid} {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// CMIP6 is the CMIP Phase 6 archive schema.
func CMIP6() Project {
	return &base{
		name: "CMIP6",
		facets: []string{
			"mip_era", "activity_drs", "institution_id", "source_id",
			"experiment_id", "member_id", "table_id", "variable_id",
			"grid_label", "version", "data_node",
		},
		relaxation:          []string{"member_id", "experiment_id", "activity_drs", "institution_id"},
		variableDescription: []string{"table_id", "variable_id"},
		variable:            "variable_id",
		model:               "source_id",
		variant:             "member_id",
		grid:                "grid_label",
	}
}

// CMIP6Plus is CMIP6Plus: identical facet shape to CMIP6, used by the
// STAC-only archive (no separate Solr/Globus backend), per SPEC_FULL's C1
// expansion.
func CMIP6Plus() Project {
	p := CMIP6().(*base)
	cp := *p
	cp.name = "CMIP6Plus"
	return &cp
}

// CMIP5 is the CMIP Phase 5 archive schema. It declares no grid facet,
// exercising the "project may declare a role facet absent" invariant.
func CMIP5() Project {
	return &base{
		name: "CMIP5",
		facets: []string{
			"institute", "model", "experiment", "time_frequency", "realm",
			"cmor_table", "ensemble", "variable", "version", "data_node",
		},
		relaxation:          []string{"ensemble", "experiment", "institute"},
		variableDescription: []string{"time_frequency", "realm", "cmor_table", "variable"},
		variable:            "variable",
		model:               "model",
		variant:             "ensemble",
		grid:                "",
	}
}

// CMIP3 is the CMIP Phase 3 archive schema. Also grid-less.
func CMIP3() Project {
	return &base{
		name: "CMIP3",
		facets: []string{
			"project", "institute", "model", "experiment", "time_frequency",
			"realm", "ensemble", "variable", "version", "data_node",
		},
		relaxation:          []string{"ensemble", "experiment", "institute"},
		variableDescription: []string{"time_frequency", "realm", "variable"},
		variable:            "variable",
		model:               "model",
		variant:             "ensemble",
		grid:                "",
	}
}

// Registry looks up Project implementations by a case-insensitive tag.
type Registry struct {
	byName map[string]Project
}

// NewRegistry builds the default registry seeded with CMIP6, CMIP5, CMIP3,
// and CMIP6Plus.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Project, 4)}
	for _, p := range []Project{CMIP6(), CMIP5(), CMIP3(), CMIP6Plus()} {
		r.byName[strings.ToUpper(p.Name())] = p
	}
	return r
}

// Get returns the Project registered under id (case-insensitive), or
// ErrUnknownProject.
func (r *Registry) Get(id string) (Project, error) {
	p, ok := r.byName[strings.ToUpper(id)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProject, "%q", id)
	}
	return p, nil
}

// Register adds or replaces a project in the registry, letting callers
// extend the vocabulary without modifying this package.
func (r *Registry) Register(p Project) {
	r.byName[strings.ToUpper(p.Name())] = p
}

// Likely returns the project whose master-id facets most overlap the given
// attribute set, used when a dataset lacks an explicit `project` attribute.
func (r *Registry) Likely(facets map[string]interface{}) (Project, error) {
	var best Project
	bestScore := -1
	for _, p := range r.byName {
		score := 0
		for _, f := range p.MasterIDFacets() {
			if _, ok := facets[f]; ok {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	if best == nil {
		return nil, ErrUnknownProject
	}
	return best, nil
}

// MasterID joins the master-id facet values (first element if a value is a
// slice) with ".", per ESGFProject.master_id.
func MasterID(p Project, facets map[string]interface{}) (string, error) {
	return join(p.MasterIDFacets(), facets)
}

// ID joins the full id facets (master id + "v<version>|<data_node>"), per
// ESGFProject.id.
func ID(p Project, facets map[string]interface{}) (string, error) {
	mid, err := MasterID(p, facets)
	if err != nil {
		return "", err
	}
	idf := p.IDFacets()
	version, err := scalar(facets, idf[len(idf)-2])
	if err != nil {
		return "", err
	}
	dataNode, err := scalar(facets, idf[len(idf)-1])
	if err != nil {
		return "", err
	}
	return mid + ".v" + version + "|" + dataNode, nil
}

func join(fs []string, facets map[string]interface{}) (string, error) {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		v, err := scalar(facets, f)
		if err != nil {
			return "", err
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, "."), nil
}

func scalar(facets map[string]interface{}, key string) (string, error) {
	v, ok := facets[key]
	if !ok {
		return "", errors.Errorf("input is missing required facet %q", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []string:
		if len(t) == 0 {
			return "", errors.Errorf("facet %q has no values", key)
		}
		return t[0], nil
	default:
		return "", errors.Errorf("facet %q has unsupported type %T", key, v)
	}
}
