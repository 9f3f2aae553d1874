// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// SampleInfo is one row of the experimental covariate table.
type SampleInfo struct {
	ID      string
	Factors map[string]string
}

// Contrast names the comparison of interest: the log fold change of
// Level over Reference within Factor.
type Contrast struct {
	Factor    string
	Level     string
	Reference string
}

// DesignMatrix is the samples × coefficients model matrix, built once
// with treatment (reference-level) coding and an intercept, and fixed
// for the lifetime of the analysis.
type DesignMatrix struct {
	x        *mat.Dense
	colNames []string
	samples  []string
	refLevel map[string]string // factor -> reference level
}

// NewDesignMatrix builds a model matrix from the covariate table. For
// each factor the alphabetically first level is the reference; every
// other level contributes one indicator column.
func NewDesignMatrix(samples []SampleInfo, factors []string) (*DesignMatrix, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("design: no samples")
	}
	levels := map[string][]string{}
	for _, f := range factors {
		seen := map[string]bool{}
		for _, si := range samples {
			v, ok := si.Factors[f]
			if !ok {
				return nil, fmt.Errorf("design: sample %q has no value for factor %q", si.ID, f)
			}
			seen[v] = true
		}
		if len(seen) < 2 {
			return nil, fmt.Errorf("design: factor %q has fewer than two levels", f)
		}
		var lv []string
		for v := range seen {
			lv = append(lv, v)
		}
		sort.Strings(lv)
		levels[f] = lv
	}

	colNames := []string{"intercept"}
	refLevel := map[string]string{}
	for _, f := range factors {
		lv := levels[f]
		refLevel[f] = lv[0]
		for _, v := range lv[1:] {
			colNames = append(colNames, f+"_"+v+"_vs_"+lv[0])
		}
	}

	x := mat.NewDense(len(samples), len(colNames), nil)
	ids := make([]string, len(samples))
	for i, si := range samples {
		ids[i] = si.ID
		x.Set(i, 0, 1)
		col := 1
		for _, f := range factors {
			lv := levels[f]
			for _, v := range lv[1:] {
				if si.Factors[f] == v {
					x.Set(i, col, 1)
				}
				col++
			}
		}
	}

	return &DesignMatrix{x: x, colNames: colNames, samples: ids, refLevel: refLevel}, nil
}

func (dm *DesignMatrix) NumSamples() int { return len(dm.samples) }
func (dm *DesignMatrix) NumCoef() int    { return len(dm.colNames) }

// CoefNames returns the model matrix column names, intercept first.
func (dm *DesignMatrix) CoefNames() []string {
	return append([]string(nil), dm.colNames...)
}

// coefIndex resolves a contrast to a model matrix column.
func (dm *DesignMatrix) coefIndex(ct Contrast) (int, error) {
	ref, ok := dm.refLevel[ct.Factor]
	if !ok {
		return 0, fmt.Errorf("contrast: factor %q not in design", ct.Factor)
	}
	if ct.Reference != ref {
		return 0, fmt.Errorf("contrast: reference level %q for factor %q, design uses %q", ct.Reference, ct.Factor, ref)
	}
	name := ct.Factor + "_" + ct.Level + "_vs_" + ct.Reference
	for i, cn := range dm.colNames {
		if cn == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("contrast: level %q not found for factor %q", ct.Level, ct.Factor)
}

// rowVec returns one sample's model matrix row.
func (dm *DesignMatrix) rowVec(sample int) []float64 {
	row := make([]float64, dm.NumCoef())
	mat.Row(row, sample, dm.x)
	return row
}

// column returns one coefficient's column across samples.
func (dm *DesignMatrix) column(col int) []float64 {
	out := make([]float64, dm.NumSamples())
	mat.Col(out, col, dm.x)
	return out
}

// cells assigns each sample to a design cell: samples with identical
// model matrix rows share a cell. Used to decide whether an outlier
// count has enough replicates to be replaceable.
func (dm *DesignMatrix) cells() []int {
	keys := map[string]int{}
	cell := make([]int, dm.NumSamples())
	for i := range cell {
		k := fmt.Sprint(dm.rowVec(i))
		id, ok := keys[k]
		if !ok {
			id = len(keys)
			keys[k] = id
		}
		cell[i] = id
	}
	return cell
}
