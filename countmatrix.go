// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"fmt"
)

// CountMatrix holds raw read counts, one row per gene and one column
// per sample. It is immutable once constructed; outlier refitting works
// on a copy (see clone).
type CountMatrix struct {
	GeneNames   []string
	SampleNames []string

	counts [][]int // counts[gene][sample]
}

func NewCountMatrix(counts [][]int, geneNames, sampleNames []string) (*CountMatrix, error) {
	if len(counts) != len(geneNames) {
		return nil, fmt.Errorf("count matrix has %d rows but %d gene names", len(counts), len(geneNames))
	}
	for g, row := range counts {
		if len(row) != len(sampleNames) {
			return nil, fmt.Errorf("gene %q has %d counts but there are %d samples", geneNames[g], len(row), len(sampleNames))
		}
		for s, c := range row {
			if c < 0 {
				return nil, fmt.Errorf("negative count %d for gene %q sample %q", c, geneNames[g], sampleNames[s])
			}
		}
	}
	return &CountMatrix{
		GeneNames:   geneNames,
		SampleNames: sampleNames,
		counts:      counts,
	}, nil
}

func (cm *CountMatrix) NumGenes() int   { return len(cm.counts) }
func (cm *CountMatrix) NumSamples() int { return len(cm.SampleNames) }

func (cm *CountMatrix) Count(gene, sample int) int {
	return cm.counts[gene][sample]
}

// row returns the counts for one gene as float64, for use in per-gene
// fits. The returned slice is freshly allocated.
func (cm *CountMatrix) row(gene int) []float64 {
	y := make([]float64, len(cm.counts[gene]))
	for s, c := range cm.counts[gene] {
		y[s] = float64(c)
	}
	return y
}

// normalizedRow returns one gene's counts divided by the per-sample
// size factors.
func (cm *CountMatrix) normalizedRow(gene int, sizeFactors []float64) []float64 {
	y := make([]float64, len(cm.counts[gene]))
	for s, c := range cm.counts[gene] {
		y[s] = float64(c) / sizeFactors[s]
	}
	return y
}

// baseMeans returns, per gene, the mean of size-factor-normalized
// counts across samples.
func (cm *CountMatrix) baseMeans(sizeFactors []float64) []float64 {
	means := make([]float64, cm.NumGenes())
	for g, row := range cm.counts {
		sum := 0.0
		for s, c := range row {
			sum += float64(c) / sizeFactors[s]
		}
		means[g] = sum / float64(len(row))
	}
	return means
}

// clone returns a deep copy sharing gene/sample names. The copy's
// counts may be modified (outlier replacement) without affecting the
// original.
func (cm *CountMatrix) clone() *CountMatrix {
	counts := make([][]int, len(cm.counts))
	for g, row := range cm.counts {
		counts[g] = append([]int(nil), row...)
	}
	return &CountMatrix{
		GeneNames:   cm.GeneNames,
		SampleNames: cm.SampleNames,
		counts:      counts,
	}
}
