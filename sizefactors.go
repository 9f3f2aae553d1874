// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"errors"
	"math"

	"github.com/montanaflynn/stats"
)

// ErrDegenerateDesign is returned when normalization cannot proceed:
// no gene has strictly positive counts in every sample, so the
// median-of-ratios has no eligible ratios.
var ErrDegenerateDesign = errors.New("degenerate design: no gene with all-positive counts")

// estimateSizeFactors computes per-sample normalization constants by
// the median-of-ratios method: each eligible gene (positive count in
// every sample) contributes the ratio of its count to its cross-sample
// geometric mean, and a sample's size factor is the median of those
// ratios. Ratios are handled in log space.
func estimateSizeFactors(cm *CountMatrix) ([]float64, error) {
	ngenes, nsamples := cm.NumGenes(), cm.NumSamples()

	// Per-gene log geometric mean; NaN marks ineligible genes.
	logGeoMean := make([]float64, ngenes)
	for g := 0; g < ngenes; g++ {
		sum := 0.0
		ok := true
		for s := 0; s < nsamples; s++ {
			c := cm.Count(g, s)
			if c == 0 {
				ok = false
				break
			}
			sum += math.Log(float64(c))
		}
		if ok {
			logGeoMean[g] = sum / float64(nsamples)
		} else {
			logGeoMean[g] = math.NaN()
		}
	}

	sf := make([]float64, nsamples)
	logRatios := make([]float64, 0, ngenes)
	for s := 0; s < nsamples; s++ {
		logRatios = logRatios[:0]
		for g := 0; g < ngenes; g++ {
			if math.IsNaN(logGeoMean[g]) {
				continue
			}
			logRatios = append(logRatios, math.Log(float64(cm.Count(g, s)))-logGeoMean[g])
		}
		if len(logRatios) == 0 {
			return nil, ErrDegenerateDesign
		}
		med, err := stats.Median(logRatios)
		if err != nil {
			return nil, err
		}
		sf[s] = math.Exp(med)
	}
	return sf, nil
}
