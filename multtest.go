// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// benjaminiHochberg computes step-up adjusted p-values over the
// defined entries of pvals. NaN entries stay NaN. Adjusted values are
// monotone under the BH ordering and never below the raw p-value.
func benjaminiHochberg(pvals []float64) []float64 {
	adj := make([]float64, len(pvals))
	var idx []int
	for i, p := range pvals {
		if math.IsNaN(p) {
			adj[i] = math.NaN()
		} else {
			idx = append(idx, i)
		}
	}
	n := len(idx)
	if n == 0 {
		return adj
	}
	sort.Slice(idx, func(a, b int) bool { return pvals[idx[a]] < pvals[idx[b]] })
	run := 1.0
	for i := n - 1; i >= 0; i-- {
		a := pvals[idx[i]] * float64(n) / float64(i+1)
		if a > 1 {
			a = 1
		}
		if a < run {
			run = a
		}
		adj[idx[i]] = run
	}
	return adj
}

const filterGridSize = 50

// independentFiltering searches a grid of base-mean quantile
// thresholds for the one that maximizes rejections at level alpha,
// smoothing the rejection curve with a short moving average to avoid
// chasing grid noise. Genes below the chosen threshold get NaN
// adjusted p-values. ok is false when no threshold beats plain BH; the
// caller then falls back to the unfiltered adjustment.
func independentFiltering(pvals, baseMeans []float64, alpha float64) (padj []float64, threshold float64, ok bool) {
	sorted := append([]float64(nil), baseMeans...)
	sort.Float64s(sorted)

	thetas := make([]float64, filterGridSize)
	cutoffs := make([]float64, filterGridSize)
	numRej := make([]int, filterGridSize)
	for t := range thetas {
		thetas[t] = 0.95 * float64(t) / float64(filterGridSize-1)
		cutoffs[t] = stat.Quantile(thetas[t], stat.Empirical, sorted, nil)
		for _, a := range bhAboveCutoff(pvals, baseMeans, cutoffs[t]) {
			if a < alpha {
				numRej[t]++
			}
		}
	}

	// Moving average over the grid neighbors.
	best := 0
	bestSmooth := -1.0
	for t := range numRej {
		sum, cnt := 0, 0
		for _, u := range []int{t - 1, t, t + 1} {
			if u >= 0 && u < len(numRej) {
				sum += numRej[u]
				cnt++
			}
		}
		s := float64(sum) / float64(cnt)
		if s > bestSmooth {
			bestSmooth = s
			best = t
		}
	}

	if numRej[best] <= numRej[0] {
		log.Warnf("independent filtering found no improving threshold (%d rejections unfiltered), falling back to plain BH", numRej[0])
		return nil, 0, false
	}
	log.Infof("independent filtering threshold: base mean %.4g (quantile %.3f), %d rejections", cutoffs[best], thetas[best], numRej[best])
	return bhAboveCutoff(pvals, baseMeans, cutoffs[best]), cutoffs[best], true
}

// bhAboveCutoff adjusts only genes at or above the base-mean cutoff;
// the rest come back NaN.
func bhAboveCutoff(pvals, baseMeans []float64, cutoff float64) []float64 {
	masked := make([]float64, len(pvals))
	for i := range pvals {
		if baseMeans[i] < cutoff {
			masked[i] = math.NaN()
		} else {
			masked[i] = pvals[i]
		}
	}
	return benjaminiHochberg(masked)
}
