// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Cook's distance measures how much one sample's count moves a gene's
// fitted coefficients. Samples past an F-distribution cutoff are count
// outliers: depending on configuration their genes are dropped from
// testing, or the counts are replaced by an imputed value and the gene
// refitted. Detection runs once; no re-detection after refit.

const (
	replaceTrim = 0.2
	// minFlagReplicates is the smallest design cell whose samples can
	// be flagged as count outliers. A near-singleton observation has
	// leverage close to one, so its distance diverges regardless of
	// the count.
	minFlagReplicates = 3
	// momMinDisp floors the trimmed method-of-moments dispersion; a
	// smaller floor would give every count sharing a cell with an
	// outlier an extreme distance of its own.
	momMinDisp = 0.04
)

// momCellTrim picks the trim fraction and the matching variance
// inflation factor for a design cell: small cells need aggressive
// trimming for a single outlier to be dropped at all.
func momCellTrim(n int) (trim, scale float64) {
	switch {
	case n <= 3:
		return 1.0 / 3, 2.04
	case n <= 23:
		return 0.25, 1.86
	default:
		return 0.125, 1.51
	}
}

// robustMoMDispersion is a trimmed method-of-moments dispersion of one
// gene's normalized counts, with means taken per design cell. Trimming
// keeps the estimate honest in the presence of the very count outliers
// Cook's distance is trying to find; the fitted dispersion would be
// inflated by them.
func robustMoMDispersion(normCounts []float64, cell []int) float64 {
	byCell := map[int][]float64{}
	for s, v := range normCounts {
		byCell[cell[s]] = append(byCell[cell[s]], v)
	}
	three := false
	for _, v := range byCell {
		if len(v) >= 3 {
			three = true
		}
	}

	var variance float64
	if three {
		// Per-cell trimmed variance, taking the largest cell estimate.
		for _, v := range byCell {
			trim, scale := momCellTrim(len(v))
			cm := trimmedMean(v, trim)
			sq := make([]float64, len(v))
			for i, x := range v {
				sq[i] = (x - cm) * (x - cm)
			}
			if cv := scale * trimmedMean(sq, trim); cv > variance {
				variance = cv
			}
		}
	} else {
		// No cell has enough replicates to trim within; trim across
		// all samples instead.
		cm := trimmedMean(normCounts, 0.125)
		sq := make([]float64, len(normCounts))
		for i, x := range normCounts {
			sq[i] = (x - cm) * (x - cm)
		}
		variance = 1.51 * trimmedMean(sq, 0.125)
	}

	mean := floats.Sum(normCounts) / float64(len(normCounts))
	if mean <= 0 {
		return momMinDisp
	}
	alpha := (variance - mean) / (mean * mean)
	if alpha < momMinDisp {
		return momMinDisp
	}
	return alpha
}

// cooksDistances computes the per-sample Cook's distances for one gene
// from its converged fit, using the standard GLM influence formula
// with leverage from the weighted hat matrix.
func cooksDistances(y, mu []float64, dm *DesignMatrix, alpha float64) []float64 {
	m, p := dm.NumSamples(), dm.NumCoef()
	xtwx := mat.NewSymDense(p, nil)
	w := make([]float64, m)
	for i := 0; i < m; i++ {
		xi := dm.rowVec(i)
		w[i] = mu[i] / (1 + alpha*mu[i])
		for j := 0; j < p; j++ {
			for k := j; k < p; k++ {
				xtwx.SetSym(j, k, xtwx.At(j, k)+w[i]*xi[j]*xi[k])
			}
		}
	}
	d := make([]float64, m)
	ch := &mat.Cholesky{}
	if !ch.Factorize(xtwx) {
		for i := range d {
			d[i] = math.NaN()
		}
		return d
	}
	cov := mat.NewSymDense(p, nil)
	if err := ch.InverseTo(cov); err != nil {
		for i := range d {
			d[i] = math.NaN()
		}
		return d
	}
	for i := 0; i < m; i++ {
		xi := dm.rowVec(i)
		h := 0.0
		for j := 0; j < p; j++ {
			for k := 0; k < p; k++ {
				h += xi[j] * cov.At(j, k) * xi[k]
			}
		}
		h *= w[i]
		v := mu[i] + alpha*mu[i]*mu[i]
		r2 := (y[i] - mu[i]) * (y[i] - mu[i]) / v
		d[i] = r2 / float64(p) * h / ((1 - h) * (1 - h))
	}
	return d
}

// cooksCutoff is the outlier threshold: the 1-alpha quantile of the
// F(p, m-p) distribution. Returns +Inf when there are no residual
// degrees of freedom, disabling detection.
func cooksCutoff(nsamples, ncoef int, alpha float64) float64 {
	if nsamples <= ncoef {
		return math.Inf(1)
	}
	f := distuv.F{D1: float64(ncoef), D2: float64(nsamples - ncoef)}
	return f.Quantile(1 - alpha)
}

// replaceableSamples marks samples whose design cell has at least
// minReplicates members: an outlier there can be imputed from its
// peers, elsewhere the gene is only flagged.
func replaceableSamples(dm *DesignMatrix, minReplicates int) []bool {
	cell := dm.cells()
	count := map[int]int{}
	for _, c := range cell {
		count[c]++
	}
	ok := make([]bool, len(cell))
	for s, c := range cell {
		ok[s] = count[c] >= minReplicates
	}
	return ok
}

// trimmedMean drops the trim fraction from each tail and averages the
// rest.
func trimmedMean(values []float64, trim float64) float64 {
	v := append([]float64(nil), values...)
	sort.Float64s(v)
	drop := int(math.Floor(float64(len(v)) * trim))
	v = v[drop : len(v)-drop]
	mean, err := stats.Mean(v)
	if err != nil {
		return math.NaN()
	}
	return mean
}

// imputeOutliers overwrites one gene's outlier counts in the masked
// matrix with the trimmed mean of its non-outlier normalized counts,
// scaled back by the outlier sample's size factor.
func imputeOutliers(masked *CountMatrix, gene int, outlier []bool, sizeFactors []float64) {
	var keep []float64
	for s := range outlier {
		if !outlier[s] {
			keep = append(keep, float64(masked.counts[gene][s])/sizeFactors[s])
		}
	}
	if len(keep) == 0 {
		return
	}
	imputed := trimmedMean(keep, replaceTrim)
	if math.IsNaN(imputed) {
		return
	}
	for s := range outlier {
		if outlier[s] {
			masked.counts[gene][s] = int(math.Round(imputed * sizeFactors[s]))
		}
	}
}
