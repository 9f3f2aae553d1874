// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"math"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// Dispersion estimation runs in three stages: a per-gene maximum of
// the Cox-Reid adjusted profile likelihood, a parametric trend fitted
// across genes, and an empirical-Bayes MAP estimate that shrinks each
// gene toward the trend. A gene whose raw estimate sits far above the
// trend keeps its raw estimate: real biological over-dispersion must
// not be shrunk away.

const (
	dispOutlierSD = 2.0
	trendMaxIter  = 10
	trendTol      = 1e-3
)

// dispersion is the per-gene final value, tagged with whether it came
// from MAP shrinkage or was kept at the genewise MLE.
type dispersion struct {
	value  float64
	shrunk bool
}

// trendFit is the fitted mean-dispersion curve a0 + a1/mean plus the
// variance of the log-dispersion prior. Shared read-only by all genes
// during MAP shrinkage.
type trendFit struct {
	a0, a1   float64
	flat     float64 // used instead of the curve when flat is > 0
	priorVar float64
}

func (tf *trendFit) at(mean float64) float64 {
	if tf.flat > 0 {
		return tf.flat
	}
	return tf.a0 + tf.a1/mean
}

// momDispersion is the method-of-moments dispersion of one gene's
// normalized counts, used to seed the preliminary mean fit.
func momDispersion(normCounts []float64, minDisp, maxDisp float64) float64 {
	m := float64(len(normCounts))
	mean := floats.Sum(normCounts) / m
	if mean <= 0 {
		return minDisp
	}
	sv := 0.0
	for _, v := range normCounts {
		sv += (v - mean) * (v - mean)
	}
	sv /= m - 1
	alpha := (sv - mean) / (mean * mean)
	if alpha < minDisp {
		return minDisp
	}
	if alpha > maxDisp {
		return maxDisp
	}
	return alpha
}

// goldenSection maximizes f on [a, b] to within tol.
func goldenSection(f func(float64) float64, a, b, tol float64) float64 {
	const invphi = 0.6180339887498949
	c := b - invphi*(b-a)
	d := a + invphi*(b-a)
	fc, fd := f(c), f(d)
	for i := 0; i < 100 && b-a > tol; i++ {
		if fc > fd {
			b, d, fd = d, c, fc
			c = b - invphi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invphi*(b-a)
			fd = f(d)
		}
	}
	return (a + b) / 2
}

// maximizeLogAlpha maximizes f over the log-dispersion interval
// [lo, hi]: a coarse grid locates the mode's bracket, golden-section
// refines it. Iteration counts are capped, so it always terminates.
func maximizeLogAlpha(f func(float64) float64, lo, hi float64) float64 {
	const gridN = 40
	step := (hi - lo) / gridN
	best, bestx := math.Inf(-1), lo
	for i := 0; i <= gridN; i++ {
		x := lo + float64(i)*step
		if v := f(x); v > best {
			best, bestx = v, x
		}
	}
	a := math.Max(lo, bestx-step)
	b := math.Min(hi, bestx+step)
	return goldenSection(f, a, b, 1e-6)
}

// genewiseDispersion maximizes the Cox-Reid adjusted profile
// likelihood over log-dispersion, bounded to [minDisp, maxDisp].
func genewiseDispersion(y, mu []float64, dm *DesignMatrix, minDisp, maxDisp float64) float64 {
	f := func(logAlpha float64) float64 {
		return nbAdjustedProfile(y, mu, dm, math.Exp(logAlpha))
	}
	return math.Exp(maximizeLogAlpha(f, math.Log(minDisp), math.Log(maxDisp)))
}

// mapDispersion maximizes the adjusted profile likelihood plus a
// Gaussian log-prior on log-dispersion centered at the trend value.
func mapDispersion(y, mu []float64, dm *DesignMatrix, trend, priorVar, minDisp, maxDisp float64) float64 {
	logTrend := math.Log(trend)
	f := func(logAlpha float64) float64 {
		d := logAlpha - logTrend
		return nbAdjustedProfile(y, mu, dm, math.Exp(logAlpha)) - d*d/(2*priorVar)
	}
	return math.Exp(maximizeLogAlpha(f, math.Log(minDisp), math.Log(maxDisp)))
}

// fitDispersionTrend fits dispersion = a0 + a1/mean across genes by
// iteratively reweighted least squares with gamma-family weights,
// excluding genes whose genewise estimate sits at the lower bound and,
// per iteration, genes whose ratio to the current curve is extreme.
// Degenerate fits fall back to a flat median trend.
func fitDispersionTrend(baseMeans, genewise []float64, minDisp float64) trendFit {
	var means, disps []float64
	for g := range genewise {
		if genewise[g] > 10*minDisp && baseMeans[g] > 0 {
			means = append(means, baseMeans[g])
			disps = append(disps, genewise[g])
		}
	}
	if len(disps) < 3 {
		return flatTrend(genewise)
	}

	// Gamma-family IRLS on the two-column design [1, 1/mean].
	a0, a1 := 0.1, 1.0
	for iter := 0; iter < trendMaxIter; iter++ {
		var s00, s01, s11, r0, r1 float64
		used := 0
		for i := range disps {
			pred := a0 + a1/means[i]
			if pred <= 0 {
				continue
			}
			ratio := disps[i] / pred
			if ratio < 1e-4 || ratio > 15 {
				continue
			}
			w := 1 / (pred * pred)
			z1 := 1 / means[i]
			s00 += w
			s01 += w * z1
			s11 += w * z1 * z1
			r0 += w * disps[i]
			r1 += w * z1 * disps[i]
			used++
		}
		det := s00*s11 - s01*s01
		if used < 3 || det <= 0 {
			return flatTrend(genewise)
		}
		na0 := (s11*r0 - s01*r1) / det
		na1 := (s00*r1 - s01*r0) / det
		if na0 <= 0 || na1 < 0 {
			log.Warnf("dispersion trend fit degenerated (a0=%g a1=%g), using flat trend", na0, na1)
			return flatTrend(genewise)
		}
		done := math.Abs(na0-a0)/(math.Abs(a0)+1e-8) < trendTol &&
			math.Abs(na1-a1)/(math.Abs(a1)+1e-8) < trendTol
		a0, a1 = na0, na1
		if done {
			break
		}
	}
	log.Debugf("dispersion trend: asymptotic %g, extra-Poisson %g", a0, a1)
	return trendFit{a0: a0, a1: a1}
}

func flatTrend(genewise []float64) trendFit {
	med, err := stats.Median(genewise)
	if err != nil || med <= 0 {
		med = 1e-2
	}
	return trendFit{flat: med}
}

// dispersionPriorVar estimates the variance of the log-dispersion
// prior by method of moments: the squared median absolute deviation of
// log residuals around the trend (robust to extreme residuals), minus
// the expected sampling variance of a log-dispersion estimate, floored
// at 0.25.
func dispersionPriorVar(logResiduals []float64, nsamples, ncoef int) float64 {
	med, err := stats.Median(logResiduals)
	if err != nil {
		return 0.25
	}
	dev := make([]float64, len(logResiduals))
	for i, r := range logResiduals {
		dev[i] = math.Abs(r - med)
	}
	mad, err := stats.Median(dev)
	if err != nil {
		return 0.25
	}
	s := 1.4826 * mad
	varLogRes := s * s
	pv := varLogRes - trigamma(float64(nsamples-ncoef)/2)
	if pv < 0.25 {
		pv = 0.25
	}
	return pv
}

// trigamma computes the polygamma function of order 1 via the
// recurrence plus the asymptotic series.
func trigamma(x float64) float64 {
	if x <= 0 {
		return math.Inf(1)
	}
	v := 0.0
	for x < 6 {
		v += 1 / (x * x)
		x++
	}
	xi := 1 / x
	xi2 := xi * xi
	return v + xi*(1+xi/2+xi2/6-xi2*xi2/30+xi2*xi2*xi2/42)
}
