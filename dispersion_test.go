// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"context"
	"math"

	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type dispersionSuite struct{}

var _ = check.Suite(&dispersionSuite{})

func (s *dispersionSuite) TestTrigamma(c *check.C) {
	c.Check(math.Abs(trigamma(1)-math.Pi*math.Pi/6) < 1e-10, check.Equals, true)
	c.Check(math.Abs(trigamma(0.5)-math.Pi*math.Pi/2) < 1e-10, check.Equals, true)
	// Recurrence: trigamma(x+1) = trigamma(x) - 1/x^2.
	c.Check(math.Abs(trigamma(3.7)-(trigamma(2.7)-1/(2.7*2.7))) < 1e-10, check.Equals, true)
}

func (s *dispersionSuite) TestGoldenSection(c *check.C) {
	f := func(x float64) float64 { return -(x - 1.3) * (x - 1.3) }
	c.Check(math.Abs(goldenSection(f, -5, 5, 1e-8)-1.3) < 1e-4, check.Equals, true)
	c.Check(math.Abs(maximizeLogAlpha(f, -5, 5)-1.3) < 1e-4, check.Equals, true)
}

func (s *dispersionSuite) TestMoMDispersion(c *check.C) {
	// Variance 40 at mean 10 gives (40-10)/100 = 0.3.
	counts := []float64{2, 6, 10, 14, 18, 10, 4, 16}
	got := momDispersion(counts, 1e-8, 10)
	mean := 10.0
	sv := 0.0
	for _, v := range counts {
		sv += (v - mean) * (v - mean)
	}
	sv /= 7
	c.Check(math.Abs(got-(sv-mean)/(mean*mean)) < 1e-12, check.Equals, true)

	// Under-dispersed data clamps to the lower bound.
	c.Check(momDispersion([]float64{10, 10, 10, 10}, 1e-8, 10), check.Equals, 1e-8)
}

func (s *dispersionSuite) TestTrendFit(c *check.C) {
	// Dispersions generated exactly on the curve 0.05 + 3/mean.
	var means, disps []float64
	for m := 5.0; m < 500; m += 7 {
		means = append(means, m)
		disps = append(disps, 0.05+3/m)
	}
	tf := fitDispersionTrend(means, disps, 1e-8)
	c.Check(tf.flat, check.Equals, 0.0)
	c.Check(math.Abs(tf.a0-0.05) < 1e-3, check.Equals, true, check.Commentf("a0=%g", tf.a0))
	c.Check(math.Abs(tf.a1-3) < 0.05, check.Equals, true, check.Commentf("a1=%g", tf.a1))
}

func (s *dispersionSuite) TestTrendFallback(c *check.C) {
	tf := fitDispersionTrend([]float64{10, 20}, []float64{0.1, 0.2}, 1e-8)
	c.Check(tf.flat > 0, check.Equals, true)
	c.Check(tf.at(1), check.Equals, tf.at(1000))
}

// runDispersionStages drives the pipeline through MAP dispersion
// estimation and returns the analysis for inspection.
func runDispersionStages(c *check.C, cm *CountMatrix, samples []SampleInfo) *Analysis {
	a, err := New(cm, samples, []string{"condition"}, testContrast, DefaultConfig())
	c.Assert(err, check.IsNil)
	ctx := context.Background()
	a.sizeFactors, err = estimateSizeFactors(a.counts)
	c.Assert(err, check.IsNil)
	for g, bm := range a.counts.baseMeans(a.sizeFactors) {
		a.genes[g].baseMean = bm
	}
	c.Assert(a.fitGenewiseDispersions(ctx, a.counts, nil), check.IsNil)
	a.fitTrendAndPrior()
	c.Assert(a.fitMAPDispersions(ctx, a.counts, nil), check.IsNil)
	return a
}

func (s *dispersionSuite) TestDispersionOutlierKeepsMLE(c *check.C) {
	cm, samples := simulateTwoGroups(60, 0, 6, 200, 0.02, 2, 31)
	// Replace gene 0 with a heavily over-dispersed gene.
	src := rand.NewSource(32)
	for i := range cm.counts[0] {
		cm.counts[0][i] = nbRand(200, 5, src)
	}
	a := runDispersionStages(c, cm, samples)

	gf := &a.genes[0]
	c.Assert(gf.err, check.IsNil)
	c.Check(gf.alphaGenewise > 0.5, check.Equals, true, check.Commentf("genewise=%g", gf.alphaGenewise))
	c.Check(gf.disp.shrunk, check.Equals, false)
	c.Check(gf.disp.value, check.Equals, gf.alphaGenewise)

	// An ordinary gene is shrunk toward the trend.
	shrunk := 0
	for g := 1; g < 60; g++ {
		if a.genes[g].err == nil && a.genes[g].disp.shrunk {
			shrunk++
		}
	}
	c.Check(shrunk > 50, check.Equals, true, check.Commentf("only %d genes shrunk", shrunk))
	c.Check(a.trend.priorVar >= 0.25, check.Equals, true)
}

func (s *dispersionSuite) TestMAPBetweenGenewiseAndTrend(c *check.C) {
	cm, samples := simulateTwoGroups(80, 0, 6, 150, 0.05, 2, 33)
	a := runDispersionStages(c, cm, samples)
	for g := range a.genes {
		gf := &a.genes[g]
		if gf.err != nil || !gf.disp.shrunk {
			continue
		}
		lo := math.Min(math.Log(gf.alphaGenewise), math.Log(a.trend.at(gf.baseMean)))
		hi := math.Max(math.Log(gf.alphaGenewise), math.Log(a.trend.at(gf.baseMean)))
		lm := math.Log(gf.alphaMAP)
		// MAP sits between the data's own estimate and the prior mode,
		// give or take optimizer tolerance.
		c.Check(lm > lo-0.1 && lm < hi+0.1, check.Equals, true,
			check.Commentf("gene%d genewise=%g trend=%g map=%g", g, gf.alphaGenewise, a.trend.at(gf.baseMean), gf.alphaMAP))
	}
}
