// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"math"

	"gopkg.in/check.v1"
)

type sizeFactorSuite struct{}

var _ = check.Suite(&sizeFactorSuite{})

func mustCountMatrix(c *check.C, counts [][]int) *CountMatrix {
	genes := make([]string, len(counts))
	for g := range genes {
		genes[g] = "gene" + string(rune('A'+g))
	}
	samples := make([]string, len(counts[0]))
	for s := range samples {
		samples[s] = "sample" + string(rune('A'+s))
	}
	cm, err := NewCountMatrix(counts, genes, samples)
	c.Assert(err, check.IsNil)
	return cm
}

func (s *sizeFactorSuite) TestMedianOfRatios(c *check.C) {
	cm := mustCountMatrix(c, [][]int{
		{100, 200},
		{50, 100},
		{10, 20},
	})
	sf, err := estimateSizeFactors(cm)
	c.Assert(err, check.IsNil)
	// Sample B has exactly twice sample A's counts for every gene, so
	// the size factors are 1/sqrt(2) and sqrt(2).
	c.Check(math.Abs(sf[0]-1/math.Sqrt2) < 1e-12, check.Equals, true)
	c.Check(math.Abs(sf[1]-math.Sqrt2) < 1e-12, check.Equals, true)
}

func (s *sizeFactorSuite) TestPositive(c *check.C) {
	cm, _ := simulateTwoGroups(50, 5, 4, 80, 0.05, 2, 11)
	sf, err := estimateSizeFactors(cm)
	c.Assert(err, check.IsNil)
	for _, v := range sf {
		c.Check(v > 0, check.Equals, true)
	}
}

func (s *sizeFactorSuite) TestCommonScalingInvariance(c *check.C) {
	cm, _ := simulateTwoGroups(50, 5, 4, 80, 0.05, 2, 12)
	sf, err := estimateSizeFactors(cm)
	c.Assert(err, check.IsNil)

	scaled := cm.clone()
	for g := range scaled.counts {
		for s := range scaled.counts[g] {
			scaled.counts[g][s] *= 3
		}
	}
	sf3, err := estimateSizeFactors(scaled)
	c.Assert(err, check.IsNil)
	for i := range sf {
		c.Check(math.Abs(sf3[i]-sf[i]) < 1e-12, check.Equals, true)
	}
}

func (s *sizeFactorSuite) TestDegenerateDesign(c *check.C) {
	// Every gene has at least one zero count: no eligible ratios.
	cm := mustCountMatrix(c, [][]int{
		{0, 10},
		{5, 0},
	})
	_, err := estimateSizeFactors(cm)
	c.Check(err, check.Equals, ErrDegenerateDesign)
}

func (s *sizeFactorSuite) TestZeroGenesExcluded(c *check.C) {
	cm := mustCountMatrix(c, [][]int{
		{100, 200},
		{0, 1000000},
		{50, 100},
	})
	sf, err := estimateSizeFactors(cm)
	c.Assert(err, check.IsNil)
	// The gene with a zero count contributes no ratio; the huge count
	// in sample B must not move the factors.
	c.Check(math.Abs(sf[0]-1/math.Sqrt2) < 1e-12, check.Equals, true)
	c.Check(math.Abs(sf[1]-math.Sqrt2) < 1e-12, check.Equals, true)
}
