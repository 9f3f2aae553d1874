// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"math"

	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func ones(n int) []float64 {
	f := make([]float64, n)
	for i := range f {
		f[i] = 1
	}
	return f
}

func (s *glmSuite) TestCoefficientRecovery(c *check.C) {
	// One gene, 30 samples per group, B mean 4x A mean: the contrast
	// coefficient is ln 4 on the natural-log scale.
	cm, samples := simulateTwoGroups(1, 1, 30, 100, 0.05, 4, 21)
	dm, err := NewDesignMatrix(samples, []string{"condition"})
	c.Assert(err, check.IsNil)

	fit, err := fitNBGLM(cm.row(0), ones(60), dm, 0.05, nil)
	c.Assert(err, check.IsNil)
	c.Check(fit.converged, check.Equals, true)
	c.Check(math.Abs(fit.beta[1]-math.Log(4)) < 0.25, check.Equals, true,
		check.Commentf("beta=%g want about %g", fit.beta[1], math.Log(4)))
	c.Check(fit.se[1] > 0, check.Equals, true)
	c.Check(fit.se[1] < 0.2, check.Equals, true)
	for i, mu := range fit.mu {
		c.Check(mu > 0, check.Equals, true, check.Commentf("mu[%d]", i))
	}
}

func (s *glmSuite) TestRefitIdempotent(c *check.C) {
	cm, samples := simulateTwoGroups(1, 1, 8, 150, 0.03, 2, 22)
	dm, err := NewDesignMatrix(samples, []string{"condition"})
	c.Assert(err, check.IsNil)

	fit1, err := fitNBGLM(cm.row(0), ones(16), dm, 0.03, nil)
	c.Assert(err, check.IsNil)
	fit2, err := fitNBGLM(cm.row(0), ones(16), dm, 0.03, nil)
	c.Assert(err, check.IsNil)
	for j := range fit1.beta {
		c.Check(math.Abs(fit1.beta[j]-fit2.beta[j]) < irlsTol, check.Equals, true)
	}
}

func (s *glmSuite) TestSizeFactorOffset(c *check.C) {
	// Doubling one sample's size factor while doubling its count must
	// leave the coefficients essentially unchanged.
	cm, samples := simulateTwoGroups(1, 0, 10, 200, 0.02, 2, 23)
	dm, err := NewDesignMatrix(samples, []string{"condition"})
	c.Assert(err, check.IsNil)

	sf := ones(20)
	fitA, err := fitNBGLM(cm.row(0), sf, dm, 0.02, nil)
	c.Assert(err, check.IsNil)

	y := cm.row(0)
	y[0] *= 2
	sf[0] = 2
	fitB, err := fitNBGLM(y, sf, dm, 0.02, nil)
	c.Assert(err, check.IsNil)
	for j := range fitA.beta {
		c.Check(math.Abs(fitA.beta[j]-fitB.beta[j]) < 0.02, check.Equals, true)
	}
}

func (s *glmSuite) TestAdjustedProfileFinite(c *check.C) {
	cm, samples := simulateTwoGroups(1, 0, 6, 100, 0.05, 2, 24)
	dm, err := NewDesignMatrix(samples, []string{"condition"})
	c.Assert(err, check.IsNil)
	y := cm.row(0)
	mu, err := fitMeansGLM(y, ones(12), dm, 0.05)
	c.Assert(err, check.IsNil)
	for _, alpha := range []float64{1e-6, 1e-3, 0.05, 1, 10} {
		ll := nbAdjustedProfile(y, mu, dm, alpha)
		c.Check(math.IsNaN(ll), check.Equals, false, check.Commentf("alpha=%g", alpha))
		c.Check(math.IsInf(ll, 1), check.Equals, false)
	}
}
