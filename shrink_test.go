// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"context"
	"math"

	"gopkg.in/check.v1"
)

type shrinkSuite struct{}

var _ = check.Suite(&shrinkSuite{})

func (s *shrinkSuite) TestShrinkReducesMagnitude(c *check.C) {
	cm, samples := simulateTwoGroups(60, 6, 4, 150, 0.05, 2, 61)
	cfg := DefaultConfig()
	cfg.ShrinkLFC = true
	a, err := New(cm, samples, []string{"condition"}, testContrast, cfg)
	c.Assert(err, check.IsNil)
	res, err := a.Run(context.Background())
	c.Assert(err, check.IsNil)

	c.Assert(res.Log2FoldChangeShrunk, check.HasLen, 60)
	c.Assert(res.SValue, check.HasLen, 60)
	for g := range res.Log2FoldChangeShrunk {
		raw, shrunk := res.Log2FoldChange[g], res.Log2FoldChangeShrunk[g]
		if math.IsNaN(raw) || math.IsNaN(shrunk) || math.Abs(raw) < 1e-6 {
			continue
		}
		c.Check(math.Abs(shrunk) < math.Abs(raw), check.Equals, true,
			check.Commentf("gene%d raw=%g shrunk=%g", g, raw, shrunk))
		if math.Abs(raw) > 0.2 {
			c.Check(shrunk*raw > 0, check.Equals, true, check.Commentf("gene%d changed sign", g))
		}
	}
}

func (s *shrinkSuite) TestSValues(c *check.C) {
	cm, samples := simulateTwoGroups(60, 6, 4, 150, 0.05, 4, 62)
	cfg := DefaultConfig()
	cfg.ShrinkLFC = true
	a, err := New(cm, samples, []string{"condition"}, testContrast, cfg)
	c.Assert(err, check.IsNil)
	res, err := a.Run(context.Background())
	c.Assert(err, check.IsNil)

	for g, sv := range res.SValue {
		if math.IsNaN(sv) {
			continue
		}
		c.Check(sv >= 0 && sv <= 1, check.Equals, true, check.Commentf("gene%d svalue=%g", g, sv))
	}
	// Genes with a real 4x effect have near-certain sign.
	for g := 0; g < 6; g++ {
		c.Check(res.SValue[g] < 0.01, check.Equals, true, check.Commentf("gene%d svalue=%g", g, res.SValue[g]))
	}
}

func (s *shrinkSuite) TestPriorVar(c *check.C) {
	// Estimates all noise: prior variance collapses to the floor.
	pv := lfcPriorVar([]float64{0.1, -0.1, 0.05}, []float64{0.5, 0.5, 0.5})
	c.Check(pv, check.Equals, 1e-6)

	// Strong spread beyond the standard errors.
	pv = lfcPriorVar([]float64{2, -2, 2, -2}, []float64{0.1, 0.1, 0.1, 0.1})
	c.Check(math.Abs(pv-3.99) < 0.01, check.Equals, true)
}

func (s *shrinkSuite) TestSValueOrdering(c *check.C) {
	beta := []float64{3, 0.01, 1}
	se := []float64{0.1, 0.5, 0.5}
	sv := sValues(beta, se)
	// The confident gene gets the smallest s-value; the noisy
	// near-zero gene the largest.
	c.Check(sv[0] <= sv[2], check.Equals, true)
	c.Check(sv[2] <= sv[1], check.Equals, true)
}
