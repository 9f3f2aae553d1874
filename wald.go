// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// waldTest returns the Wald statistic and two-sided p-value for one
// coefficient estimate and its standard error. The p-value is NaN when
// the standard error is zero or not finite.
func waldTest(coef, se float64) (stat, p float64) {
	if se <= 0 || math.IsNaN(se) || math.IsInf(se, 0) || math.IsNaN(coef) {
		return math.NaN(), math.NaN()
	}
	stat = coef / se
	p = 2 * stdNormal.Survival(math.Abs(stat))
	return stat, p
}
