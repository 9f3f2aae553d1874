// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
)

// Negative binomial regression with log link: mean = sizefactor ×
// exp(design · beta), variance = mean + dispersion × mean². Fitting is
// iteratively reweighted least squares with a small ridge term on the
// normal equations so single-sample groups stay solvable.

const (
	irlsMaxIter = 100
	irlsTol     = 1e-8
	ridgeEps    = 1e-6
	minMu       = 0.5
)

var errSingular = errors.New("design matrix singular or near-singular for this gene")

// UnfittableGeneError records a per-gene estimation failure. It is
// collected into the results table, never raised; the gene's
// statistical columns come out as NaN.
type UnfittableGeneError struct {
	Gene string
	Err  error
}

func (e *UnfittableGeneError) Error() string {
	return fmt.Sprintf("gene %s: %s", e.Gene, e.Err)
}

func (e *UnfittableGeneError) Unwrap() error { return e.Err }

type glmFit struct {
	beta      []float64 // natural-log scale, one per design column
	se        []float64
	cov       *mat.SymDense
	mu        []float64 // fitted means, one per sample
	converged bool
}

// wlsSolve solves the penalized weighted least squares update
// (X'WX + diag(penalty)) beta = X'Wz and returns the solution along
// with the factorization of the penalized information matrix.
func wlsSolve(dm *DesignMatrix, w, z, penalty []float64) ([]float64, *mat.Cholesky, error) {
	m, p := dm.NumSamples(), dm.NumCoef()
	xtwx := mat.NewSymDense(p, nil)
	rhs := make([]float64, p)
	for i := 0; i < m; i++ {
		xi := dm.rowVec(i)
		for j := 0; j < p; j++ {
			rhs[j] += w[i] * xi[j] * z[i]
			for k := j; k < p; k++ {
				xtwx.SetSym(j, k, xtwx.At(j, k)+w[i]*xi[j]*xi[k])
			}
		}
	}
	for j := 0; j < p; j++ {
		xtwx.SetSym(j, j, xtwx.At(j, j)+penalty[j])
	}
	ch := &mat.Cholesky{}
	if !ch.Factorize(xtwx) {
		return nil, nil, errSingular
	}
	var sol mat.VecDense
	if err := ch.SolveVecTo(&sol, mat.NewVecDense(p, rhs)); err != nil {
		return nil, nil, errSingular
	}
	beta := make([]float64, p)
	for j := range beta {
		beta[j] = sol.AtVec(j)
	}
	return beta, ch, nil
}

// fitNBGLM fits one gene's coefficient vector with the dispersion held
// fixed. penalty, if non-nil, is an extra per-coefficient diagonal
// added to the information matrix (the LFC shrinker passes the prior
// precision here); nil means the plain ridge stabilizer.
func fitNBGLM(y, sizeFactors []float64, dm *DesignMatrix, alpha float64, penalty []float64) (*glmFit, error) {
	m, p := dm.NumSamples(), dm.NumCoef()
	if len(y) != m {
		return nil, fmt.Errorf("gene has %d counts, design has %d samples", len(y), m)
	}
	if penalty == nil {
		penalty = make([]float64, p)
		for j := range penalty {
			penalty[j] = ridgeEps
		}
	}

	// Initial coefficients from an unweighted regression of
	// log(normalized count + 0.1) on the design.
	w := make([]float64, m)
	z := make([]float64, m)
	for i := 0; i < m; i++ {
		w[i] = 1
		z[i] = math.Log(y[i]/sizeFactors[i] + 0.1)
	}
	beta, _, err := wlsSolve(dm, w, z, penalty)
	if err != nil {
		return nil, err
	}

	mu := make([]float64, m)
	eta := make([]float64, m)
	fit := &glmFit{mu: mu}
	var ch *mat.Cholesky
	for iter := 0; iter < irlsMaxIter; iter++ {
		for i := 0; i < m; i++ {
			xi := dm.rowVec(i)
			e := 0.0
			for j := 0; j < p; j++ {
				e += xi[j] * beta[j]
			}
			eta[i] = e
			mu[i] = sizeFactors[i] * math.Exp(e)
			if mu[i] < minMu {
				mu[i] = minMu
			}
			w[i] = mu[i] / (1 + alpha*mu[i])
			z[i] = e + (y[i]-mu[i])/mu[i]
		}
		next, chNext, err := wlsSolve(dm, w, z, penalty)
		if err != nil {
			return nil, err
		}
		ch = chNext
		delta := 0.0
		for j := range beta {
			d := math.Abs(next[j]-beta[j]) / (math.Abs(beta[j]) + 1e-8)
			if d > delta {
				delta = d
			}
		}
		beta = next
		if delta < irlsTol {
			fit.converged = true
			break
		}
	}
	for i := 0; i < m; i++ {
		e := 0.0
		xi := dm.rowVec(i)
		for j := 0; j < p; j++ {
			e += xi[j] * beta[j]
		}
		mu[i] = sizeFactors[i] * math.Exp(e)
		if mu[i] < minMu {
			mu[i] = minMu
		}
	}

	fit.beta = beta
	fit.cov = mat.NewSymDense(p, nil)
	if err := ch.InverseTo(fit.cov); err != nil {
		return nil, errSingular
	}
	fit.se = make([]float64, p)
	for j := 0; j < p; j++ {
		fit.se[j] = math.Sqrt(fit.cov.At(j, j))
	}
	return fit, nil
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// nbLogLike is the negative binomial log-likelihood of counts y at
// means mu with dispersion alpha (r = 1/alpha).
func nbLogLike(y, mu []float64, alpha float64) float64 {
	r := 1 / alpha
	ll := 0.0
	for i := range y {
		ll += lgamma(y[i]+r) - lgamma(r) - lgamma(y[i]+1) +
			r*math.Log(r/(r+mu[i])) + y[i]*math.Log(mu[i]/(r+mu[i]))
	}
	return ll
}

// nbAdjustedProfile is the Cox-Reid bias-adjusted profile
// log-likelihood over the dispersion: the NB log-likelihood minus half
// the log-determinant of the weighted Fisher information.
func nbAdjustedProfile(y, mu []float64, dm *DesignMatrix, alpha float64) float64 {
	m, p := dm.NumSamples(), dm.NumCoef()
	xtwx := mat.NewSymDense(p, nil)
	for i := 0; i < m; i++ {
		xi := dm.rowVec(i)
		w := mu[i] / (1 + alpha*mu[i])
		for j := 0; j < p; j++ {
			for k := j; k < p; k++ {
				xtwx.SetSym(j, k, xtwx.At(j, k)+w*xi[j]*xi[k])
			}
		}
	}
	ch := &mat.Cholesky{}
	if !ch.Factorize(xtwx) {
		return math.Inf(-1)
	}
	return nbLogLike(y, mu, alpha) - 0.5*ch.LogDet()
}

var muHatLog = log.New(io.Discard, "", 0)

// fitMeansGLM produces the fitted means used inside the dispersion
// estimator, by fitting the gene's negative binomial regression with a
// rough dispersion via statmodel's IRLS, with log size factors as the
// offset.
func fitMeansGLM(y, sizeFactors []float64, dm *DesignMatrix, alpha float64) (mu []float64, err error) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			mu, err = nil, errSingular
		}
	}()

	m, p := dm.NumSamples(), dm.NumCoef()
	offset := make([]float64, m)
	for i := range offset {
		offset[i] = math.Log(sizeFactors[i])
	}
	data := make([][]statmodel.Dtype, 0, p+2)
	names := make([]string, 0, p+2)
	data = append(data, y, offset)
	names = append(names, "count", "offset")
	for j := 0; j < p; j++ {
		data = append(data, dm.column(j))
		names = append(names, dm.colNames[j])
	}
	dataset := statmodel.NewDataset(data, names)

	config := &glm.Config{
		Family:         glm.NewNegBinomFamily(alpha, glm.NewLink(glm.LogLink)),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		OffsetVar:      "offset",
		Log:            muHatLog,
	}
	model, err := glm.NewGLM(dataset, "count", names[2:], config)
	if err != nil {
		return nil, err
	}
	params := model.Fit().Params()

	mu = make([]float64, m)
	for i := 0; i < m; i++ {
		xi := dm.rowVec(i)
		e := 0.0
		for j := 0; j < p; j++ {
			e += xi[j] * params[j]
		}
		mu[i] = sizeFactors[i] * math.Exp(e)
		if mu[i] < minMu {
			mu[i] = minMu
		}
	}
	return mu, nil
}
