// Copyright (C) The godeseq Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package godeseq

import (
	"context"
	"fmt"
	"math"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// Config collects the tunable knobs of an analysis. The zero value is
// not useful; start from DefaultConfig.
type Config struct {
	// RefitCooks enables count outlier replacement and refitting.
	RefitCooks bool
	// NWorkers caps per-gene parallelism; 0 means GOMAXPROCS.
	NWorkers int
	// Alpha is the significance level used by independent filtering
	// and the Cook's outlier F-test.
	Alpha float64
	// CooksFilter masks p-values of genes with unresolvable count
	// outliers.
	CooksFilter bool
	// IndependentFilter enables the filtering-threshold search before
	// BH adjustment.
	IndependentFilter bool
	// MinDisp and MaxDisp bound every dispersion estimate. MaxDisp 0
	// means max(10, number of samples).
	MinDisp float64
	MaxDisp float64
	// MinReplicates is the smallest design cell for which an outlier
	// count may be replaced instead of disqualifying the gene.
	MinReplicates int
	// ShrinkLFC adds shrunken LFC and s-value columns to the results.
	ShrinkLFC bool
}

func DefaultConfig() Config {
	return Config{
		RefitCooks:        true,
		Alpha:             0.05,
		CooksFilter:       true,
		IndependentFilter: true,
		MinDisp:           1e-8,
		MinReplicates:     7,
	}
}

func (cfg *Config) workers() int {
	if cfg.NWorkers > 0 {
		return cfg.NWorkers
	}
	return runtime.GOMAXPROCS(0)
}

// geneFit is the per-gene mutable state. During parallel stages each
// worker touches only its own gene's entry; cross-gene reductions
// happen single-threaded at the stage barriers.
type geneFit struct {
	baseMean      float64
	alphaMoM      float64
	alphaGenewise float64
	alphaMAP      float64
	disp          dispersion
	muHat         []float64
	fit           *glmFit
	err           error // *UnfittableGeneError; the gene's row reads NaN

	maxCooks     float64
	outlierUnfit bool // count outlier that could not be refit
	refitted     bool

	stat, pvalue       float64
	betaShrunk, sePost float64
}

// Results is the terminal artifact: one row per input gene, in input
// order. LFCs are on log2 scale; undefined values are NaN. Rows for
// unfit genes carry a defined base mean and their error in Errors.
type Results struct {
	GeneNames            []string
	BaseMean             []float64
	Log2FoldChange       []float64
	LfcSE                []float64
	Stat                 []float64
	PValue               []float64
	PAdj                 []float64
	MaxCooks             []float64 // NaN when outlier detection did not run for the gene
	Log2FoldChangeShrunk []float64 // nil unless ShrinkLFC
	SValue               []float64 // nil unless ShrinkLFC
	FilterThreshold      float64   // 0 when filtering is off or exhausted
	Errors               []error
}

// Analysis holds one differential-expression run: immutable inputs,
// per-gene state, and the cross-gene trend model.
type Analysis struct {
	cfg      Config
	counts   *CountMatrix
	masked   *CountMatrix // set when outlier counts were replaced
	design   *DesignMatrix
	contrast Contrast
	coef     int

	sizeFactors []float64
	trend       trendFit
	genes       []geneFit
}

// New validates the inputs and builds the design matrix. samples must
// be in the same order as the count matrix columns.
func New(counts *CountMatrix, samples []SampleInfo, factors []string, contrast Contrast, cfg Config) (*Analysis, error) {
	if len(samples) != counts.NumSamples() {
		return nil, fmt.Errorf("count matrix has %d samples, covariate table has %d", counts.NumSamples(), len(samples))
	}
	for i, si := range samples {
		if si.ID != counts.SampleNames[i] {
			return nil, fmt.Errorf("sample order mismatch at %d: %q vs %q", i, si.ID, counts.SampleNames[i])
		}
	}
	dm, err := NewDesignMatrix(samples, factors)
	if err != nil {
		return nil, err
	}
	coef, err := dm.coefIndex(contrast)
	if err != nil {
		return nil, err
	}
	if cfg.MaxDisp == 0 {
		cfg.MaxDisp = math.Max(10, float64(counts.NumSamples()))
	}
	genes := make([]geneFit, counts.NumGenes())
	for g := range genes {
		genes[g].maxCooks = math.NaN()
	}
	return &Analysis{
		cfg:      cfg,
		counts:   counts,
		design:   dm,
		contrast: contrast,
		coef:     coef,
		genes:    genes,
	}, nil
}

// SizeFactors returns the per-sample normalization constants. Valid
// after Run.
func (a *Analysis) SizeFactors() []float64 {
	return append([]float64(nil), a.sizeFactors...)
}

// eachGene dispatches fn across the worker pool, one call per gene,
// and waits for all of them. Genes already marked unfittable are
// skipped. Cancellation is honored at this barrier, not mid-gene.
func (a *Analysis) eachGene(ctx context.Context, fn func(g int)) error {
	t := throttle{Max: a.cfg.workers()}
	for g := range a.genes {
		if a.genes[g].err != nil {
			continue
		}
		g := g
		t.Go(func() error {
			fn(g)
			return nil
		})
	}
	t.Wait()
	return ctx.Err()
}

func (a *Analysis) unfittable(g int, err error) {
	a.genes[g].err = &UnfittableGeneError{Gene: a.counts.GeneNames[g], Err: err}
}

// Run executes the full pipeline: size factors, dispersion estimation,
// coefficient fitting, outlier handling, Wald tests, multiplicity
// correction, and (optionally) LFC shrinkage.
func (a *Analysis) Run(ctx context.Context) (*Results, error) {
	var err error
	a.sizeFactors, err = estimateSizeFactors(a.counts)
	if err != nil {
		return nil, err
	}
	for g, bm := range a.counts.baseMeans(a.sizeFactors) {
		a.genes[g].baseMean = bm
		if bm == 0 {
			a.unfittable(g, fmt.Errorf("all counts zero"))
		}
	}

	log.Infof("fitting genewise dispersions for %d genes on %d workers", a.counts.NumGenes(), a.cfg.workers())
	if err := a.fitGenewiseDispersions(ctx, a.counts, nil); err != nil {
		return nil, err
	}

	a.fitTrendAndPrior()

	if err := a.fitMAPDispersions(ctx, a.counts, nil); err != nil {
		return nil, err
	}

	log.Infof("fitting LFCs")
	if err := a.fitLFCs(ctx, a.counts, nil); err != nil {
		return nil, err
	}

	if a.cfg.CooksFilter || a.cfg.RefitCooks {
		if err := a.handleOutliers(ctx); err != nil {
			return nil, err
		}
	}

	a.runWaldTests()

	res := a.assembleResults()

	if a.cfg.ShrinkLFC {
		if err := a.shrinkLFCs(ctx, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// fitGenewiseDispersions runs, per gene: method-of-moments seed,
// preliminary mean fit, then the Cox-Reid profile likelihood maximum
// over log-dispersion. only restricts the pass to a subset of genes
// (outlier refitting); nil means all.
func (a *Analysis) fitGenewiseDispersions(ctx context.Context, cm *CountMatrix, only []bool) error {
	return a.eachGene(ctx, func(g int) {
		if only != nil && !only[g] {
			return
		}
		gf := &a.genes[g]
		y := cm.row(g)
		gf.alphaMoM = momDispersion(cm.normalizedRow(g, a.sizeFactors), a.cfg.MinDisp, a.cfg.MaxDisp)
		mu, err := fitMeansGLM(y, a.sizeFactors, a.design, gf.alphaMoM)
		if err != nil {
			a.unfittable(g, err)
			return
		}
		gf.muHat = mu
		gf.alphaGenewise = genewiseDispersion(y, mu, a.design, a.cfg.MinDisp, a.cfg.MaxDisp)
	})
}

// fitTrendAndPrior is the cross-gene barrier stage: parametric trend
// curve plus the prior variance of log-dispersion residuals.
func (a *Analysis) fitTrendAndPrior() {
	var means, disps []float64
	for g := range a.genes {
		gf := &a.genes[g]
		if gf.err != nil {
			continue
		}
		means = append(means, gf.baseMean)
		disps = append(disps, gf.alphaGenewise)
	}
	a.trend = fitDispersionTrend(means, disps, a.cfg.MinDisp)

	var logRes []float64
	for g := range a.genes {
		gf := &a.genes[g]
		if gf.err != nil || gf.alphaGenewise <= 10*a.cfg.MinDisp {
			continue
		}
		logRes = append(logRes, math.Log(gf.alphaGenewise)-math.Log(a.trend.at(gf.baseMean)))
	}
	a.trend.priorVar = dispersionPriorVar(logRes, a.design.NumSamples(), a.design.NumCoef())
	log.Infof("dispersion prior variance: %.4g", a.trend.priorVar)
}

// fitMAPDispersions computes each gene's final dispersion: the MAP
// maximizer near the trend, or the raw genewise MLE when the gene is a
// dispersion outlier.
func (a *Analysis) fitMAPDispersions(ctx context.Context, cm *CountMatrix, only []bool) error {
	sd := math.Sqrt(a.trend.priorVar)
	return a.eachGene(ctx, func(g int) {
		if only != nil && !only[g] {
			return
		}
		gf := &a.genes[g]
		trendVal := a.trend.at(gf.baseMean)
		if math.Log(gf.alphaGenewise) > math.Log(trendVal)+dispOutlierSD*sd {
			// Dispersion outlier: shrinking it toward the trend would
			// hide real over-dispersion.
			gf.alphaMAP = math.NaN()
			gf.disp = dispersion{value: gf.alphaGenewise, shrunk: false}
			return
		}
		y := cm.row(g)
		gf.alphaMAP = mapDispersion(y, gf.muHat, a.design, trendVal, a.trend.priorVar, a.cfg.MinDisp, a.cfg.MaxDisp)
		gf.disp = dispersion{value: gf.alphaMAP, shrunk: true}
	})
}

// fitLFCs fits each gene's coefficient vector and covariance with its
// final dispersion.
func (a *Analysis) fitLFCs(ctx context.Context, cm *CountMatrix, only []bool) error {
	err := a.eachGene(ctx, func(g int) {
		if only != nil && !only[g] {
			return
		}
		gf := &a.genes[g]
		fit, err := fitNBGLM(cm.row(g), a.sizeFactors, a.design, gf.disp.value, nil)
		if err != nil {
			a.unfittable(g, err)
			return
		}
		gf.fit = fit
	})
	if err != nil {
		return err
	}
	slow := 0
	for g := range a.genes {
		if a.genes[g].fit != nil && !a.genes[g].fit.converged {
			slow++
		}
	}
	if slow > 0 {
		log.Warnf("%d genes did not converge within %d IRLS iterations; keeping last iterate", slow, irlsMaxIter)
	}
	return nil
}

// handleOutliers computes Cook's distances, flags outliers past the F
// cutoff, and either refits affected genes on an imputed count matrix
// or marks them unfit for testing. Single pass: refitted genes are not
// re-checked.
func (a *Analysis) handleOutliers(ctx context.Context) error {
	m, p := a.design.NumSamples(), a.design.NumCoef()
	cutoff := cooksCutoff(m, p, a.cfg.Alpha)
	if math.IsInf(cutoff, 1) {
		log.Warn("no residual degrees of freedom, skipping outlier detection")
		return nil
	}

	cell := a.design.cells()
	cellSize := map[int]int{}
	for _, id := range cell {
		cellSize[id]++
	}
	eligible := make([]bool, m)
	for s, id := range cell {
		eligible[s] = cellSize[id] >= minFlagReplicates
	}

	outliers := make([][]bool, len(a.genes))
	if err := a.eachGene(ctx, func(g int) {
		gf := &a.genes[g]
		if gf.fit == nil {
			return
		}
		// Cook's distances use a trimmed method-of-moments dispersion
		// so the outlier being hunted cannot mask itself.
		momAlpha := robustMoMDispersion(a.counts.normalizedRow(g, a.sizeFactors), cell)
		d := cooksDistances(a.counts.row(g), gf.fit.mu, a.design, momAlpha)
		flags := make([]bool, m)
		any := false
		for s, ds := range d {
			if !eligible[s] {
				continue
			}
			if math.IsNaN(gf.maxCooks) || ds > gf.maxCooks {
				gf.maxCooks = ds
			}
			if ds > cutoff {
				flags[s] = true
				any = true
			}
		}
		if any {
			outliers[g] = flags
		}
	}); err != nil {
		return err
	}

	replaceable := replaceableSamples(a.design, a.cfg.MinReplicates)
	refit := make([]bool, len(a.genes))
	nrefit, nunfit := 0, 0
	for g, flags := range outliers {
		if flags == nil {
			continue
		}
		allReplaceable := true
		for s, f := range flags {
			if f && !replaceable[s] {
				allReplaceable = false
			}
		}
		if a.cfg.RefitCooks && allReplaceable {
			refit[g] = true
			nrefit++
		} else if a.cfg.CooksFilter {
			a.genes[g].outlierUnfit = true
			nunfit++
		}
	}
	if nunfit > 0 {
		log.Infof("%d genes have count outliers without enough replicates; excluded from testing", nunfit)
	}
	if nrefit == 0 {
		return nil
	}

	log.Infof("replacing count outliers and refitting %d genes", nrefit)
	a.masked = a.counts.clone()
	for g := range a.genes {
		if refit[g] {
			imputeOutliers(a.masked, g, outliers[g], a.sizeFactors)
		}
	}

	// Re-run the per-gene stages on the imputed counts for affected
	// genes only; the trend and prior stay fixed.
	if err := a.fitGenewiseDispersions(ctx, a.masked, refit); err != nil {
		return err
	}
	if err := a.fitMAPDispersions(ctx, a.masked, refit); err != nil {
		return err
	}
	if err := a.fitLFCs(ctx, a.masked, refit); err != nil {
		return err
	}
	for g := range a.genes {
		if refit[g] && a.genes[g].err == nil {
			a.genes[g].refitted = true
		}
	}
	return nil
}

func (a *Analysis) runWaldTests() {
	for g := range a.genes {
		gf := &a.genes[g]
		if gf.err != nil || gf.fit == nil || gf.outlierUnfit {
			gf.stat, gf.pvalue = math.NaN(), math.NaN()
			continue
		}
		gf.stat, gf.pvalue = waldTest(gf.fit.beta[a.coef], gf.fit.se[a.coef])
	}
}

func (a *Analysis) assembleResults() *Results {
	n := len(a.genes)
	res := &Results{
		GeneNames:      append([]string(nil), a.counts.GeneNames...),
		BaseMean:       make([]float64, n),
		Log2FoldChange: make([]float64, n),
		LfcSE:          make([]float64, n),
		Stat:           make([]float64, n),
		PValue:         make([]float64, n),
		MaxCooks:       make([]float64, n),
		Errors:         make([]error, n),
	}
	for g := range a.genes {
		gf := &a.genes[g]
		res.BaseMean[g] = gf.baseMean
		res.Stat[g] = gf.stat
		res.PValue[g] = gf.pvalue
		res.MaxCooks[g] = gf.maxCooks
		res.Errors[g] = gf.err
		if gf.fit != nil {
			res.Log2FoldChange[g] = gf.fit.beta[a.coef] / math.Ln2
			res.LfcSE[g] = gf.fit.se[a.coef] / math.Ln2
		} else {
			res.Log2FoldChange[g] = math.NaN()
			res.LfcSE[g] = math.NaN()
		}
	}

	if a.cfg.IndependentFilter {
		padj, threshold, ok := independentFiltering(res.PValue, res.BaseMean, a.cfg.Alpha)
		if ok {
			res.PAdj = padj
			res.FilterThreshold = threshold
			return res
		}
	}
	res.PAdj = benjaminiHochberg(res.PValue)
	return res
}

// shrinkLFCs refits every testable gene under the empirical-Bayes
// prior and fills the shrunken LFC and s-value columns.
func (a *Analysis) shrinkLFCs(ctx context.Context, res *Results) error {
	var betas, ses []float64
	for g := range a.genes {
		gf := &a.genes[g]
		if gf.err != nil || gf.fit == nil {
			continue
		}
		betas = append(betas, gf.fit.beta[a.coef])
		ses = append(ses, gf.fit.se[a.coef])
	}
	priorVar := lfcPriorVar(betas, ses)
	log.Infof("LFC prior variance: %.4g", priorVar)

	// Genes skipped by eachGene (unfittable) must come out NaN, not
	// zero.
	for g := range a.genes {
		a.genes[g].betaShrunk = math.NaN()
		a.genes[g].sePost = math.NaN()
	}

	cm := a.counts
	if a.masked != nil {
		cm = a.masked
	}
	if err := a.eachGene(ctx, func(g int) {
		gf := &a.genes[g]
		if gf.fit == nil {
			gf.betaShrunk, gf.sePost = math.NaN(), math.NaN()
			return
		}
		y := cm.row(g)
		if !gf.refitted && a.masked != nil {
			y = a.counts.row(g)
		}
		b, se, err := shrinkGene(y, a.sizeFactors, a.design, gf.disp.value, a.coef, priorVar)
		if err != nil {
			b, se = math.NaN(), math.NaN()
		}
		gf.betaShrunk, gf.sePost = b, se
	}); err != nil {
		return err
	}

	n := len(a.genes)
	shrunk := make([]float64, n)
	post := make([]float64, n)
	for g := range a.genes {
		shrunk[g] = a.genes[g].betaShrunk
		post[g] = a.genes[g].sePost
	}
	res.SValue = sValues(shrunk, post)
	res.Log2FoldChangeShrunk = make([]float64, n)
	for g := range shrunk {
		res.Log2FoldChangeShrunk[g] = shrunk[g] / math.Ln2
	}
	return nil
}
