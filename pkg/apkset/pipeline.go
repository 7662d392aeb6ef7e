package apkset

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bundlekit/go-apkset/internal/ctxlog"
)

// BuildResult is the outcome of one build: the signed packages in ascending
// variant-number order, plus the per-variant failures of a non-fail-fast
// build.
type BuildResult struct {
	BuildID   string
	Artifacts []SignedArtifact
	Failures  []error
}

// Successful reports whether every requested variant was produced.
func (r *BuildResult) Successful() bool { return len(r.Failures) == 0 }

// BuildPipeline orchestrates one build: validate the configuration,
// enumerate variants, fan out assembly and signing under bounded
// parallelism, and funnel the results through a single writer.
type BuildPipeline struct {
	bundle    *AppBundle
	cfg       BuildConfig
	assembler *Assembler
	engine    *SigningEngine
	buildID   string
}

// NewBuildPipeline validates the configuration eagerly and prepares a
// pipeline for one build over an already-loaded bundle. The pipeline keeps
// a private copy of the configuration; nothing is mutated after this point.
func NewBuildPipeline(bundle *AppBundle, cfg BuildConfig) (*BuildPipeline, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := selectModules(bundle, cfg.Modules); err != nil {
		return nil, err
	}
	p := &BuildPipeline{
		bundle:  bundle,
		cfg:     cfg,
		buildID: uuid.NewString(),
	}
	p.assembler = NewAssembler(bundle, &p.cfg)
	p.engine = NewSigningEngine(&p.cfg)
	return p, nil
}

// notification carries one worker outcome to the in-order listener.
type notification struct {
	index int
	apk   *SignedArtifact
}

// Run executes the build. Configuration errors surface before any worker
// starts. A fatal error (signing, IO, or any error under fail-fast) cancels
// in-flight and pending variants and discards completed artifacts; nothing
// is written. Otherwise successful variants are written and any per-variant
// failures are returned alongside the partial result, with the writer
// refusing to finalize a partial set unless the configuration tolerates it.
func (p *BuildPipeline) Run(ctx context.Context) (*BuildResult, error) {
	logger := ctxlog.FromContext(ctx).With("buildID", p.buildID)

	variants, err := GenerateVariants(p.bundle, &p.cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Generated variants.", "count", len(variants), "mode", p.cfg.Mode.String())

	tempDir, err := os.MkdirTemp("", "apkset-"+p.buildID[:8]+"-*")
	if err != nil {
		return nil, &IOError{Path: os.TempDir(), Err: err}
	}
	// Temporary storage is scoped to this invocation and released on every
	// exit path.
	defer os.RemoveAll(tempDir)

	// The caller's compiler is never mutated: a run-scoped copy receives the
	// temp dir, so concurrent builds sharing a configuration cannot race.
	assembler := p.assembler
	if c, ok := p.cfg.Compiler.(*Aapt2Compiler); ok && c.WorkDir == "" {
		scoped := *c
		scoped.WorkDir = tempDir
		runCfg := p.cfg
		runCfg.Compiler = &scoped
		assembler = NewAssembler(p.bundle, &runCfg)
	}

	results := make([]*SignedArtifact, len(variants))
	failures := make([]error, len(variants))

	notifyCh := make(chan notification, len(variants))
	notifyDone := make(chan struct{})
	go p.notifyInOrder(variants, notifyCh, notifyDone)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallelism)
	for i, v := range variants {
		i, v := i, v
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			workerLogger := logger.With("variant", v.Number, "targeting", v.Key())
			workerLogger.Debug("Assembling variant.")

			artifact, err := assembler.Assemble(gctx, v)
			if err != nil {
				if p.recoverable(err) {
					workerLogger.Error("Variant failed.", "error", err)
					failures[i] = err
					notifyCh <- notification{index: i}
					return nil
				}
				return err
			}

			signed, err := p.engine.Sign(artifact)
			if err != nil {
				// Signing errors are always fatal; an unsigned package is
				// never persisted.
				return err
			}

			workerLogger.Debug("Variant signed.", "sha256", signed.SHA256())
			results[i] = &signed
			notifyCh <- notification{index: i, apk: &signed}
			return nil
		})
	}

	waitErr := g.Wait()
	close(notifyCh)
	<-notifyDone

	if waitErr != nil {
		// Completed artifacts for other variants are discarded rather than
		// flushed, preventing a half-valid output set.
		logger.Error("Build aborted.", "error", waitErr)
		return nil, waitErr
	}

	result := &BuildResult{BuildID: p.buildID}
	for _, r := range results {
		if r != nil {
			result.Artifacts = append(result.Artifacts, *r)
		}
	}
	for _, f := range failures {
		if f != nil {
			result.Failures = append(result.Failures, f)
		}
	}

	if !result.Successful() && !p.cfg.AllowPartialOutput {
		return result, fmt.Errorf("%d of %d variants failed, refusing to write partial output: %w",
			len(result.Failures), len(variants), errors.Join(result.Failures...))
	}

	writer := NewOutputWriter(p.cfg.OutputPath, p.buildID, p.bundle.Package())
	if err := writer.Write(ctx, result.Artifacts); err != nil {
		return nil, err
	}
	logger.Info("Wrote output.", "path", p.cfg.OutputPath, "apks", len(result.Artifacts))

	if !result.Successful() {
		return result, fmt.Errorf("%d of %d variants failed: %w",
			len(result.Failures), len(variants), errors.Join(result.Failures...))
	}
	return result, nil
}

// recoverable reports whether a per-variant error lets the rest of the
// build continue. Only resource errors are recoverable, and only when the
// pipeline is not fail-fast.
func (p *BuildPipeline) recoverable(err error) bool {
	if p.cfg.FailFast {
		return false
	}
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

// notifyInOrder delivers listener notifications in ascending variant-number
// order regardless of the order workers complete in. Every worker reports
// its variant exactly once; failed variants advance the cursor without a
// listener call.
func (p *BuildPipeline) notifyInOrder(variants []Variant, ch <-chan notification, done chan<- struct{}) {
	defer close(done)
	pending := make(map[int]*SignedArtifact, len(variants))
	delivered := make(map[int]bool, len(variants))
	next := 0
	for n := range ch {
		pending[n.index] = n.apk
		delivered[n.index] = true
		for next < len(variants) && delivered[next] {
			if apk := pending[next]; apk != nil && p.cfg.Listener != nil {
				p.cfg.Listener(variants[next], *apk)
			}
			delete(pending, next)
			next++
		}
	}
}
