// Package app ties a loaded job to the refinement engines and runs the
// processing stages over the worker pool.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"xtal-refine/internal/conf"
	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/harness"
	"xtal-refine/internal/merge"
	"xtal-refine/internal/metrics"
	"xtal-refine/internal/pairing"
	"xtal-refine/internal/postrefine"
	"xtal-refine/internal/predict"
	"xtal-refine/internal/project"
	"xtal-refine/internal/refine"
	"xtal-refine/internal/scaling"
)

// State holds the current job, its crystals and the engines configured from
// the settings.
type State struct {
	mu sync.RWMutex

	// Job
	JobPath  string
	Job      *project.File
	Modified bool

	Crystals  []*crystal.Crystal
	Reference *crystal.RefList

	Settings *conf.Settings
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	predictor  *predict.Predictor
	pairer     *pairing.Pairer
	refiner    *refine.Refiner
	scaler     *scaling.Engine
	postRefine *postrefine.Refiner
	merger     *merge.MeanMerger
	pool       *harness.Pool

	// Event listeners
	listeners map[EventType][]EventListener
}

// EventType identifies different processing events.
type EventType int

const (
	EventJobLoaded EventType = iota
	EventJobSaved
	EventStageComplete
	EventReferenceMerged
	EventProgress
)

// EventListener is called when an event occurs.
type EventListener func(data interface{})

// StageEvent is the payload of EventStageComplete.
type StageEvent struct {
	Stage   string
	Summary harness.Summary
}

// ProgressEvent is the payload of EventProgress.
type ProgressEvent struct {
	Stage       string
	Done, Total int
}

// NewState builds the engines from settings. logger and m may be nil.
func NewState(settings *conf.Settings, logger *slog.Logger, m *metrics.Metrics) *State {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &State{
		Settings:  settings,
		Logger:    logger,
		Metrics:   m,
		listeners: make(map[EventType][]EventListener),
	}

	svc := func(name string) *slog.Logger { return logger.With("service", name) }
	s.predictor = predict.New(settings.PredictOptions(svc("predict")))
	s.pairer = pairing.New(s.predictor, settings.PairingOptions(svc("pairing")))
	s.refiner = refine.New(s.pairer, settings.RefineOptions(svc("refine"), m))
	s.postRefine = postrefine.New(s.pairer, settings.PostRefineOptions(svc("postrefine"), m))
	s.merger = &merge.MeanMerger{MinPartiality: settings.Scale.MinPartiality, Logger: svc("merge")}
	s.pool = harness.New(harness.Options{
		Threads:        settings.Threads,
		RestoreOnError: true,
		Logger:         svc("harness"),
		Metrics:        m,
	})
	s.scaler = scaling.New(s.merger, s.pool, settings.ScaleOptions(svc("scale"), m))
	return s
}

// On registers an event listener for the specified event type.
func (s *State) On(event EventType, listener EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], listener)
}

// Emit triggers all listeners for the specified event type.
func (s *State) Emit(event EventType, data interface{}) {
	s.mu.RLock()
	listeners := s.listeners[event]
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// Threads returns the pool size.
func (s *State) Threads() int {
	return s.pool.Threads()
}

// LoadJob loads a job file and its merged reference, if one exists.
func (s *State) LoadJob(path string) error {
	job, err := project.Load(path)
	if err != nil {
		return err
	}
	crystals, err := job.Crystals()
	if err != nil {
		return err
	}

	var ref *crystal.RefList
	if job.ReferencePath != "" {
		ref, err = project.LoadReference(job.GetReferencePath(path))
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.JobPath = path
	s.Job = job
	s.Crystals = crystals
	s.Reference = ref
	s.Modified = false
	s.mu.Unlock()

	s.Logger.Info("loaded job", "path", path, "images", len(job.Images), "crystals", len(crystals))
	s.Emit(EventJobLoaded, path)
	return nil
}

// SetJob installs an in-memory job, as produced by the simulator.
func (s *State) SetJob(job *project.File, crystals []*crystal.Crystal) {
	s.mu.Lock()
	s.Job = job
	s.Crystals = crystals
	s.Reference = nil
	s.Modified = true
	s.mu.Unlock()
}

// SaveJob writes the crystals back into the job file and, if a reference has
// been merged, writes it next to the job.
func (s *State) SaveJob(path string) error {
	s.mu.Lock()
	if s.Job == nil {
		s.mu.Unlock()
		return fmt.Errorf("no job loaded")
	}
	s.Job.SetCrystals(s.Crystals)
	var refPath string
	if s.Reference != nil {
		refPath = s.Job.GetReferencePath(path)
		s.Job.SetReference(path, refPath)
	}
	job, ref := s.Job, s.Reference
	s.mu.Unlock()

	if ref != nil {
		if err := project.SaveReference(refPath, ref); err != nil {
			return err
		}
	}
	if err := job.Save(path); err != nil {
		return err
	}

	s.mu.Lock()
	s.JobPath = path
	s.Modified = false
	s.mu.Unlock()

	s.Emit(EventJobSaved, path)
	return nil
}

func (s *State) progress(stage string) harness.Progress {
	return func(done, total int) {
		s.Emit(EventProgress, ProgressEvent{Stage: stage, Done: done, Total: total})
	}
}

func (s *State) run(ctx context.Context, stage string, mc *harness.Macrocycle, task harness.Task) (harness.Summary, error) {
	if len(s.Crystals) == 0 {
		return harness.Summary{}, errors.Newf("no crystals loaded").
			Category(errors.CategoryInvalidInput).
			Component(stage).
			Build()
	}
	pool := harness.New(harness.Options{
		Threads:        s.Settings.Threads,
		RestoreOnError: true,
		Progress:       s.progress(stage),
		Logger:         s.Logger.With("service", "harness"),
		Metrics:        s.Metrics,
	})
	sum, err := pool.Run(ctx, stage, mc, s.Crystals, task)
	if err != nil {
		return sum, err
	}
	s.Modified = true
	s.Logger.Info("stage complete",
		"stage", stage,
		"completed", sum.Completed,
		"failed", sum.Failed,
		"panicked", sum.Panicked,
		"skipped", sum.Skipped,
		"residual", sum.Residual,
		"duration", sum.Duration)
	s.Emit(EventStageComplete, StageEvent{Stage: stage, Summary: sum})
	return sum, nil
}

// Predict replaces every crystal's reflection list with a fresh prediction.
func (s *State) Predict(ctx context.Context) (harness.Summary, error) {
	return s.run(ctx, "predict", &harness.Macrocycle{Logger: s.Logger}, func(_ context.Context, _ *harness.Macrocycle, cr *crystal.Crystal) (harness.Outcome, error) {
		refs, stats, err := s.predictor.Predict(cr)
		if err != nil {
			return harness.Outcome{}, err
		}
		if stats.Capped() {
			s.Logger.Warn("prediction stopped at the candidate cap", "crystal", cr.ID)
		}
		cr.Reflections = refs
		return harness.Outcome{Reflections: refs.Len()}, nil
	})
}

// Refine refines each crystal's geometry, then its profile radius, and
// replaces its reflection list with the paired reflections carrying the
// peak intensities.
func (s *State) Refine(ctx context.Context) (harness.Summary, error) {
	return s.run(ctx, "refine", &harness.Macrocycle{Logger: s.Logger}, func(_ context.Context, _ *harness.Macrocycle, cr *crystal.Crystal) (harness.Outcome, error) {
		res, err := s.refiner.Refine(cr)
		if err != nil {
			if errors.Is(err, errors.ErrInsufficientPairs) {
				cr.SetFlag(crystal.FlagFewReflections, err.Error())
			}
			return harness.Outcome{}, err
		}
		if err := s.refiner.RefineRadius(cr); err != nil {
			cr.SetFlag(crystal.FlagFewReflections, err.Error())
			return harness.Outcome{}, err
		}
		list := crystal.NewRefList()
		if _, err := s.pairer.Count(cr, list); err != nil {
			return harness.Outcome{}, err
		}
		for _, r := range list.All() {
			r.Sigma = math.Sqrt(math.Abs(r.Intensity))
		}
		cr.Reflections = list
		return harness.Outcome{Residual: res.FinalResidual, Reflections: list.Len()}, nil
	})
}

// Merge merges the usable crystals into the reference.
func (s *State) Merge(ctx context.Context) (*crystal.RefList, error) {
	ref, err := s.merger.Merge(ctx, s.Crystals)
	if err != nil {
		return nil, err
	}
	s.Reference = ref
	s.Emit(EventReferenceMerged, ref.Len())
	return ref, nil
}

// Scale runs the scaling macrocycles and keeps the final merged reference.
// A non-converged run still updates the reference.
func (s *State) Scale(ctx context.Context) (scaling.Result, error) {
	res, err := s.scaler.ScaleAll(ctx, s.Crystals)
	if res.Reference != nil {
		s.Reference = res.Reference
		s.Modified = true
		s.Emit(EventReferenceMerged, res.Reference.Len())
	}
	return res, err
}

// ScaleToReference fixes each crystal's scale against the loaded reference
// by a linear fit and reports how many crystals failed.
func (s *State) ScaleToReference() (int, error) {
	if s.Reference == nil {
		return 0, errors.Newf("no reference loaded").
			Category(errors.CategoryInvalidInput).
			Component("linear-scale").
			Build()
	}
	s.Modified = true
	return scaling.ScaleToReference(s.Crystals, s.Reference, s.Logger.With("service", "scale")), nil
}

// PostRefine post-refines every crystal against the reference, merging one
// first if none is loaded, and merges again afterwards.
func (s *State) PostRefine(ctx context.Context) (harness.Summary, error) {
	if s.Reference == nil {
		if _, err := s.Merge(ctx); err != nil {
			return harness.Summary{}, err
		}
	}
	mc := &harness.Macrocycle{Reference: s.Reference, Logger: s.Logger}
	sum, err := s.run(ctx, "postrefine", mc, func(_ context.Context, mc *harness.Macrocycle, cr *crystal.Crystal) (harness.Outcome, error) {
		res, err := s.postRefine.Refine(cr, mc.Reference)
		if err != nil {
			return harness.Outcome{}, err
		}
		return harness.Outcome{Residual: res.FinalResidual, Reflections: res.Pairs}, nil
	})
	if err != nil {
		return sum, err
	}
	if _, err := s.Merge(ctx); err != nil {
		return sum, err
	}
	return sum, nil
}

// CheckGradients compares analytic and numerical gradients for crystal i.
func (s *State) CheckGradients(i int) ([refine.NumParams]refine.GradientCheck, error) {
	if i < 0 || i >= len(s.Crystals) {
		var none [refine.NumParams]refine.GradientCheck
		return none, errors.Newf("crystal %d out of range (have %d)", i, len(s.Crystals)).
			Category(errors.CategoryInvalidInput).
			Component("gradcheck").
			Build()
	}
	return s.refiner.CheckGradients(s.Crystals[i])
}

// SanityCheck returns the fraction of each crystal's peaks that agree with
// its lattice.
func (s *State) SanityCheck() ([]float64, error) {
	out := make([]float64, len(s.Crystals))
	for i, cr := range s.Crystals {
		frac, _, err := pairing.LatticeAgreement(cr, 0.25)
		if err != nil {
			return nil, err
		}
		out[i] = frac
	}
	return out, nil
}
