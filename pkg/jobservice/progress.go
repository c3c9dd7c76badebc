package jobservice

import (
	"math"

	"go.uber.org/zap"
)

// ProgressReporter relays stage and progress updates from a running job.
//
// Progress is a fraction in [0,1]; out-of-range values are logged and dropped.
type ProgressReporter struct {
	logger *zap.Logger
	sink   func(stage *string, progress *float64)

	stage *string

	// start and weight place this reporter inside parent's range; next is the
	// local offset the following Section begins at.
	start  float64
	weight float64
	next   float64
	parent *ProgressReporter
}

func newProgressReporter(logger *zap.Logger, sink func(stage *string, progress *float64)) *ProgressReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressReporter{logger: logger, sink: sink, weight: 1}
}

// Report sets both stage and progress.
func (r *ProgressReporter) Report(stage string, progress float64) {
	r.stage = &stage
	r.emit(&stage, &progress)
}

// Progress updates progress, keeping the current stage.
func (r *ProgressReporter) Progress(progress float64) {
	r.emit(r.stage, &progress)
}

// Stage updates the stage and clears progress.
func (r *ProgressReporter) Stage(stage string) {
	r.stage = &stage
	r.emit(&stage, nil)
}

// Section returns a reporter whose [0,1] range maps onto weight of this
// reporter's range, starting at its current offset. Sections are sequential:
// once a section is created the parent's offset advances by weight.
func (r *ProgressReporter) Section(stage string, weight float64) *ProgressReporter {
	if weight < 0 || weight > 1 || math.IsNaN(weight) {
		r.logger.Error("Invalid progress section weight", zap.Float64("weight", weight))
		weight = 0
	}
	child := &ProgressReporter{
		logger: r.logger,
		sink:   r.sink,
		stage:  &stage,
		start:  r.next,
		weight: weight,
		parent: r,
	}
	r.next = math.Min(1, r.next+weight)
	return child
}

func (r *ProgressReporter) emit(stage *string, progress *float64) {
	if progress != nil {
		p := *progress
		if p < 0 || p > 1 || math.IsNaN(p) {
			r.logger.Error("Rejecting out of range job progress", zap.Float64("progress", p))
			return
		}
		scaled := r.scale(p)
		progress = &scaled
	}
	if r.sink != nil {
		r.sink(stage, progress)
	}
}

func (r *ProgressReporter) scale(p float64) float64 {
	if r.parent == nil {
		return p
	}
	return r.parent.scale(math.Min(1, r.start+p*r.weight))
}
