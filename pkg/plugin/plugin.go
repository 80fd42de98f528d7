// Package plugin defines the processing pipeline's extension points. A
// plugin examines one analysis's collected data (static properties, runtime
// behavior, network capture, ...) during a specific stage and contributes
// findings to a shared result bag; a reporter consumes the finished result
// bag to produce an output artifact. This package only ships the contracts
// and a static registry — concrete plugins are out of scope here and are
// registered by whatever binary links them in, the same way the teacher's
// reconciler registers resource handlers rather than hard-coding them.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mothsandbox/moth/pkg/types"
)

// Stage identifies when during processing a Processor runs. Plugins
// registered for an earlier stage always run to completion before any
// plugin in a later stage starts, since later stages commonly depend on
// data earlier ones produced.
type Stage int

const (
	StagePre       Stage = iota // runs before any task is scheduled
	StageStatic                 // file/URL static properties
	StageBehavior               // runtime/behavioral analysis of task output
	StagePost                   // cross-cutting, runs after all per-task plugins
)

func (s Stage) String() string {
	switch s {
	case StagePre:
		return "pre"
	case StageStatic:
		return "static"
	case StageBehavior:
		return "behavior"
	case StagePost:
		return "post"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Processor examines an analysis and contributes to its result bag. It must
// not mutate the analysis directly; findings belong in result.
type Processor interface {
	Name() string
	Stage() Stage
	Process(ctx context.Context, analysis *types.Analysis, result *types.ProcessingResult) error
}

// Reporter consumes a finished result bag and produces an output artifact
// (a report file, a forwarded event, ...).
type Reporter interface {
	Name() string
	Report(ctx context.Context, analysis *types.Analysis, result *types.ProcessingResult) error
}

var (
	mu         sync.Mutex
	processors []Processor
	reporters  []Reporter
)

// RegisterProcessor adds p to the static registry. Intended to be called
// from an init() in the package that implements p, mirroring how the
// teacher's resource handlers self-register with the reconciler.
func RegisterProcessor(p Processor) {
	mu.Lock()
	defer mu.Unlock()
	processors = append(processors, p)
}

// RegisterReporter adds r to the static registry.
func RegisterReporter(r Reporter) {
	mu.Lock()
	defer mu.Unlock()
	reporters = append(reporters, r)
}

// ProcessorsByStage returns every registered processor for stage, in
// registration order.
func ProcessorsByStage(stage Stage) []Processor {
	mu.Lock()
	defer mu.Unlock()

	var out []Processor
	for _, p := range processors {
		if p.Stage() == stage {
			out = append(out, p)
		}
	}
	return out
}

// Stages returns the distinct stages that have at least one registered
// processor, in execution order.
func Stages() []Stage {
	mu.Lock()
	defer mu.Unlock()

	seen := make(map[Stage]struct{})
	for _, p := range processors {
		seen[p.Stage()] = struct{}{}
	}

	out := make([]Stage, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reporters returns every registered reporter, in registration order.
func Reporters() []Reporter {
	mu.Lock()
	defer mu.Unlock()
	out := make([]Reporter, len(reporters))
	copy(out, reporters)
	return out
}
