package logbus

import (
	"fmt"
	"io"
	"slices"
	"strings"
)

// Reason classifies how a flow path begins or ends.
type Reason string

const (
	// ReasonInput marks a path starting at a stage with no input channels.
	ReasonInput Reason = "INPUT"
	// ReasonOutput marks a path ending at a stage with no output channels.
	ReasonOutput Reason = "OUTPUT"
	// ReasonErrors marks a path starting at an error sink fed only through its error channel.
	ReasonErrors Reason = "ERRORS"
	// ReasonStats marks a path starting at a stats sink fed only through its stats channel.
	ReasonStats Reason = "STATS"
	// ReasonDeadEnd marks a stage reachable from no input, or a sink whose
	// outputs nothing consumes.
	ReasonDeadEnd Reason = "DEADEND"
	// ReasonUndefined marks a reference to a stage that does not exist.
	ReasonUndefined Reason = "UNDEFINED"
)

// Invalid reports whether the reason makes a pipeline unrunnable.
func (r Reason) Invalid() bool {
	return r == ReasonDeadEnd || r == ReasonUndefined
}

// Path is one maximal root-to-sink traversal of the stage graph. Start
// classifies Stages[0] and End classifies the last stage; for a single-stage
// path both describe the same stage.
type Path struct {
	Stages []string
	Start  Reason
	End    Reason
}

// First returns the name of the stage the path starts at.
func (p Path) First() string {
	return p.Stages[0]
}

// Last returns the name of the stage the path ends at.
func (p Path) Last() string {
	return p.Stages[len(p.Stages)-1]
}

// Invalid reports whether either end of the path is a dead end or undefined.
func (p Path) Invalid() bool {
	return p.Start.Invalid() || p.End.Invalid()
}

// String renders the path as "[INPUT:a, b, OUTPUT:c]". A single-stage path
// shows the invalid classification when there is one.
func (p Path) String() string {
	if len(p.Stages) == 1 {
		reason := p.Start
		if !p.Start.Invalid() && p.End != "" && p.End != p.Start {
			if p.End.Invalid() {
				reason = p.End
			} else {
				reason = p.Start + "/" + p.End
			}
		}
		return fmt.Sprintf("[%s:%s]", reason, p.Stages[0])
	}
	parts := slices.Clone(p.Stages)
	parts[0] = fmt.Sprintf("%s:%s", p.Start, p.First())
	parts[len(parts)-1] = fmt.Sprintf("%s:%s", p.End, p.Last())
	return "[" + strings.Join(parts, ", ") + "]"
}

// graph holds the producer/consumer edges between stages, computed once from
// channel intersections.
type graph struct {
	order   []string
	stages  map[string]*Stage
	inputs  map[string][]string
	outputs map[string][]string
}

func newGraph(stages []*Stage) *graph {
	g := &graph{
		order:   make([]string, 0, len(stages)),
		stages:  make(map[string]*Stage, len(stages)),
		inputs:  make(map[string][]string, len(stages)),
		outputs: make(map[string][]string, len(stages)),
	}
	for _, s := range stages {
		g.order = append(g.order, s.name)
		g.stages[s.name] = s
		g.inputs[s.name] = s.Inputs(stages)
		g.outputs[s.name] = s.Outputs(stages)
	}
	return g
}

// BuildPaths enumerates every maximal path through the stage graph, walking
// backwards depth-first from each sink (a stage nothing consumes from) in
// declaration order. It fails with a CycleError if the graph contains a loop.
func BuildPaths(stages []*Stage) ([]Path, error) {
	return newGraph(stages).paths()
}

func (g *graph) paths() ([]Path, error) {
	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	var paths []Path
	for _, name := range g.order {
		if len(g.outputs[name]) != 0 {
			continue
		}
		end := ReasonDeadEnd
		if g.stages[name].isOutput {
			end = ReasonOutput
		}
		for _, p := range g.pathsTo(name) {
			p.End = end
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// pathsTo returns every path ending at name.
func (g *graph) pathsTo(name string) []Path {
	stage, ok := g.stages[name]
	if !ok {
		return []Path{{Stages: []string{name}, Start: ReasonUndefined}}
	}
	if stage.isInput {
		return []Path{{Stages: []string{name}, Start: ReasonInput}}
	}
	var paths []Path
	for _, upstream := range g.inputs[name] {
		for _, p := range g.pathsTo(upstream) {
			p.Stages = append(slices.Clip(p.Stages), name)
			paths = append(paths, p)
		}
	}
	if len(paths) != 0 {
		return paths
	}
	switch {
	case stage.isErrors:
		return []Path{{Stages: []string{name}, Start: ReasonErrors}}
	case stage.isStats:
		return []Path{{Stages: []string{name}, Start: ReasonStats}}
	default:
		return []Path{{Stages: []string{name}, Start: ReasonDeadEnd}}
	}
}

// findCycle runs a three-colour depth-first search along producer to consumer
// edges and returns the first loop found, or nil.
func (g *graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(g.order))
	var stack []string
	var visit func(name string) []string
	visit = func(name string) []string {
		colour[name] = grey
		stack = append(stack, name)
		for _, next := range g.outputs[name] {
			switch colour[next] {
			case grey:
				start := slices.Index(stack, next)
				cycle := slices.Clone(stack[start:])
				return append(cycle, next)
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[name] = black
		return nil
	}
	for _, name := range g.order {
		if colour[name] == white {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ValidatePaths returns a ValidationError naming every stage found at a
// DEADEND or UNDEFINED end of some path, or nil when all paths are valid.
func ValidatePaths(paths []Path) error {
	invalid := make(map[string]Reason)
	for _, p := range paths {
		if p.Start.Invalid() {
			invalid[p.First()] = p.Start
		}
		if p.End.Invalid() {
			invalid[p.Last()] = p.End
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	return NewValidationError(invalid)
}

// WritePaths prints each path as a block: the start classification and
// stage, the intermediate stages, then the end classification and stage.
func WritePaths(w io.Writer, paths []Path) error {
	for _, p := range paths {
		var b strings.Builder
		fmt.Fprintf(&b, "\n%s : %s\n", p.Start, p.First())
		if len(p.Stages) > 2 {
			for _, name := range p.Stages[1 : len(p.Stages)-1] {
				fmt.Fprintf(&b, "  - %s\n", name)
			}
		}
		fmt.Fprintf(&b, "%s : %s\n", p.End, p.Last())
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}
