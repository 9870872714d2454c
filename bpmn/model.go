package bpmn

import "fmt"

// Process is a labelled directed graph of elements and sequence flows.
// Immutable after parsing.
type Process struct {
	ID     string
	Name   string
	IsMain bool // designated entry point in a collaboration

	Elements    map[string]*Element
	Flows       []*SequenceFlow // declaration order
	StartEvents []string
}

// Element looks up an element by id.
func (p *Process) Element(id string) (*Element, bool) {
	el, ok := p.Elements[id]
	return el, ok
}

// Successors yields the outgoing flows of an element in declaration order.
func (p *Process) Successors(id string) []*SequenceFlow {
	var out []*SequenceFlow
	for _, f := range p.Flows {
		if f.Source == id {
			out = append(out, f)
		}
	}
	return out
}

// Predecessors yields the incoming flows of an element in declaration order.
func (p *Process) Predecessors(id string) []*SequenceFlow {
	var out []*SequenceFlow
	for _, f := range p.Flows {
		if f.Target == id {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks the structural invariants of the graph: every flow
// references extant elements, every process has a start event, and an
// exclusive gateway with more than one outgoing flow either guards every
// flow with a condition or names a default.
func (p *Process) Validate() error {
	for _, f := range p.Flows {
		if _, ok := p.Elements[f.Source]; !ok {
			return fmt.Errorf("process %s: flow %s references unknown source %s", p.ID, f.ID, f.Source)
		}
		if _, ok := p.Elements[f.Target]; !ok {
			return fmt.Errorf("process %s: flow %s references unknown target %s", p.ID, f.ID, f.Target)
		}
	}

	if len(p.StartEvents) == 0 {
		return fmt.Errorf("process %s: no start event", p.ID)
	}

	for _, el := range p.Elements {
		if el.Kind != KindExclusiveGateway {
			continue
		}
		outgoing := p.Successors(el.ID)
		if len(outgoing) <= 1 {
			continue
		}
		if el.Default != "" {
			continue
		}
		for _, f := range outgoing {
			if f.Condition == "" {
				return fmt.Errorf("process %s: exclusive gateway %s has an unguarded flow %s and no default", p.ID, el.ID, f.ID)
			}
		}
	}

	return nil
}

// Model is one loaded BPMN file: the main process plus any sibling process
// definitions used to resolve call activities.
type Model struct {
	Key    string // file name the model was loaded under
	Source []byte // raw XML

	Main      *Process
	Processes map[string]*Process // all processes by process id, main included
}

// Subprocess resolves a process definition nested in the same file.
// The main process is not a subprocess of itself.
func (m *Model) Subprocess(processID string) (*Process, bool) {
	p, ok := m.Processes[processID]
	if !ok || p == m.Main {
		return nil, false
	}
	return p, true
}
