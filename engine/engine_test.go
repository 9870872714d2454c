package engine

import (
	"context"
	"testing"
	"time"

	"github.com/lyzr/bpmn-engine/bpmn"
	"github.com/lyzr/bpmn-engine/common/logger"
	"github.com/lyzr/bpmn-engine/engine/connector"
)

// Shared fixtures for the scheduler tests. Processes are built
// programmatically with the same shape the parser produces.

func testLogger() *logger.Logger {
	return logger.New("error", "json")
}

func newTestRegistry(store Store, systemVars map[string]any) *Registry {
	log := testLogger()
	return NewRegistry(&RegistryOpts{
		Store:      store,
		Connector:  connector.NewRunner(log),
		SystemVars: systemVars,
		Logger:     log,
	})
}

// newTestProcess assembles a process graph, deriving incoming/outgoing
// counts and start events the way the parser does.
func newTestProcess(id string, elements []*bpmn.Element, flows []*bpmn.SequenceFlow) *bpmn.Process {
	proc := &bpmn.Process{
		ID:       id,
		Elements: make(map[string]*bpmn.Element),
		Flows:    flows,
	}
	for _, el := range elements {
		proc.Elements[el.ID] = el
		if el.Kind == bpmn.KindStartEvent {
			proc.StartEvents = append(proc.StartEvents, el.ID)
		}
	}
	for _, f := range flows {
		proc.Elements[f.Source].Outgoing++
		proc.Elements[f.Target].Incoming++
	}
	return proc
}

func newTestModel(key string, main *bpmn.Process, others ...*bpmn.Process) *bpmn.Model {
	model := &bpmn.Model{
		Key:       key,
		Main:      main,
		Processes: map[string]*bpmn.Process{main.ID: main},
	}
	for _, p := range others {
		model.Processes[p.ID] = p
	}
	return model
}

func flow(id, source, target string) *bpmn.SequenceFlow {
	return &bpmn.SequenceFlow{ID: id, Source: source, Target: target}
}

func condFlow(id, source, target, condition string) *bpmn.SequenceFlow {
	return &bpmn.SequenceFlow{ID: id, Source: source, Target: target, Condition: condition}
}

func node(id string, kind bpmn.Kind) *bpmn.Element {
	return &bpmn.Element{ID: id, Kind: kind}
}

// waitForState polls until the instance reaches the state or the deadline
// passes.
func waitForState(t *testing.T, inst *Instance, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inst.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s did not reach state %s, stuck in %s", inst.ID, want, inst.State())
}

// waitTerminal blocks until the instance loop ends and returns the final
// state.
func waitTerminal(t *testing.T, inst *Instance) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state := inst.Wait(ctx)
	if !state.Terminal() {
		t.Fatalf("instance %s did not terminate, state %s", inst.ID, state)
	}
	return state
}

func eventKinds(events []*Event) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}
