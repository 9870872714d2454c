package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/bpmn-engine/bpmn"
	"github.com/lyzr/bpmn-engine/common/logger"
)

// MessageKind tags an inbox message.
type MessageKind string

const (
	MessageUserForm MessageKind = "user_form"
	MessageReceive  MessageKind = "receive"
)

// Message is an external input targeted at a waiting vertex.
type Message struct {
	Kind    MessageKind
	TaskID  string
	Payload map[string]any
}

const inboxCapacity = 64

// terminalPersistTimeout bounds the detached writes that record a terminal
// state after the instance context is gone.
const terminalPersistTimeout = 5 * time.Second

// Instance is one live process instance: a token set over the process
// graph, its variables, and a FIFO inbox coupling external input into the
// scheduler. All element evaluations of one instance are strictly
// serialized on its scheduler goroutine.
type Instance struct {
	ID string

	model   *bpmn.Model
	process *bpmn.Process
	reg     *Registry

	variables  map[string]any
	pending    []string // insertion-ordered token set
	joinCounts map[string]int
	received   map[string]bool // waiting vertices whose message has been applied

	state   State
	inbox   chan Message
	journal *Journal
	log     *logger.Logger

	cancel context.CancelCauseFunc
	done   chan struct{}

	// guards state, pending and variables for snapshot reads between steps
	snapMu sync.Mutex
}

func newInstance(reg *Registry, model *bpmn.Model, process *bpmn.Process, id string, initialVars map[string]any, journal *Journal) *Instance {
	if initialVars == nil {
		initialVars = make(map[string]any)
	}
	inst := &Instance{
		ID:         id,
		model:      model,
		process:    process,
		reg:        reg,
		variables:  initialVars,
		joinCounts: make(map[string]int),
		received:   make(map[string]bool),
		state:      StateRunning,
		inbox:      make(chan Message, inboxCapacity),
		journal:    journal,
		log:        reg.log.WithInstanceID(id),
		done:       make(chan struct{}),
	}

	// A parallel gateway's join counter starts at its incoming-edge count.
	for _, el := range process.Elements {
		if el.Kind == bpmn.KindParallelGateway {
			inst.joinCounts[el.ID] = el.Incoming
		}
	}

	return inst
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.snapMu.Lock()
	defer i.snapMu.Unlock()
	return i.state
}

// Wait blocks until the instance reaches a terminal state or ctx expires.
func (i *Instance) Wait(ctx context.Context) State {
	select {
	case <-i.done:
	case <-ctx.Done():
	}
	return i.State()
}

// Deliver enqueues a message on the instance inbox. Delivery is FIFO;
// messages targeting a vertex that is not waiting when popped are dropped.
func (i *Instance) Deliver(msg Message) error {
	select {
	case <-i.done:
		return fmt.Errorf("instance %s is %s", i.ID, i.State())
	default:
	}
	select {
	case i.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("instance %s inbox full", i.ID)
	}
}

// VariablesSnapshot returns a deep copy of the variables, consistent
// between scheduler steps.
func (i *Instance) VariablesSnapshot() map[string]any {
	i.snapMu.Lock()
	defer i.snapMu.Unlock()
	return deepCopyVariables(i.variables)
}

// Info returns the externally inspectable snapshot of the instance.
func (i *Instance) Info() map[string]any {
	i.snapMu.Lock()
	defer i.snapMu.Unlock()
	pending := make([]string, len(i.pending))
	copy(pending, i.pending)
	return map[string]any{
		"id":        i.ID,
		"model":     i.model.Key,
		"state":     string(i.state),
		"variables": deepCopyVariables(i.variables),
		"pending":   pending,
	}
}

// TaskInfo returns the descriptor of one element of the instance's process.
func (i *Instance) TaskInfo(taskID string) (map[string]any, error) {
	el, ok := i.process.Element(taskID)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return el.Info(), nil
}

// run is the scheduler main loop: a single-threaded sweep over the token
// set, cooperating with the inbox. Instances run concurrently with each
// other; within one instance no two element evaluations overlap.
func (i *Instance) run(ctx context.Context) {
	defer close(i.done)

	for i.State() == StateRunning {
		progressed := false

		for _, vertexID := range i.pendingSnapshot() {
			el, ok := i.process.Element(vertexID)
			if !ok {
				i.halt(ctx, fmt.Errorf("token at unknown vertex %s", vertexID))
				return
			}

			out, err := i.step(ctx, el)
			if err != nil {
				i.halt(ctx, err)
				return
			}

			switch out.kind {
			case outcomeWaiting:
				continue
			case outcomeDone:
				i.removeToken(vertexID)
				progressed = true
			case outcomeImmediate:
				i.removeToken(vertexID)
				if err := i.journal.Append(ctx, EventCompleted, vertexID, nil); err != nil {
					i.halt(ctx, err)
					return
				}
				for _, flow := range out.flows {
					if err := i.enterToken(ctx, flow.Target); err != nil {
						i.halt(ctx, err)
						return
					}
				}
				progressed = true
			}
		}

		if len(i.pendingSnapshot()) == 0 {
			i.finish(ctx)
			return
		}

		if progressed {
			continue
		}

		// Every pending vertex is waiting: block on the inbox.
		select {
		case msg := <-i.inbox:
			if err := i.deliver(ctx, msg); err != nil {
				i.halt(ctx, err)
				return
			}
		default:
			i.setState(ctx, StateWaiting)
			select {
			case msg := <-i.inbox:
				i.setState(ctx, StateRunning)
				if err := i.deliver(ctx, msg); err != nil {
					i.halt(ctx, err)
					return
				}
			case <-ctx.Done():
				i.halt(ctx, fmt.Errorf("instance cancelled: %w", context.Cause(ctx)))
				return
			}
		}
	}
}

// enterToken journals entry and adds a token at the vertex. A token
// arriving at a parallel gateway decrements its join counter.
func (i *Instance) enterToken(ctx context.Context, vertexID string) error {
	if err := i.journal.Append(ctx, EventEntered, vertexID, nil); err != nil {
		return err
	}
	i.addToken(vertexID)
	return nil
}

func (i *Instance) addToken(vertexID string) {
	i.snapMu.Lock()
	defer i.snapMu.Unlock()

	if el, ok := i.process.Elements[vertexID]; ok && el.Kind == bpmn.KindParallelGateway {
		i.joinCounts[vertexID]--
	}
	for _, p := range i.pending {
		if p == vertexID {
			return
		}
	}
	i.pending = append(i.pending, vertexID)
}

func (i *Instance) removeToken(vertexID string) {
	i.snapMu.Lock()
	defer i.snapMu.Unlock()
	for idx, p := range i.pending {
		if p == vertexID {
			i.pending = append(i.pending[:idx], i.pending[idx+1:]...)
			return
		}
	}
}

func (i *Instance) pendingSnapshot() []string {
	i.snapMu.Lock()
	defer i.snapMu.Unlock()
	out := make([]string, len(i.pending))
	copy(out, i.pending)
	return out
}

func (i *Instance) isPending(vertexID string) bool {
	i.snapMu.Lock()
	defer i.snapMu.Unlock()
	for _, p := range i.pending {
		if p == vertexID {
			return true
		}
	}
	return false
}

// deliver applies one popped inbox message. Messages whose target is not a
// pending waiting vertex of the matching kind are dropped.
func (i *Instance) deliver(ctx context.Context, msg Message) error {
	el, ok := i.process.Element(msg.TaskID)
	if !ok || !i.isPending(msg.TaskID) || !el.IsWaiting() {
		i.log.Warn("dropping message for non-waiting vertex", "task_id", msg.TaskID, "kind", msg.Kind)
		return nil
	}
	if (msg.Kind == MessageUserForm && el.Kind != bpmn.KindUserTask) ||
		(msg.Kind == MessageReceive && el.Kind != bpmn.KindReceiveTask) {
		i.log.Warn("dropping message of mismatched kind", "task_id", msg.TaskID, "kind", msg.Kind)
		return nil
	}

	if err := i.journal.Append(ctx, EventMessageReceived, msg.TaskID, map[string]any{
		"kind":    string(msg.Kind),
		"payload": msg.Payload,
	}); err != nil {
		return err
	}

	before := deepCopyVariables(i.variables)

	i.snapMu.Lock()
	switch el.Kind {
	case bpmn.KindUserTask:
		// Copy payload values for declared form fields only.
		for k, v := range msg.Payload {
			if _, declared := el.FormFields[k]; declared {
				i.variables[k] = v
			}
		}
	case bpmn.KindReceiveTask:
		// Copy payload entries listed in the task's output variables.
		for k := range el.OutputVariables {
			if v, ok := msg.Payload[k]; ok {
				i.variables[k] = v
			}
		}
	}
	i.received[msg.TaskID] = true
	i.snapMu.Unlock()

	if err := i.journal.AppendVariablesUpdated(ctx, before, i.variables); err != nil {
		return err
	}
	return i.persist(ctx)
}

func (i *Instance) setState(ctx context.Context, state State) {
	i.snapMu.Lock()
	i.state = state
	i.snapMu.Unlock()

	if err := i.persist(ctx); err != nil {
		i.log.Warn("failed to persist instance state", "state", state, "error", err)
	}
	i.reg.lifecycle.PublishState(ctx, i.ID, state)
}

func (i *Instance) persist(ctx context.Context) error {
	i.snapMu.Lock()
	rec := &InstanceRecord{
		ID:        i.ID,
		ModelPath: i.model.Key,
		State:     i.state,
		Variables: deepCopyVariables(i.variables),
	}
	i.snapMu.Unlock()
	return i.reg.store.SaveInstance(ctx, rec)
}

// halt ends the loop on an error. A process shutdown leaves the persisted
// waiting/running snapshot untouched so recovery resumes the instance;
// explicit termination and real errors take the failed path.
func (i *Instance) halt(ctx context.Context, cause error) {
	if ctx.Err() != nil && !errors.Is(context.Cause(ctx), ErrTerminated) {
		i.log.Info("suspending instance for shutdown", "cause", cause)
		return
	}
	i.fail(ctx, cause)
}

func (i *Instance) finish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalPersistTimeout)
	defer cancel()
	if err := i.journal.Append(ctx, EventTerminated, "", map[string]any{"state": string(StateFinished)}); err != nil {
		i.log.Warn("failed to journal termination", "error", err)
	}
	i.setState(ctx, StateFinished)
	i.drainInbox()
	i.log.Info("instance finished")
}

func (i *Instance) fail(ctx context.Context, cause error) {
	// The instance context may already be cancelled; the terminal record
	// must still reach the store.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalPersistTimeout)
	defer cancel()
	if err := i.journal.Append(ctx, EventTerminated, "", map[string]any{
		"state": string(StateFailed),
		"error": cause.Error(),
	}); err != nil {
		i.log.Warn("failed to journal termination", "error", err)
	}
	i.setState(ctx, StateFailed)
	i.drainInbox()
	i.log.Error("instance failed", "error", cause)
}

func (i *Instance) drainInbox() {
	for {
		select {
		case <-i.inbox:
		default:
			return
		}
	}
}

// deepCopyVariables copies a JSON-like variable tree via a serialize
// round-trip, preserving nested maps and lists.
func deepCopyVariables(vars map[string]any) map[string]any {
	if vars == nil {
		return make(map[string]any)
	}
	data, err := json.Marshal(vars)
	if err != nil {
		out := make(map[string]any, len(vars))
		for k, v := range vars {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return make(map[string]any)
	}
	return out
}
