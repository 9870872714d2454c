package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lyzr/bpmn-engine/bpmn"
	"github.com/lyzr/bpmn-engine/common/logger"
	"github.com/lyzr/bpmn-engine/engine/condition"
	"github.com/lyzr/bpmn-engine/engine/connector"
)

// ErrTerminated is the cancellation cause of an explicit Terminate; it
// distinguishes external termination from a process shutdown.
var ErrTerminated = errors.New("instance terminated")

// Registry owns the loaded models and the live instance table. Instance
// table mutations are serialized; instances themselves run concurrently on
// their own goroutines.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]*bpmn.Model // keyed by file name
	instances map[string]*Instance

	store      Store
	lifecycle  LifecyclePublisher
	connector  *connector.Runner
	conditions *condition.Evaluator
	systemVars map[string]any
	log        *logger.Logger

	// serializes rehydration so an instance is only ever loaded once
	loadMu sync.Mutex

	baseCtx    context.Context
	cancelAll  context.CancelFunc
	instanceWG sync.WaitGroup
}

// RegistryOpts contains options for creating a registry.
type RegistryOpts struct {
	Store      Store
	Lifecycle  LifecyclePublisher
	Connector  *connector.Runner
	SystemVars map[string]any
	Logger     *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts *RegistryOpts) *Registry {
	lifecycle := opts.Lifecycle
	if lifecycle == nil {
		lifecycle = NopLifecyclePublisher{}
	}
	systemVars := opts.SystemVars
	if systemVars == nil {
		systemVars = make(map[string]any)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		models:     make(map[string]*bpmn.Model),
		instances:  make(map[string]*Instance),
		store:      opts.Store,
		lifecycle:  lifecycle,
		connector:  opts.Connector,
		conditions: condition.NewEvaluator(),
		systemVars: systemVars,
		log:        opts.Logger,
		baseCtx:    ctx,
		cancelAll:  cancel,
	}
}

// AddModel registers a parsed model under its file key.
func (r *Registry) AddModel(m *bpmn.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Key] = m
}

// LoadDir parses every .bpmn file in dir. Malformed models are excluded
// and logged; loading continues.
func (r *Registry) LoadDir(dir string, parser *bpmn.Parser) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read models dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bpmn") {
			continue
		}
		model, err := parser.ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			r.log.Warn("excluding malformed model", "file", entry.Name(), "error", err)
			continue
		}
		r.AddModel(model)
		r.log.Info("model loaded", "file", entry.Name(), "process_id", model.Main.ID)
	}
	return nil
}

// Models lists the loaded model keys in stable order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.models))
	for k := range r.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Model looks up a loaded model by file key.
func (r *Registry) Model(key string) (*bpmn.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[key]
	return m, ok
}

// FindProcess resolves a process id against the main processes of all
// loaded models. Used by call activities referencing separately deployed
// models.
func (r *Registry) FindProcess(processID string) (*bpmn.Model, *bpmn.Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if p, ok := m.Processes[processID]; ok {
			return m, p, true
		}
	}
	return nil, nil, false
}

// CreateInstance creates an instance of a loaded model, journals its
// creation and schedules its loop. An empty id mints a fresh one.
func (r *Registry) CreateInstance(ctx context.Context, modelKey, id string, initialVars map[string]any) (*Instance, error) {
	model, ok := r.Model(modelKey)
	if !ok {
		return nil, fmt.Errorf("model %s: %w", modelKey, ErrNotFound)
	}
	if id == "" {
		id = uuid.New().String()
	}

	inst, err := r.birthInstance(ctx, model, model.Main, id, initialVars)
	if err != nil {
		return nil, err
	}

	r.schedule(inst)
	return inst, nil
}

// startChildInstance creates a child instance for a call activity. The
// caller runs the child's loop itself; the child is registered so its
// state remains observable.
func (r *Registry) startChildInstance(ctx context.Context, model *bpmn.Model, process *bpmn.Process, id string, initialVars map[string]any) (*Instance, error) {
	return r.birthInstance(ctx, model, process, id, initialVars)
}

func (r *Registry) birthInstance(ctx context.Context, model *bpmn.Model, process *bpmn.Process, id string, initialVars map[string]any) (*Instance, error) {
	journal := NewJournal(r.store, id)
	inst := newInstance(r, model, process, id, deepCopyVariables(initialVars), journal)

	if err := journal.Append(ctx, EventInstanceCreated, "", map[string]any{"model": model.Key, "process": process.ID}); err != nil {
		return nil, err
	}
	if err := inst.persist(ctx); err != nil {
		return nil, fmt.Errorf("persist new instance: %w", err)
	}
	for _, start := range process.StartEvents {
		if err := inst.enterToken(ctx, start); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.instances[id] = inst
	r.mu.Unlock()

	r.lifecycle.PublishState(ctx, id, StateRunning)
	return inst, nil
}

// schedule runs the instance loop on its own goroutine under the registry
// base context. Terminate cancels with ErrTerminated as the cause; a
// registry shutdown cancels without it.
func (r *Registry) schedule(inst *Instance) {
	ctx, cancel := context.WithCancelCause(r.baseCtx)
	inst.cancel = cancel

	r.instanceWG.Add(1)
	go func() {
		defer r.instanceWG.Done()
		defer cancel(nil)
		inst.run(ctx)
	}()
}

// Instance returns a live instance.
func (r *Registry) Instance(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// GetOrLoadInstance returns the live instance, or rehydrates it from the
// journal. Rehydrated non-terminal instances re-enter the scheduler.
func (r *Registry) GetOrLoadInstance(ctx context.Context, id string) (*Instance, error) {
	if inst, ok := r.Instance(id); ok {
		return inst, nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if inst, ok := r.Instance(id); ok {
		return inst, nil
	}

	inst, err := r.rehydrate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.State().Terminal() {
		r.schedule(inst)
	}
	return inst, nil
}

// Terminate cancels a live instance: outstanding I/O aborts, the loop
// journals the failed termination and the inbox is drained.
func (r *Registry) Terminate(id string) error {
	inst, ok := r.Instance(id)
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if inst.cancel != nil {
		inst.cancel(ErrTerminated)
	}
	return nil
}

// release drops a terminal instance from the live table. Its snapshot and
// journal stay in the store; GetOrLoadInstance rehydrates on demand.
func (r *Registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
}

// Deliver pushes a message at a live or rehydratable instance.
func (r *Registry) Deliver(ctx context.Context, instanceID string, msg Message) error {
	inst, err := r.GetOrLoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	return inst.Deliver(msg)
}

// Recover reschedules every journaled instance whose state is not
// terminal. Replay is state-only: side effects are not re-executed.
func (r *Registry) Recover(ctx context.Context) error {
	for _, state := range []State{StateRunning, StateWaiting} {
		records, err := r.store.ListInstancesByState(ctx, state)
		if err != nil {
			return fmt.Errorf("list %s instances: %w", state, err)
		}
		for _, rec := range records {
			if _, ok := r.Instance(rec.ID); ok {
				continue
			}
			inst, err := r.rehydrate(ctx, rec.ID)
			if err != nil {
				r.log.Warn("failed to recover instance", "instance_id", rec.ID, "error", err)
				continue
			}
			r.schedule(inst)
			r.log.Info("instance recovered", "instance_id", rec.ID, "state", state)
		}
	}
	return nil
}

// rehydrate reconstructs an instance from its snapshot row and journal:
// variables from the latest snapshot with journaled merge patches
// re-applied on top, the token set by replaying entered and completed
// entries, and unconsumed messages requeued in order.
func (r *Registry) rehydrate(ctx context.Context, id string) (*Instance, error) {
	rec, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", id, err)
	}
	model, ok := r.Model(rec.ModelPath)
	if !ok {
		return nil, fmt.Errorf("instance %s references unknown model %s", id, rec.ModelPath)
	}

	events, err := r.store.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load journal %s: %w", id, err)
	}

	// The journaled process id decides which process of the model this
	// instance executes; children of call activities journal theirs.
	process := model.Main
	for _, ev := range events {
		if ev.Kind == EventInstanceCreated {
			if pid, ok := ev.Payload["process"].(string); ok {
				if p, found := model.Processes[pid]; found {
					process = p
				}
			}
			break
		}
	}

	var lastSeq int64
	for _, ev := range events {
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}

	journal := NewJournalAt(r.store, id, lastSeq)
	inst := newInstance(r, model, process, id, rec.Variables, journal)
	inst.state = rec.State

	// Replay the token set.
	type pendingMessage struct {
		msg Message
		seq int64
	}
	var unconsumed []pendingMessage

	for _, ev := range events {
		switch ev.Kind {
		case EventEntered:
			inst.addToken(ev.VertexID)
		case EventCompleted:
			inst.removeToken(ev.VertexID)
			if el, ok := process.Element(ev.VertexID); ok && el.Kind == bpmn.KindParallelGateway {
				inst.joinCounts[ev.VertexID] = el.Incoming
			}
			// A completion consumes any earlier message for the vertex.
			kept := unconsumed[:0]
			for _, pm := range unconsumed {
				if pm.msg.TaskID != ev.VertexID {
					kept = append(kept, pm)
				}
			}
			unconsumed = kept
		case EventMessageReceived:
			payload, _ := ev.Payload["payload"].(map[string]any)
			kind, _ := ev.Payload["kind"].(string)
			unconsumed = append(unconsumed, pendingMessage{
				msg: Message{Kind: MessageKind(kind), TaskID: ev.VertexID, Payload: payload},
				seq: ev.Seq,
			})
		case EventVariablesUpdated:
			// Merge patches are idempotent, so re-applying them over the
			// snapshot restores any change the snapshot write missed.
			patched, err := ApplyVariablesPatch(inst.variables, ev.Payload)
			if err != nil {
				r.log.Warn("skipping unreplayable variables patch", "instance_id", id, "seq", ev.Seq, "error", err)
				continue
			}
			inst.variables = patched
		case EventTerminated:
			if s, ok := ev.Payload["state"].(string); ok {
				inst.state = State(s)
			}
		}
	}

	// The scheduler re-derives waiting from the token set.
	if !inst.state.Terminal() {
		inst.state = StateRunning
	}

	for _, pm := range unconsumed {
		select {
		case inst.inbox <- pm.msg:
		default:
			r.log.Warn("dropping journaled message on recovery, inbox full", "instance_id", id, "task_id", pm.msg.TaskID)
		}
	}

	r.mu.Lock()
	r.instances[id] = inst
	r.mu.Unlock()
	return inst, nil
}

// Search intersects per-clause id sets produced by substring matches
// against each live instance's string-valued variables. Clauses are
// comma-separated "attribute:value" pairs and AND together; a clause
// without an attribute matches any string variable.
func (r *Registry) Search(query string) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}

	type clause struct {
		attr  string
		value string
	}
	var clauses []clause
	for _, raw := range strings.Split(query, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, fmt.Errorf("empty search clause")
		}
		if attr, value, found := strings.Cut(raw, ":"); found {
			if strings.TrimSpace(attr) == "" {
				return nil, fmt.Errorf("search clause %q has no attribute", raw)
			}
			clauses = append(clauses, clause{attr: strings.TrimSpace(attr), value: strings.TrimSpace(value)})
		} else {
			clauses = append(clauses, clause{value: raw})
		}
	}

	r.mu.RLock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.RUnlock()

	var ids []string
	for _, inst := range instances {
		snapshot, err := json.Marshal(inst.VariablesSnapshot())
		if err != nil {
			continue
		}
		doc := gjson.ParseBytes(snapshot)

		matchesAll := true
		for _, c := range clauses {
			if !matchClause(doc, c.attr, c.value) {
				matchesAll = false
				break
			}
		}
		if matchesAll {
			ids = append(ids, inst.ID)
		}
	}

	sort.Strings(ids)
	return ids, nil
}

func matchClause(doc gjson.Result, attr, value string) bool {
	if attr != "" {
		res := doc.Get(attr)
		return res.Type == gjson.String && strings.Contains(res.Str, value)
	}

	// No attribute: match any string variable, nested included.
	found := false
	var walk func(res gjson.Result) bool
	walk = func(res gjson.Result) bool {
		if res.Type == gjson.String && strings.Contains(res.Str, value) {
			found = true
			return false
		}
		if res.IsObject() || res.IsArray() {
			res.ForEach(func(_, child gjson.Result) bool {
				return walk(child)
			})
		}
		return !found
	}
	walk(doc)
	return found
}

// Shutdown stops all instance loops and waits for them. Waiting and
// running instances keep their persisted non-terminal state so Recover
// resumes them on the next start; nothing is journaled as terminated.
func (r *Registry) Shutdown(ctx context.Context) {
	r.cancelAll()

	stopped := make(chan struct{})
	go func() {
		r.instanceWG.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		r.log.Warn("shutdown timed out waiting for instances")
	}
}
