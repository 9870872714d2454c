package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/bpmn-engine/bpmn"
)

// strictStore rejects writes once their context is done, matching how the
// Postgres repositories behave.
type strictStore struct {
	*MemoryStore
}

func (s *strictStore) SaveInstance(ctx context.Context, rec *InstanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.SaveInstance(ctx, rec)
}

func (s *strictStore) AppendEvent(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.AppendEvent(ctx, ev)
}

func userTaskModel() *bpmn.Model {
	form := node("intake", bpmn.KindUserTask)
	form.FormFields = map[string]bpmn.FormField{"name": {Type: "string"}}
	return newTestModel("form.bpmn", newTestProcess("form",
		[]*bpmn.Element{
			node("start", bpmn.KindStartEvent),
			form,
			node("end", bpmn.KindEndEvent),
		},
		[]*bpmn.SequenceFlow{
			flow("f1", "start", "intake"),
			flow("f2", "intake", "end"),
		},
	))
}

// TestRehydrateWaitingInstance simulates a restart: a fresh registry over
// the same store rebuilds the instance from its journal, resumes the wait
// and accepts the pending form.
func TestRehydrateWaitingInstance(t *testing.T) {
	store := NewMemoryStore()

	reg1 := newTestRegistry(store, nil)
	reg1.AddModel(userTaskModel())
	inst1, err := reg1.CreateInstance(context.Background(), "form.bpmn", "", map[string]any{"seed": 1})
	require.NoError(t, err)
	waitForState(t, inst1, StateWaiting)

	// Restart: new registry, same store.
	reg2 := newTestRegistry(store, nil)
	reg2.AddModel(userTaskModel())
	inst2, err := reg2.GetOrLoadInstance(context.Background(), inst1.ID)
	require.NoError(t, err)
	assert.Equal(t, inst1.ID, inst2.ID)
	waitForState(t, inst2, StateWaiting)
	assert.Equal(t, 1, int(inst2.VariablesSnapshot()["seed"].(float64)))

	require.NoError(t, inst2.Deliver(Message{
		Kind:    MessageUserForm,
		TaskID:  "intake",
		Payload: map[string]any{"name": "ada"},
	}))
	assert.Equal(t, StateFinished, waitTerminal(t, inst2))
	assert.Equal(t, "ada", inst2.VariablesSnapshot()["name"])

	// The resumed journal continues the sequence without duplicates.
	events, err := store.ListEvents(context.Background(), inst1.ID)
	require.NoError(t, err)
	var prev int64
	for _, ev := range events {
		assert.Greater(t, ev.Seq, prev, "sequence must stay strictly increasing across restarts")
		prev = ev.Seq
	}
}

// TestRehydrateTerminalInstance verifies a finished instance loads without
// re-entering the scheduler.
func TestRehydrateTerminalInstance(t *testing.T) {
	store := NewMemoryStore()

	reg1 := newTestRegistry(store, nil)
	reg1.AddModel(userTaskModel())
	inst1, err := reg1.CreateInstance(context.Background(), "form.bpmn", "", nil)
	require.NoError(t, err)
	waitForState(t, inst1, StateWaiting)
	require.NoError(t, inst1.Deliver(Message{Kind: MessageUserForm, TaskID: "intake", Payload: map[string]any{"name": "ada"}}))
	waitTerminal(t, inst1)

	reg2 := newTestRegistry(store, nil)
	reg2.AddModel(userTaskModel())
	inst2, err := reg2.GetOrLoadInstance(context.Background(), inst1.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, inst2.State())

	err = inst2.Deliver(Message{Kind: MessageUserForm, TaskID: "intake"})
	assert.Error(t, err, "terminal instances accept no messages")
}

// TestRecover verifies startup recovery reschedules all non-terminal
// instances from the store.
func TestRecover(t *testing.T) {
	store := NewMemoryStore()

	reg1 := newTestRegistry(store, nil)
	reg1.AddModel(userTaskModel())
	inst1, err := reg1.CreateInstance(context.Background(), "form.bpmn", "", nil)
	require.NoError(t, err)
	waitForState(t, inst1, StateWaiting)

	reg2 := newTestRegistry(store, nil)
	reg2.AddModel(userTaskModel())
	require.NoError(t, reg2.Recover(context.Background()))

	inst2, ok := reg2.Instance(inst1.ID)
	require.True(t, ok, "recovered instance must be live")
	waitForState(t, inst2, StateWaiting)

	require.NoError(t, reg2.Deliver(context.Background(), inst1.ID, Message{
		Kind:    MessageUserForm,
		TaskID:  "intake",
		Payload: map[string]any{"name": "ada"},
	}))
	assert.Equal(t, StateFinished, waitTerminal(t, inst2))
}

// TestTerminate verifies cancelling a waiting instance ends it as failed.
func TestTerminate(t *testing.T) {
	store := NewMemoryStore()
	reg := newTestRegistry(store, nil)
	reg.AddModel(userTaskModel())

	inst, err := reg.CreateInstance(context.Background(), "form.bpmn", "", nil)
	require.NoError(t, err)
	waitForState(t, inst, StateWaiting)

	require.NoError(t, reg.Terminate(inst.ID))
	assert.Equal(t, StateFailed, waitTerminal(t, inst))

	assert.Error(t, reg.Terminate("missing"))
}

// TestTerminatePersistsFailure verifies the terminal record survives the
// cancellation that triggered it: the failed snapshot and the terminated
// journal entry land even against a store that refuses writes on a done
// context.
func TestTerminatePersistsFailure(t *testing.T) {
	store := &strictStore{MemoryStore: NewMemoryStore()}
	reg := newTestRegistry(store, nil)
	reg.AddModel(userTaskModel())

	inst, err := reg.CreateInstance(context.Background(), "form.bpmn", "", nil)
	require.NoError(t, err)
	waitForState(t, inst, StateWaiting)

	require.NoError(t, reg.Terminate(inst.ID))
	assert.Equal(t, StateFailed, waitTerminal(t, inst))

	rec, err := store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State, "the failed snapshot must reach the store")

	events, err := store.ListEvents(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Kind, "the journal must end with the termination")
	assert.Equal(t, string(StateFailed), last.Payload["state"])
}

// TestShutdownPreservesWaitingInstances verifies a graceful shutdown leaves
// waiting instances untouched in the store so the next start resumes them.
func TestShutdownPreservesWaitingInstances(t *testing.T) {
	store := &strictStore{MemoryStore: NewMemoryStore()}
	reg1 := newTestRegistry(store, nil)
	reg1.AddModel(userTaskModel())
	inst1, err := reg1.CreateInstance(context.Background(), "form.bpmn", "", nil)
	require.NoError(t, err)
	waitForState(t, inst1, StateWaiting)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reg1.Shutdown(ctx)

	rec, err := store.GetInstance(context.Background(), inst1.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, rec.State, "shutdown must not fail waiting instances")

	events, err := store.ListEvents(context.Background(), inst1.ID)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, EventTerminated, ev.Kind, "shutdown must not journal a termination")
	}

	// The next start recovers and completes the instance.
	reg2 := newTestRegistry(store, nil)
	reg2.AddModel(userTaskModel())
	require.NoError(t, reg2.Recover(context.Background()))
	inst2, ok := reg2.Instance(inst1.ID)
	require.True(t, ok, "recovered instance must be live")
	waitForState(t, inst2, StateWaiting)
	require.NoError(t, inst2.Deliver(Message{
		Kind:    MessageUserForm,
		TaskID:  "intake",
		Payload: map[string]any{"name": "ada"},
	}))
	assert.Equal(t, StateFinished, waitTerminal(t, inst2))
}

func twoFormModel() *bpmn.Model {
	intake := node("intake", bpmn.KindUserTask)
	intake.FormFields = map[string]bpmn.FormField{"name": {Type: "string"}}
	review := node("review", bpmn.KindUserTask)
	review.FormFields = map[string]bpmn.FormField{"approved": {Type: "boolean"}}
	return newTestModel("twoform.bpmn", newTestProcess("twoform",
		[]*bpmn.Element{
			node("start", bpmn.KindStartEvent),
			intake,
			review,
			node("end", bpmn.KindEndEvent),
		},
		[]*bpmn.SequenceFlow{
			flow("f1", "start", "intake"),
			flow("f2", "intake", "review"),
			flow("f3", "review", "end"),
		},
	))
}

// TestRehydrateReappliesVariablePatches verifies replay restores a journaled
// variable change the snapshot row missed.
func TestRehydrateReappliesVariablePatches(t *testing.T) {
	store := NewMemoryStore()
	reg1 := newTestRegistry(store, nil)
	reg1.AddModel(twoFormModel())
	inst1, err := reg1.CreateInstance(context.Background(), "twoform.bpmn", "", nil)
	require.NoError(t, err)
	waitForState(t, inst1, StateWaiting)
	require.NoError(t, inst1.Deliver(Message{
		Kind:    MessageUserForm,
		TaskID:  "intake",
		Payload: map[string]any{"name": "ada"},
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inst1.State() == StateWaiting && inst1.VariablesSnapshot()["name"] == "ada" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, "ada", inst1.VariablesSnapshot()["name"])

	// Roll the snapshot row back to before the form, as if its write never
	// landed. The journal still holds the merge patch.
	rec, err := store.GetInstance(context.Background(), inst1.ID)
	require.NoError(t, err)
	delete(rec.Variables, "name")
	require.NoError(t, store.SaveInstance(context.Background(), rec))

	reg2 := newTestRegistry(store, nil)
	reg2.AddModel(twoFormModel())
	inst2, err := reg2.GetOrLoadInstance(context.Background(), inst1.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", inst2.VariablesSnapshot()["name"], "replay must re-apply the journaled patch")
}

// TestSearch verifies clause parsing and substring matching over instance
// variables.
func TestSearch(t *testing.T) {
	store := NewMemoryStore()
	reg := newTestRegistry(store, nil)
	reg.AddModel(userTaskModel())

	a, err := reg.CreateInstance(context.Background(), "form.bpmn", "inst-a", map[string]any{
		"requester": "ada",
		"role":      "admin",
		"meta":      map[string]any{"origin": "web"},
	})
	require.NoError(t, err)
	b, err := reg.CreateInstance(context.Background(), "form.bpmn", "inst-b", map[string]any{
		"requester": "bob",
	})
	require.NoError(t, err)
	waitForState(t, a, StateWaiting)
	waitForState(t, b, StateWaiting)

	ids, err := reg.Search("requester:ada")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, ids)

	// Substring match.
	ids, err = reg.Search("requester:b")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-b"}, ids)

	// Clauses AND together.
	ids, err = reg.Search("requester:ada,role:admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, ids)

	ids, err = reg.Search("requester:ada,role:agent")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Attribute-less clauses match any string variable, nested included.
	ids, err = reg.Search("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, ids)

	// Nested attributes use dotted paths.
	ids, err = reg.Search("meta.origin:web")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, ids)

	_, err = reg.Search("")
	assert.Error(t, err)
	_, err = reg.Search("a,,b")
	assert.Error(t, err)
	_, err = reg.Search(":orphan")
	assert.Error(t, err)
}

// TestLoadDir verifies directory loading parses every .bpmn file and lists
// the models in stable order.
func TestLoadDir(t *testing.T) {
	store := NewMemoryStore()
	reg := newTestRegistry(store, nil)

	require.NoError(t, reg.LoadDir("../bpmn/testdata", bpmn.NewParser(nil, nil)))
	assert.Equal(t, []string{"support.bpmn"}, reg.Models())

	model, ok := reg.Model("support.bpmn")
	require.True(t, ok)
	assert.Equal(t, "support_request", model.Main.ID)

	_, _, ok = reg.FindProcess("support_request")
	assert.True(t, ok)

	assert.Error(t, reg.LoadDir("no/such/dir", bpmn.NewParser(nil, nil)))
}
