package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lyzr/bpmn-engine/bpmn"
	"github.com/lyzr/bpmn-engine/common/expression"
	"github.com/lyzr/bpmn-engine/engine/connector"
)

// RoutingError reports an exclusive gateway with no matching flow and no
// default.
type RoutingError struct {
	GatewayID string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("exclusive gateway %s: no condition matched and no default flow", e.GatewayID)
}

type outcomeKind int

const (
	outcomeImmediate outcomeKind = iota
	outcomeWaiting
	outcomeDone
)

// outcome is the result of evaluating one element: Immediate carries the
// chosen outgoing flows, Waiting keeps the token, Done absorbs it.
type outcome struct {
	kind  outcomeKind
	flows []*bpmn.SequenceFlow
}

func immediate(flows []*bpmn.SequenceFlow) outcome {
	return outcome{kind: outcomeImmediate, flows: flows}
}

// step executes the behavior of the element holding a token.
func (i *Instance) step(ctx context.Context, el *bpmn.Element) (outcome, error) {
	switch el.Kind {
	case bpmn.KindStartEvent, bpmn.KindTask, bpmn.KindManualTask:
		i.log.Debug("passing through", "element_id", el.ID, "kind", el.Kind)
		return immediate(i.process.Successors(el.ID)), nil

	case bpmn.KindEndEvent:
		i.log.Debug("end event reached", "element_id", el.ID)
		return immediate(nil), nil

	case bpmn.KindUserTask, bpmn.KindReceiveTask:
		i.snapMu.Lock()
		consumed := i.received[el.ID]
		if consumed {
			delete(i.received, el.ID)
		}
		i.snapMu.Unlock()
		if consumed {
			return immediate(i.process.Successors(el.ID)), nil
		}
		return outcome{kind: outcomeWaiting}, nil

	case bpmn.KindServiceTask, bpmn.KindSendTask, bpmn.KindBusinessRule:
		if err := i.runServiceTask(ctx, el); err != nil {
			return outcome{}, err
		}
		return immediate(i.process.Successors(el.ID)), nil

	case bpmn.KindCallActivity:
		if err := i.runCallActivity(ctx, el); err != nil {
			return outcome{}, err
		}
		return immediate(i.process.Successors(el.ID)), nil

	case bpmn.KindExclusiveGateway, bpmn.KindInclusiveGateway:
		// Inclusive gateways carry exclusive semantics for the
		// single-true-condition models this engine accepts.
		flow, err := i.route(el)
		if err != nil {
			return outcome{}, err
		}
		return immediate([]*bpmn.SequenceFlow{flow}), nil

	case bpmn.KindParallelGateway:
		i.snapMu.Lock()
		remaining := i.joinCounts[el.ID]
		if remaining <= 0 {
			// Reset for re-entry before the join fires.
			i.joinCounts[el.ID] = el.Incoming
		}
		i.snapMu.Unlock()
		if remaining > 0 {
			return outcome{kind: outcomeDone}, nil
		}
		return immediate(i.process.Successors(el.ID)), nil

	default:
		return outcome{}, fmt.Errorf("element %s has unsupported kind %s", el.ID, el.Kind)
	}
}

// route picks exactly one outgoing flow of an exclusive gateway: the first
// flow in declaration order whose condition holds, else the default.
func (i *Instance) route(el *bpmn.Element) (*bpmn.SequenceFlow, error) {
	outgoing := i.process.Successors(el.ID)
	if len(outgoing) == 1 && outgoing[0].Condition == "" {
		return outgoing[0], nil
	}

	vars := i.VariablesSnapshot()
	var defaultFlow *bpmn.SequenceFlow
	for _, flow := range outgoing {
		if flow.ID == el.Default {
			defaultFlow = flow
		}
		if flow.Condition == "" {
			continue
		}
		ok, err := i.reg.conditions.Evaluate(flow.Condition, vars)
		if err != nil {
			// Unresolvable conditions do not match.
			i.log.Debug("condition evaluation failed", "flow_id", flow.ID, "error", err)
			continue
		}
		if ok {
			return flow, nil
		}
	}

	if defaultFlow != nil {
		return defaultFlow, nil
	}
	return nil, &RoutingError{GatewayID: el.ID}
}

// runServiceTask resolves input variables, merges system variables and
// delegates to the connector runner when the task's connector id resolves
// to an HTTP datasource. Declared outputs bind from the response body; a
// direct key match wins over the evaluated expression.
func (i *Instance) runServiceTask(ctx context.Context, el *bpmn.Element) error {
	data := make(map[string]any, len(el.InputVariables)+len(i.reg.systemVars))
	for key, val := range el.InputVariables {
		value := val
		if s, ok := val.(string); ok && s == "" {
			value = key
		}
		switch v := value.(type) {
		case string:
			value = expression.Evaluate(v, i.variables)
		case []any:
			evaluated := make([]any, len(v))
			for idx, item := range v {
				evaluated[idx] = expression.Evaluate(item, i.variables)
			}
			value = evaluated
		case map[string]any:
			evaluated := make(map[string]any, len(v))
			for k, item := range v {
				evaluated[k] = expression.Evaluate(item, i.variables)
			}
			value = evaluated
		}
		if key == "id_instance" {
			value = i.ID
		}
		data[key] = value
	}
	for k, v := range i.reg.systemVars {
		data[k] = v
	}

	if el.Connector == nil || el.Connector.ID != "http-connector" {
		// No datasource resolved for this task: succeed with no side effect.
		i.log.Debug("service task has no http connector", "element_id", el.ID)
		return nil
	}

	cf := el.Connector.InputVariables

	params := make(map[string]string)
	if urlParams, ok := cf["url_parameter"].(map[string]any); ok {
		for k, v := range urlParams {
			params[k] = expression.Stringify(expression.Evaluate(v, i.variables))
		}
	}

	base, _ := cf["base_url"].(string)
	path, _ := cf["url"].(string)
	method, _ := cf["method"].(string)
	targetURL := connector.JoinURL(base, path)

	i.log.Info("invoking connector", "element_id", el.ID, "url", targetURL, "method", method)
	resp, err := i.reg.connector.Invoke(ctx, strings.ToUpper(method), targetURL, params, data)
	if err != nil {
		return fmt.Errorf("service task %s: %w", el.ID, err)
	}

	before := deepCopyVariables(i.variables)
	i.snapMu.Lock()
	for key, val := range el.OutputVariables {
		if s, ok := val.(string); ok && s != "" {
			i.variables[key] = expression.Evaluate(s, resp)
		}
		// Direct key match wins over the evaluated expression.
		if v, ok := resp[key]; ok {
			i.variables[key] = v
		}
	}
	i.snapMu.Unlock()

	if err := i.journal.AppendVariablesUpdated(ctx, before, i.variables); err != nil {
		return err
	}
	return i.persist(ctx)
}

// runCallActivity invokes another process as a child instance and blocks
// until it completes. The child receives an isolated deep copy of the
// parent variables shaped by the in-mapping; its results flow back through
// the out-mapping.
func (i *Instance) runCallActivity(ctx context.Context, el *bpmn.Element) error {
	childModel, childProcess, err := i.resolveCalledElement(el.CalledElement)
	if err != nil {
		return fmt.Errorf("call activity %s: %w", el.ID, err)
	}

	childVars := deepCopyVariables(i.variables)
	applyInMapping(childVars, el.InMapping)
	initialVars := make(map[string]any)
	for key := range el.InputVariables {
		if v, ok := childVars[key]; ok {
			initialVars[key] = v
		}
	}

	childID := uuid.New().String()
	i.log.Info("starting subprocess", "element_id", el.ID, "called_element", el.CalledElement, "child_id", childID)

	child, err := i.reg.startChildInstance(ctx, childModel, childProcess, childID, initialVars)
	if err != nil {
		return fmt.Errorf("call activity %s: %w", el.ID, err)
	}

	// The parent suspends while the child runs on this goroutine; cancelling
	// the parent cancels the child. The child leaves the live table once it
	// ends, its snapshot and journal stay queryable through the store.
	child.cancel = i.cancel
	child.run(ctx)
	i.reg.release(childID)

	if child.State() != StateFinished {
		return fmt.Errorf("call activity %s: child instance %s ended %s", el.ID, childID, child.State())
	}

	mapped := child.VariablesSnapshot()
	applyOutMapping(mapped, el.OutMapping)

	before := deepCopyVariables(i.variables)
	i.snapMu.Lock()
	for key := range el.OutputVariables {
		if v, ok := mapped[key]; ok {
			i.variables[key] = v
		}
	}
	i.snapMu.Unlock()

	if err := i.journal.AppendVariablesUpdated(ctx, before, i.variables); err != nil {
		return err
	}
	return i.persist(ctx)
}

func (i *Instance) resolveCalledElement(calledElement string) (*bpmn.Model, *bpmn.Process, error) {
	if calledElement == "" {
		return nil, nil, fmt.Errorf("no called element")
	}
	if sub, ok := i.model.Subprocess(calledElement); ok {
		return i.model, sub, nil
	}
	if model, proc, ok := i.reg.FindProcess(calledElement); ok {
		return model, proc, nil
	}
	return nil, nil, fmt.Errorf("called element %s does not resolve", calledElement)
}

// applyInMapping reshapes a child variable set: dotted sources perform a
// nested lookup and remove the top-level key, plain sources rename.
func applyInMapping(vars map[string]any, mapping map[string]string) {
	for src, dst := range mapping {
		if strings.Contains(src, ".") {
			if v, ok := expression.NestedGet(vars, src); ok {
				delete(vars, strings.SplitN(src, ".", 2)[0])
				vars[dst] = v
			}
			continue
		}
		if v, ok := vars[src]; ok {
			delete(vars, src)
			vars[dst] = v
		}
	}
}

// applyOutMapping is the analogous reshape on the child's final variables;
// absent sources are skipped.
func applyOutMapping(vars map[string]any, mapping map[string]string) {
	for src, dst := range mapping {
		if strings.Contains(src, ".") {
			if v, ok := expression.NestedGet(vars, src); ok {
				vars[dst] = v
			}
			continue
		}
		if v, ok := vars[src]; ok {
			delete(vars, src)
			vars[dst] = v
		}
	}
}
