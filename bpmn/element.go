package bpmn

// Kind identifies the BPMN element type of a flow node.
// Kinds form a closed set; the parser rejects anything outside it.
type Kind string

const (
	KindStartEvent       Kind = "bpmn:startEvent"
	KindEndEvent         Kind = "bpmn:endEvent"
	KindTask             Kind = "bpmn:task"
	KindManualTask       Kind = "bpmn:manualTask"
	KindUserTask         Kind = "bpmn:userTask"
	KindReceiveTask      Kind = "bpmn:receiveTask"
	KindServiceTask      Kind = "bpmn:serviceTask"
	KindSendTask         Kind = "bpmn:sendTask"
	KindBusinessRule     Kind = "bpmn:businessRule"
	KindCallActivity     Kind = "bpmn:callActivity"
	KindExclusiveGateway Kind = "bpmn:exclusiveGateway"
	KindParallelGateway  Kind = "bpmn:parallelGateway"
	KindInclusiveGateway Kind = "bpmn:inclusiveGateway"
)

// FormField describes one field of a user task form.
type FormField struct {
	Type       string            `json:"type"`
	Label      string            `json:"label"`
	Validation map[string]string `json:"validation"`
	Properties map[string]any    `json:"properties"`
}

// Connector holds the HTTP connector descriptor of a service task.
// InputVariables carries base_url (resolved from the datasource map at parse
// time), url, method and the url_parameter map.
type Connector struct {
	ID              string         `json:"id"`
	InputVariables  map[string]any `json:"input_variables"`
	OutputVariables map[string]any `json:"output_variables"`
}

// Element is a single vertex of the process graph. It is a kind-tagged
// record: only the attribute group matching Kind is populated. Elements are
// immutable after parsing.
type Element struct {
	ID            string
	Name          string
	Kind          Kind
	Documentation string

	// Gateways
	Incoming int
	Outgoing int
	Default  string // exclusive gateway default flow id

	// User tasks
	FormFields map[string]FormField

	// Service, send, receive tasks and call activities
	InputVariables  map[string]any
	OutputVariables map[string]any
	Connector       *Connector

	// Business rule tasks
	DecisionRef string

	// Call activities
	CalledElement string
	Deployment    bool
	InMapping     map[string]string
	OutMapping    map[string]string
}

// IsWaiting reports whether the element blocks until a matching message.
func (e *Element) IsWaiting() bool {
	return e.Kind == KindUserTask || e.Kind == KindReceiveTask
}

// Info returns the externally inspectable descriptor of the element.
func (e *Element) Info() map[string]any {
	info := map[string]any{
		"type": string(e.Kind),
		"id":   e.ID,
		"name": e.Name,
	}
	switch e.Kind {
	case KindUserTask:
		info["form_fields"] = e.FormFields
		info["documentation"] = e.Documentation
	case KindReceiveTask:
		info["documentation"] = e.Documentation
	}
	return info
}

// SequenceFlow is a directed edge between two elements, optionally guarded
// by a condition expression.
type SequenceFlow struct {
	ID        string
	Name      string
	Source    string
	Target    string
	Condition string
}
