package bpmn

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lyzr/bpmn-engine/common/config"
	"github.com/lyzr/bpmn-engine/common/expression"
)

// Standard BPMN 2.0 namespaces consumed by the parser.
const (
	NSBpmn    = "http://www.omg.org/spec/BPMN/20100524/MODEL"
	NSCamunda = "http://camunda.org/schema/1.0/bpmn"
)

// Parser builds immutable process models from BPMN 2.0 XML.
// SystemVars and Datasources resolve camunda form-field property
// expressions and connector ids at parse time.
type Parser struct {
	SystemVars  map[string]any
	Datasources map[string]config.Datasource
}

// NewParser creates a parser bound to the startup configuration.
func NewParser(systemVars map[string]any, datasources map[string]config.Datasource) *Parser {
	return &Parser{
		SystemVars:  systemVars,
		Datasources: datasources,
	}
}

// ParseFile parses a .bpmn file. The model key is the file's base name.
func (p *Parser) ParseFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return p.Parse(data, filepath.Base(path))
}

// Parse parses BPMN XML into a model keyed by key.
// A file holding several processes under a collaboration designates its
// entry point with the camunda property is_main=True.
func (p *Parser) Parse(data []byte, key string) (*Model, error) {
	var defs xmlDefinitions
	if err := xml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}

	if len(defs.Processes) == 0 {
		return nil, fmt.Errorf("parse %s: no process definitions", key)
	}

	model := &Model{
		Key:       key,
		Source:    data,
		Processes: make(map[string]*Process),
	}

	for i := range defs.Processes {
		proc, err := p.buildProcess(&defs.Processes[i])
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		if err := proc.Validate(); err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		model.Processes[proc.ID] = proc
		if proc.IsMain || model.Main == nil && len(defs.Processes) == 1 {
			model.Main = proc
		}
	}

	if model.Main == nil {
		return nil, fmt.Errorf("parse %s: collaboration has no process flagged is_main", key)
	}

	return model, nil
}

// taskBuilders maps each task-like tag to the enrichment applied on top of
// the common attribute set. The closed table replaces per-class parse
// overrides; unknown tags never reach it.
var taskBuilders = map[Kind]func(p *Parser, el *Element, x *xmlTask){
	KindTask:         func(*Parser, *Element, *xmlTask) {},
	KindManualTask:   func(*Parser, *Element, *xmlTask) {},
	KindUserTask:     (*Parser).buildUserTask,
	KindReceiveTask:  (*Parser).buildReceiveTask,
	KindServiceTask:  (*Parser).buildServiceTask,
	KindSendTask:     (*Parser).buildServiceTask,
	KindBusinessRule: (*Parser).buildBusinessRule,
	KindCallActivity: (*Parser).buildCallActivity,
}

func (p *Parser) buildProcess(x *xmlProcess) (*Process, error) {
	proc := &Process{
		ID:       x.ID,
		Name:     x.Name,
		Elements: make(map[string]*Element),
	}

	// Extensions exist on the process only in collaboration diagrams.
	if x.ExtensionElements != nil {
		for _, prop := range x.ExtensionElements.Properties {
			if prop.Name == "is_main" && prop.Value == "True" {
				proc.IsMain = true
			}
		}
	}

	add := func(el *Element) error {
		if _, dup := proc.Elements[el.ID]; dup {
			return fmt.Errorf("duplicate element id %s", el.ID)
		}
		proc.Elements[el.ID] = el
		return nil
	}

	for _, group := range []struct {
		kind  Kind
		nodes []xmlTask
	}{
		{KindStartEvent, x.StartEvents},
		{KindEndEvent, x.EndEvents},
		{KindTask, x.Tasks},
		{KindManualTask, x.ManualTasks},
		{KindUserTask, x.UserTasks},
		{KindReceiveTask, x.ReceiveTasks},
		{KindServiceTask, x.ServiceTasks},
		{KindSendTask, x.SendTasks},
		{KindBusinessRule, x.BusinessRules},
		{KindBusinessRule, x.BusinessRuleTasks},
		{KindCallActivity, x.CallActivities},
	} {
		for i := range group.nodes {
			node := &group.nodes[i]
			el := &Element{
				ID:            node.ID,
				Name:          node.Name,
				Kind:          group.kind,
				Documentation: strings.TrimSpace(strings.Join(node.Documentation, "\n")),
				Incoming:      len(node.Incoming),
				Outgoing:      len(node.Outgoing),
			}
			if build, ok := taskBuilders[group.kind]; ok {
				build(p, el, node)
			}
			if err := add(el); err != nil {
				return nil, err
			}
			if group.kind == KindStartEvent {
				proc.StartEvents = append(proc.StartEvents, el.ID)
			}
		}
	}

	for _, group := range []struct {
		kind  Kind
		nodes []xmlGateway
	}{
		{KindExclusiveGateway, x.ExclusiveGateways},
		{KindParallelGateway, x.ParallelGateways},
		{KindInclusiveGateway, x.InclusiveGateways},
	} {
		for i := range group.nodes {
			node := &group.nodes[i]
			el := &Element{
				ID:       node.ID,
				Name:     node.Name,
				Kind:     group.kind,
				Incoming: len(node.Incoming),
				Outgoing: len(node.Outgoing),
				Default:  node.Default,
			}
			if err := add(el); err != nil {
				return nil, err
			}
		}
	}

	for i := range x.SequenceFlows {
		f := &x.SequenceFlows[i]
		proc.Flows = append(proc.Flows, &SequenceFlow{
			ID:        f.ID,
			Name:      f.Name,
			Source:    f.SourceRef,
			Target:    f.TargetRef,
			Condition: strings.TrimSpace(f.Condition),
		})
	}

	return proc, nil
}

func (p *Parser) buildUserTask(el *Element, x *xmlTask) {
	el.FormFields = make(map[string]FormField)
	if x.ExtensionElements == nil {
		return
	}

	// Form-field properties may reference system variables and datasources.
	propertyVars := make(map[string]any, len(p.SystemVars)+len(p.Datasources))
	for k, v := range p.SystemVars {
		propertyVars[k] = v
	}
	for k, ds := range p.Datasources {
		propertyVars[k] = map[string]any{"type": ds.Type, "url": ds.URL}
	}

	for _, fd := range x.ExtensionElements.FormData {
		for _, f := range fd.Fields {
			field := FormField{
				Type:       f.Type,
				Label:      f.Label,
				Validation: make(map[string]string),
				Properties: make(map[string]any),
			}
			for _, prop := range f.Properties {
				field.Properties[prop.ID] = expression.Evaluate(prop.Value, propertyVars)
			}
			for _, c := range f.Constraints {
				field.Validation[c.Name] = c.Config
			}
			el.FormFields[f.ID] = field
		}
	}
}

func (p *Parser) buildReceiveTask(el *Element, x *xmlTask) {
	el.InputVariables = make(map[string]any)
	el.OutputVariables = make(map[string]any)
	if x.ExtensionElements == nil {
		return
	}
	parseInputOutput(x.ExtensionElements.InputOutputs, el.InputVariables, el.OutputVariables)
}

func (p *Parser) buildServiceTask(el *Element, x *xmlTask) {
	el.InputVariables = make(map[string]any)
	el.OutputVariables = make(map[string]any)
	if x.ExtensionElements == nil {
		return
	}

	// Input/Output tab in Camunda.
	parseInputOutput(x.ExtensionElements.InputOutputs, el.InputVariables, el.OutputVariables)

	// Connector tab in Camunda.
	for _, con := range x.ExtensionElements.Connectors {
		c := &Connector{
			InputVariables:  make(map[string]any),
			OutputVariables: make(map[string]any),
		}
		parseInputOutput(con.InputOutputs, c.InputVariables, c.OutputVariables)
		if ds, ok := p.Datasources[strings.TrimSpace(con.ConnectorID)]; ok {
			c.ID = ds.Type
			c.InputVariables["base_url"] = ds.URL
		}
		el.Connector = c
	}
}

func (p *Parser) buildBusinessRule(el *Element, x *xmlTask) {
	p.buildServiceTask(el, x)
	el.DecisionRef = x.DecisionRef
}

func (p *Parser) buildCallActivity(el *Element, x *xmlTask) {
	el.InputVariables = make(map[string]any)
	el.OutputVariables = make(map[string]any)
	el.InMapping = make(map[string]string)
	el.OutMapping = make(map[string]string)

	el.CalledElement = x.CalledElement
	el.Deployment = x.CalledElementBinding == "deployment"

	if x.ExtensionElements == nil {
		return
	}
	parseInputOutput(x.ExtensionElements.InputOutputs, el.InputVariables, el.OutputVariables)
	for _, in := range x.ExtensionElements.Ins {
		el.InMapping[in.Source] = in.Target
	}
	for _, out := range x.ExtensionElements.Outs {
		el.OutMapping[out.Source] = out.Target
	}
}

// parseInputOutput fills input and output maps from camunda:inputOutput
// blocks. Parameters may carry a list, a map, a script (ignored) or plain
// text.
func parseInputOutput(blocks []xmlInputOutput, input, output map[string]any) {
	for _, io := range blocks {
		for _, param := range io.InputParameters {
			parseIOParameter(&param, input)
		}
		for _, param := range io.OutputParameters {
			parseIOParameter(&param, output)
		}
	}
}

func parseIOParameter(param *xmlIOParameter, dst map[string]any) {
	switch {
	case param.List != nil:
		values := make([]any, 0, len(param.List.Values))
		for _, v := range param.List.Values {
			if v != "" {
				values = append(values, v)
			}
		}
		dst[param.Name] = values
	case param.Map != nil:
		entries := make(map[string]any, len(param.Map.Entries))
		for _, e := range param.Map.Entries {
			entries[e.Key] = strings.TrimSpace(e.Text)
		}
		dst[param.Name] = entries
	case param.Script != nil:
		// script parameters not supported
	default:
		dst[param.Name] = strings.TrimSpace(param.Text)
	}
}

// XML decoding structures. Local names are unique across the bpmn and
// camunda namespaces consumed here, so fields bind by local name with the
// camunda namespace spelled out where it matters.

type xmlDefinitions struct {
	XMLName   xml.Name     `xml:"definitions"`
	Processes []xmlProcess `xml:"process"`
}

type xmlProcess struct {
	ID                string                `xml:"id,attr"`
	Name              string                `xml:"name,attr"`
	ExtensionElements *xmlExtensionElements `xml:"extensionElements"`

	StartEvents       []xmlTask `xml:"startEvent"`
	EndEvents         []xmlTask `xml:"endEvent"`
	Tasks             []xmlTask `xml:"task"`
	ManualTasks       []xmlTask `xml:"manualTask"`
	UserTasks         []xmlTask `xml:"userTask"`
	ReceiveTasks      []xmlTask `xml:"receiveTask"`
	ServiceTasks      []xmlTask `xml:"serviceTask"`
	SendTasks         []xmlTask `xml:"sendTask"`
	BusinessRules     []xmlTask `xml:"businessRule"`
	BusinessRuleTasks []xmlTask `xml:"businessRuleTask"`
	CallActivities    []xmlTask `xml:"callActivity"`

	ExclusiveGateways []xmlGateway `xml:"exclusiveGateway"`
	ParallelGateways  []xmlGateway `xml:"parallelGateway"`
	InclusiveGateways []xmlGateway `xml:"inclusiveGateway"`

	SequenceFlows []xmlSequenceFlow `xml:"sequenceFlow"`
}

type xmlTask struct {
	ID                   string   `xml:"id,attr"`
	Name                 string   `xml:"name,attr"`
	CalledElement        string   `xml:"calledElement,attr"`
	CalledElementBinding string   `xml:"http://camunda.org/schema/1.0/bpmn calledElementBinding,attr"`
	DecisionRef          string   `xml:"http://camunda.org/schema/1.0/bpmn decisionRef,attr"`
	Documentation        []string `xml:"documentation"`
	Incoming             []string `xml:"incoming"`
	Outgoing             []string `xml:"outgoing"`

	ExtensionElements *xmlExtensionElements `xml:"extensionElements"`
}

type xmlGateway struct {
	ID       string   `xml:"id,attr"`
	Name     string   `xml:"name,attr"`
	Default  string   `xml:"default,attr"`
	Incoming []string `xml:"incoming"`
	Outgoing []string `xml:"outgoing"`
}

type xmlSequenceFlow struct {
	ID        string `xml:"id,attr"`
	Name      string `xml:"name,attr"`
	SourceRef string `xml:"sourceRef,attr"`
	TargetRef string `xml:"targetRef,attr"`
	Condition string `xml:"conditionExpression"`
}

// Camunda extension children are matched by local name: the camunda and
// bpmn namespaces share no local names under extensionElements.
type xmlExtensionElements struct {
	Properties   []xmlProperty    `xml:"properties>property"`
	InputOutputs []xmlInputOutput `xml:"inputOutput"`
	Connectors   []xmlConnector   `xml:"connector"`
	FormData     []xmlFormData    `xml:"formData"`
	Ins          []xmlMapping     `xml:"in"`
	Outs         []xmlMapping     `xml:"out"`
}

type xmlProperty struct {
	ID    string `xml:"id,attr"`
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlInputOutput struct {
	InputParameters  []xmlIOParameter `xml:"inputParameter"`
	OutputParameters []xmlIOParameter `xml:"outputParameter"`
}

type xmlIOParameter struct {
	Name   string    `xml:"name,attr"`
	Text   string    `xml:",chardata"`
	List   *xmlList  `xml:"list"`
	Map    *xmlMap   `xml:"map"`
	Script *struct{} `xml:"script"`
}

type xmlList struct {
	Values []string `xml:"value"`
}

type xmlMap struct {
	Entries []xmlMapEntry `xml:"entry"`
}

type xmlMapEntry struct {
	Key  string `xml:"key,attr"`
	Text string `xml:",chardata"`
}

type xmlConnector struct {
	ConnectorID  string           `xml:"connectorId"`
	InputOutputs []xmlInputOutput `xml:"inputOutput"`
}

type xmlFormData struct {
	Fields []xmlFormField `xml:"formField"`
}

type xmlFormField struct {
	ID          string          `xml:"id,attr"`
	Type        string          `xml:"type,attr"`
	Label       string          `xml:"label,attr"`
	Properties  []xmlProperty   `xml:"properties>property"`
	Constraints []xmlConstraint `xml:"validation>constraint"`
}

type xmlConstraint struct {
	Name   string `xml:"name,attr"`
	Config string `xml:"config,attr"`
}

type xmlMapping struct {
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}
