package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validatorUtil = validator.New()

// NodeDefinition is one node of the authoring document. Trigger and Config
// stay free-form: authoring content is data, the engine only reads Role and
// SLAHours.
type NodeDefinition struct {
	Code      string         `json:"code" validate:"required"`
	Label     string         `json:"label" validate:"required"`
	Type      NodeType       `json:"type" validate:"required"`
	Role      string         `json:"role,omitempty"`
	SLAHours  int64          `json:"slaHours,omitempty"`
	Mandatory bool           `json:"mandatory,omitempty"`
	Locked    bool           `json:"locked,omitempty"` // computed, see template.go
	Trigger   map[string]any `json:"trigger,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	// presentation only
	Position *NodePosition `json:"position,omitempty"`
}

type NodePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TransitionDefinition is one directed, guarded, action-labeled edge.
type TransitionDefinition struct {
	From               string `json:"from" validate:"required"`
	To                 string `json:"to" validate:"required"`
	Action             string `json:"action" validate:"required"`
	Label              string `json:"label,omitempty"`
	Guard              *Guard `json:"guard,omitempty"`
	RequiresComment    bool   `json:"requiresComment,omitempty"`
	RequiresSignature  bool   `json:"requiresSignature,omitempty"`
	RequiresAttachment bool   `json:"requiresAttachment,omitempty"`
	Mandatory          bool   `json:"mandatory,omitempty"`
}

// Graph is a validated definition body. Slice order is declaration order;
// the transition engine's tie-break depends on it staying that way.
type Graph struct {
	Nodes       []NodeDefinition       `json:"nodes"`
	Transitions []TransitionDefinition `json:"transitions"`
}

// NodeByCode returns the node with the given code, or nil.
func (g *Graph) NodeByCode(code string) *NodeDefinition {
	for i := range g.Nodes {
		if g.Nodes[i].Code == code {
			return &g.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the START node, or nil.
func (g *Graph) StartNode() *NodeDefinition {
	for i := range g.Nodes {
		if g.Nodes[i].Type == NodeTypeStart {
			return &g.Nodes[i]
		}
	}
	return nil
}

// TransitionsFrom returns the outgoing transitions of a node in declaration
// order, optionally filtered by action ("" keeps all).
func (g *Graph) TransitionsFrom(code string, action string) []TransitionDefinition {
	out := make([]TransitionDefinition, 0)
	for _, t := range g.Transitions {
		if t.From != code {
			continue
		}
		if action != "" && t.Action != action {
			continue
		}
		out = append(out, t)
	}
	return out
}

// DefinitionValidationError aggregates every structural issue found in one
// authoring document. Parsing never stops at the first violation.
type DefinitionValidationError struct {
	Issues []string
}

func (e *DefinitionValidationError) Error() string {
	return fmt.Sprintf("definition validation failed: %s", strings.Join(e.Issues, "; "))
}

func (e *DefinitionValidationError) add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

// ParseDefinition parses and validates raw authoring text into a Graph.
// It is pure: no persisted state is read or written. On failure the returned
// error is a *DefinitionValidationError listing all violated rules.
func ParseDefinition(raw []byte) (*Graph, error) {
	graph := &Graph{}
	if err := json.Unmarshal(raw, graph); err != nil {
		return nil, &DefinitionValidationError{Issues: []string{fmt.Sprintf("document is not valid JSON: %v", err)}}
	}

	vErr := &DefinitionValidationError{}

	// schema conformance
	if len(graph.Nodes) < 2 {
		vErr.add("a definition needs at least 2 nodes, got %d", len(graph.Nodes))
	}
	if len(graph.Transitions) < 1 {
		vErr.add("a definition needs at least 1 transition, got %d", len(graph.Transitions))
	}
	nodesByCode := make(map[string]*NodeDefinition, len(graph.Nodes))
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		if err := validatorUtil.Struct(node); err != nil {
			vErr.add("node %d: missing required fields (%v)", i, err)
			continue
		}
		if !IsValidNodeType(node.Type) {
			vErr.add("node %q: unknown type %q", node.Code, node.Type)
		}
		if _, dup := nodesByCode[node.Code]; dup {
			vErr.add("node code %q is not unique", node.Code)
		}
		nodesByCode[node.Code] = node
	}
	for i, t := range graph.Transitions {
		if err := validatorUtil.Struct(t); err != nil {
			vErr.add("transition %d: missing required fields (%v)", i, err)
		}
		if !t.Guard.IsEmpty() {
			for _, cond := range t.Guard.Conditions {
				if cond.Field == "" {
					vErr.add("transition %d (%s): guard condition without field", i, t.Action)
				}
				if !IsValidGuardOperator(cond.Operator) {
					vErr.add("transition %d (%s): unknown guard operator %q", i, t.Action, cond.Operator)
				}
			}
		}
	}

	// exactly one START
	startCount := 0
	endCount := 0
	for _, node := range graph.Nodes {
		switch node.Type {
		case NodeTypeStart:
			startCount++
		case NodeTypeEnd:
			endCount++
		}
	}
	if startCount != 1 {
		vErr.add("exactly one START node required, got %d", startCount)
	}
	// at least one END
	if endCount == 0 {
		vErr.add("at least one END node required")
	}

	// endpoints must exist, END nodes have no outgoing edges
	startOutgoing := 0
	for i, t := range graph.Transitions {
		from, fromOk := nodesByCode[t.From]
		if !fromOk {
			vErr.add("transition %d: from %q references no node", i, t.From)
		}
		if _, ok := nodesByCode[t.To]; !ok {
			vErr.add("transition %d: to %q references no node", i, t.To)
		}
		if fromOk && from.Type == NodeTypeEnd {
			vErr.add("transition %d: END node %q cannot have outgoing transitions", i, t.From)
		}
		if fromOk && from.Type == NodeTypeStart {
			startOutgoing++
		}
	}
	// START must lead somewhere
	if startCount == 1 && startOutgoing == 0 {
		vErr.add("START node has no outgoing transition")
	}

	if len(vErr.Issues) > 0 {
		return nil, vErr
	}
	return graph, nil
}

// ToBytes serializes a graph for storage.
func (g *Graph) ToBytes() ([]byte, error) {
	return json.Marshal(g)
}

// GraphFromBytes decodes a stored graph. Stored graphs were validated on the
// way in, so a decode failure here is an internal error, not a validation one.
func GraphFromBytes(b []byte) (*Graph, error) {
	graph := &Graph{}
	if err := json.Unmarshal(b, graph); err != nil {
		return nil, err
	}
	return graph, nil
}
