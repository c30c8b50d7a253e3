package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PlanStep is one oracle decision: which action to run next and with what
// parameters.
type PlanStep struct {
	Service  string         `json:"service"`
	Function string         `json:"function,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

var ErrNoPlan = errors.New("no plan step in oracle output")

const planSchema = `{
  "type": "object",
  "properties": {
    "service":  {"type": "string", "minLength": 1},
    "function": {"type": "string"},
    "params":   {"type": ["object", "null"]}
  },
  "required": ["service"]
}`

// keyAliases maps alternate field names models produce onto PlanStep keys.
var keyAliases = map[string]string{
	"servicio":   "service",
	"funcion":    "function",
	"función":    "function",
	"action":     "function",
	"parametros": "params",
	"parámetros": "params",
	"parameters": "params",
}

// PlanParser extracts and validates a PlanStep from model output.
type PlanParser struct {
	schema *jsonschema.Schema
}

func NewPlanParser() (*PlanParser, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &PlanParser{schema: schema}, nil
}

// Parse returns ErrNoPlan when text holds no JSON object, or a wrapped
// validation error when the object does not describe a step.
func (p *PlanParser) Parse(text string) (*PlanStep, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, ErrNoPlan
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode plan: %w", ErrNoPlan)
	}
	normalized := make(map[string]any, len(obj))
	for k, v := range obj {
		key := strings.ToLower(strings.TrimSpace(k))
		if alias, ok := keyAliases[key]; ok {
			key = alias
		}
		normalized[key] = v
	}
	if err := p.schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}

	b, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	var step PlanStep
	if err := json.Unmarshal(b, &step); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	step.Service = strings.TrimSpace(step.Service)
	step.Function = strings.TrimSpace(step.Function)
	if step.Params == nil {
		step.Params = map[string]any{}
	}
	return &step, nil
}
