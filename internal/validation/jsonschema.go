package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/dispatch/pkg/schema"
)

const playbookSchemaURL = "https://dispatch.dev/schemas/playbook.json"

// playbookSchemaJSON describes the structural shape of a playbook document.
// Steps stay open (additionalProperties) because tool configuration is inline.
const playbookSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://dispatch.dev/schemas/playbook.json",
  "type": "object",
  "required": ["metadata", "workflow"],
  "properties": {
    "apiVersion": { "type": "string" },
    "kind": { "type": "string" },
    "metadata": {
      "type": "object",
      "required": ["path"],
      "properties": {
        "name": { "type": "string" },
        "path": { "type": "string", "minLength": 1 },
        "version": { "type": ["string", "number"] },
        "description": { "type": "string" }
      }
    },
    "workload": { "type": "object" },
    "workload_schema": { "type": "object" },
    "workbook": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "type": { "type": "string", "minLength": 1 },
          "with": { "type": "object" }
        }
      }
    },
    "workflow": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step"],
      "properties": {
        "step": { "type": "string", "minLength": 1 },
        "desc": { "type": "string" },
        "type": { "type": "string" },
        "next": {
          "oneOf": [
            { "type": "string" },
            { "$ref": "#/$defs/transition" },
            {
              "type": "array",
              "items": {
                "oneOf": [ { "type": "string" }, { "$ref": "#/$defs/transition" } ]
              }
            }
          ]
        },
        "loop": {
          "type": "object",
          "required": ["in"],
          "properties": {
            "iterator": { "type": "string" },
            "mode": { "type": "string", "enum": ["async", "sequential", "parallel"] }
          }
        },
        "with": { "type": "object" },
        "data": { "type": "object" },
        "save": { "type": "object" },
        "retry": {
          "oneOf": [
            { "type": "boolean" },
            { "type": "integer", "minimum": 0 },
            {
              "type": "object",
              "properties": {
                "max_attempts": { "type": "integer", "minimum": 0 },
                "delay": { "$ref": "#/$defs/duration" },
                "max_delay": { "$ref": "#/$defs/duration" },
                "backoff": { "type": "string", "enum": ["none", "linear", "exponential", "constant"] }
              },
              "additionalProperties": false
            }
          ]
        }
      }
    },
    "transition": {
      "type": "object",
      "required": ["step"],
      "properties": {
        "step": { "type": "string", "minLength": 1 },
        "when": { "type": ["string", "boolean"] },
        "data": { "type": "object" },
        "with": { "type": "object" }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    }
  }
}`

// JSONSchemaValidator validates playbook documents and workloads against JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	playbookSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the playbook schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(playbookSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal playbook schema: %w", err)
	}
	if err := c.AddResource(playbookSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add playbook schema resource: %w", err)
	}
	compiled, err := c.Compile(playbookSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile playbook schema: %w", err)
	}
	return &JSONSchemaValidator{
		playbookSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded playbook document against the structural schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) *schema.Report {
	report := &schema.Report{}
	val, err := toJSONValue(doc)
	if err != nil {
		report.Errorf("/", "document is not JSON-compatible: %s", err)
		return report
	}
	if err := v.playbookSchema.Validate(val); err != nil {
		addViolations(report, err)
	}
	return report
}

// ValidateInput validates input against a caller-provided JSON Schema. The
// compiled schema is cached by its serialized form.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid workload schema").WithCause(err)
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid workload schema").WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workload").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		report := &schema.Report{}
		addViolations(report, err)
		return report.Err()
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("dispatch://workload-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations flattens a ValidationError tree into report issues keyed by
// instance location.
func addViolations(report *schema.Report, err error) {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		report.Errorf("/", "%s", err)
		return
	}
	collect(report, verr)
}

func collect(report *schema.Report, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		report.Errorf(loc, "%s", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collect(report, cause)
	}
}
