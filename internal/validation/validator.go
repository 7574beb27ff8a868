package validation

import (
	"gopkg.in/yaml.v3"

	"github.com/rendis/dispatch/pkg/schema"
)

// PlaybookValidator runs the three-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (start step, workbook refs, loops, tool types)
// 3. Graph (reachability from start)
type PlaybookValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewPlaybookValidator creates a PlaybookValidator. lookup may be nil to skip
// executor availability warnings.
func NewPlaybookValidator(lookup ActionLookup) (*PlaybookValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlaybookValidator{jsonSchema: jsv, actions: lookup}, nil
}

// Validate parses content and runs every stage. Structural and parse errors
// short-circuit; the returned playbook is nil unless the report is valid.
func (v *PlaybookValidator) Validate(content []byte) (*schema.Playbook, *schema.Report) {
	report := &schema.Report{}

	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		report.Errorf("/", "invalid yaml: %s", err)
		return nil, report
	}
	report.Merge(v.jsonSchema.ValidateDocument(doc))
	if !report.Valid() {
		return nil, report
	}

	pb, err := schema.ParsePlaybook(content)
	if err != nil {
		report.Errorf("/", "%s", err)
		return nil, report
	}

	report.Merge(validateSemantic(pb, v.actions))
	if !report.Valid() {
		return nil, report
	}
	report.Merge(validateGraph(pb))
	return pb, report
}

// ValidateWorkload checks a run's merged workload against the playbook's
// workload_schema, when one is declared.
func (v *PlaybookValidator) ValidateWorkload(pb *schema.Playbook, workload map[string]any) error {
	return v.jsonSchema.ValidateInput(workload, pb.WorkloadSchema)
}
