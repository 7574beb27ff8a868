package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/pkg/schema"
)

const validPlaybook = `
apiVersion: dispatch/v1
kind: Playbook
metadata:
  name: weather
  path: examples/weather
  version: 2
workload:
  cities: [paris, rome]
workbook:
  - name: fetch_city
    type: http
    url: "https://example.test/{{ city }}"
workflow:
  - step: start
    next: fetch
  - step: fetch
    type: workbook
    name: fetch_city
    retry:
      max_attempts: 5
      delay: 2s
    next:
      - step: each
        when: "{{ fetch.ok }}"
      - end
  - step: each
    type: shell
    command: echo {{ city }}
    loop:
      in: "{{ workload.cities }}"
      iterator: city
    next: [end]
  - step: end
`

type fakeLookup map[string]bool

func (f fakeLookup) Has(name string) bool { return f[name] }

func newValidator(t *testing.T, lookup ActionLookup) *PlaybookValidator {
	t.Helper()
	v, err := NewPlaybookValidator(lookup)
	require.NoError(t, err)
	return v
}

func messages(r *schema.Report) []string {
	var out []string
	for _, i := range r.Issues {
		out = append(out, i.Path+": "+i.Message)
	}
	return out
}

func TestValidate_ValidPlaybook(t *testing.T) {
	v := newValidator(t, fakeLookup{"http": true, "shell": true})
	pb, report := v.Validate([]byte(validPlaybook))
	require.True(t, report.Valid(), messages(report))
	require.NotNil(t, pb)
	assert.Equal(t, "examples/weather", pb.Metadata.Path)
	assert.Empty(t, report.Issues)
}

func TestValidate_StructuralErrors(t *testing.T) {
	v := newValidator(t, nil)

	cases := map[string]string{
		"missing path": `
metadata: {name: x}
workflow:
  - step: start
`,
		"empty workflow": `
metadata: {path: a}
workflow: []
`,
		"bad retry": `
metadata: {path: a}
workflow:
  - step: start
    retry: {max_attempts: 2, delay: soon}
`,
		"transition without step": `
metadata: {path: a}
workflow:
  - step: start
    next:
      - when: "{{ true }}"
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			pb, report := v.Validate([]byte(doc))
			assert.Nil(t, pb)
			assert.False(t, report.Valid())
			assert.True(t, schema.IsCode(report.Err(), schema.ErrCodeValidation))
		})
	}
}

func TestValidate_InvalidYAML(t *testing.T) {
	v := newValidator(t, nil)
	pb, report := v.Validate([]byte("metadata: [unterminated"))
	assert.Nil(t, pb)
	assert.False(t, report.Valid())
}

func TestValidate_SemanticErrors(t *testing.T) {
	v := newValidator(t, nil)

	pb, report := v.Validate([]byte(`
metadata: {path: a}
workbook:
  - name: dup
    type: http
  - name: dup
    type: http
workflow:
  - step: begin
    type: workbook
    name: missing
    next: end
  - step: each
    loop: {in: [1, 2]}
  - step: end
`))
	assert.Nil(t, pb)
	require.False(t, report.Valid())

	joined := messages(report)
	assert.Contains(t, joined, `workflow: missing "start" step`)
	assert.Contains(t, joined, `workbook[1].name: duplicate workbook action "dup"`)
	assert.Contains(t, joined, `workflow[0].name: workbook action "missing" not found`)
	assert.Contains(t, joined, `workflow[1].loop: loop on step "each" requires an executable type`)
}

func TestValidate_Warnings(t *testing.T) {
	v := newValidator(t, fakeLookup{})
	pb, report := v.Validate([]byte(`
metadata: {path: a}
workflow:
  - step: start
    next: run
  - step: run
    type: http
  - step: orphan
    type: teleport
`))
	require.NotNil(t, pb)
	assert.True(t, report.Valid())

	joined := messages(report)
	assert.Contains(t, joined, `workflow: no "end" step: executions will not emit execution_complete`)
	assert.Contains(t, joined, `workflow[1].type: no executor registered for "http" on this host`)
	assert.Contains(t, joined, `workflow[2].type: unknown type "teleport": step will run as a control step`)
	assert.Contains(t, joined, `workflow.orphan: step "orphan" is unreachable from "start"`)
}

func TestValidateWorkload(t *testing.T) {
	v := newValidator(t, nil)
	pb := &schema.Playbook{WorkloadSchema: map[string]any{
		"type":     "object",
		"required": []any{"cities"},
		"properties": map[string]any{
			"cities": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}}

	assert.NoError(t, v.ValidateWorkload(pb, map[string]any{"cities": []any{"paris"}}))

	err := v.ValidateWorkload(pb, map[string]any{"cities": "paris"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = v.ValidateWorkload(pb, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.NoError(t, v.ValidateWorkload(&schema.Playbook{}, map[string]any{"x": 1}))
}
