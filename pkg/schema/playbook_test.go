package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlaybook = `
apiVersion: dispatch/v1
kind: Playbook
metadata:
  name: weather
  path: examples/weather
  version: "2"
workload:
  cities: [paris, rome]
workbook:
  - name: fetch_city
    type: http
    method: GET
    url: "https://example.test/{{ city }}"
    with:
      timeout: 10
      units: metric
workflow:
  - step: start
    next: fetch
  - step: fetch
    type: workbook
    name: fetch_city
    with:
      units: imperial
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
      mode: sequential
    next: [end]
  - step: end
`

func TestParsePlaybook(t *testing.T) {
	pb, err := ParsePlaybook([]byte(samplePlaybook))
	require.NoError(t, err)

	assert.Equal(t, "examples/weather", pb.Metadata.Path)
	assert.Equal(t, "2", pb.Metadata.Version)
	require.Len(t, pb.Workflow, 4)

	start := pb.Step("start")
	require.NotNil(t, start)
	assert.Equal(t, Transitions{{Step: "fetch"}}, start.Next)
	assert.False(t, start.IsActionable())

	fetch := pb.Step("fetch")
	require.Len(t, fetch.Next, 2)
	assert.Equal(t, "{{ fetch.ok }}", fetch.Next[0].When)
	assert.Equal(t, "end", fetch.Next[1].Step)
	assert.Equal(t, "fetch_city", fetch.Config["name"])

	each := pb.Step("each")
	require.NotNil(t, each.Loop)
	assert.Equal(t, "city", each.Loop.ItemName())
	assert.True(t, each.Loop.Sequential())
	assert.False(t, each.IsDistributedLoop())
	assert.Equal(t, "echo {{ city }}", each.Action()["command"])
}

func TestParsePlaybook_UnknownTransition(t *testing.T) {
	_, err := ParsePlaybook([]byte(`
metadata: {path: a}
workflow:
  - step: start
    next: missing
`))
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestParsePlaybook_DuplicateStep(t *testing.T) {
	_, err := ParsePlaybook([]byte(`
metadata: {path: a}
workflow:
  - step: start
  - step: start
`))
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestStep_ResolveWorkbook_CallerWins(t *testing.T) {
	pb, err := ParsePlaybook([]byte(samplePlaybook))
	require.NoError(t, err)

	fetch := pb.Step("fetch")
	entry := pb.WorkbookAction("fetch_city")
	require.NotNil(t, entry)

	action := fetch.ResolveWorkbook(entry)
	assert.Equal(t, "http", action["type"])
	assert.Equal(t, "fetch", action["name"])
	assert.Equal(t, "GET", action["method"])
	with := action["with"].(map[string]any)
	assert.Equal(t, "imperial", with["units"])
	assert.Equal(t, 10, with["timeout"])
}

func TestParseRetry(t *testing.T) {
	assert.Equal(t, DefaultMaxAttempts, ParseRetry(nil).MaxAttempts)
	assert.Equal(t, 3, ParseRetry(true).MaxAttempts)
	assert.Equal(t, 1, ParseRetry(false).MaxAttempts)
	assert.Equal(t, 7, ParseRetry(7).MaxAttempts)
	assert.Equal(t, 1, ParseRetry(0).MaxAttempts)

	spec := ParseRetry(map[string]any{"max_attempts": 4, "delay": "250ms", "backoff": "linear"})
	assert.Equal(t, 4, spec.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, spec.Delay)
	assert.Equal(t, "linear", spec.Backoff)
}
