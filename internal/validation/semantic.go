package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/dispatch/pkg/schema"
)

// ActionLookup reports whether a tool type has a registered executor.
type ActionLookup interface {
	Has(name string) bool
}

// validateSemantic checks references the structural schema cannot express:
// the start step, workbook targets, loop declarations and tool types.
func validateSemantic(pb *schema.Playbook, lookup ActionLookup) *schema.Report {
	report := &schema.Report{}

	if pb.Step(schema.StepStart) == nil {
		report.Errorf("workflow", "missing %q step", schema.StepStart)
	}
	if pb.Step(schema.StepEnd) == nil {
		report.Warnf("workflow", "no %q step: executions will not emit execution_complete", schema.StepEnd)
	}

	seen := make(map[string]bool, len(pb.Workbook))
	for i, entry := range pb.Workbook {
		path := fmt.Sprintf("workbook[%d]", i)
		if seen[entry.Name] {
			report.Errorf(path+".name", "duplicate workbook action %q", entry.Name)
		}
		seen[entry.Name] = true
		checkToolType(report, path+".type", entry.Type, lookup)
	}

	for i, step := range pb.Workflow {
		path := fmt.Sprintf("workflow[%d]", i)
		validateStep(report, pb, step, path, lookup)
	}
	return report
}

func validateStep(report *schema.Report, pb *schema.Playbook, step *schema.Step, path string, lookup ActionLookup) {
	stepType := strings.ToLower(step.Type)

	switch stepType {
	case schema.StepTypeWorkbook:
		name, _ := step.Config["name"].(string)
		switch {
		case name == "":
			report.Errorf(path+".name", "workbook step %q must name a workbook action", step.Name)
		case pb.WorkbookAction(name) == nil:
			report.Errorf(path+".name", "workbook action %q not found", name)
		}
	case schema.StepTypePlaybook:
		if p, _ := step.Config["path"].(string); p == "" {
			report.Errorf(path+".path", "playbook step %q requires a path", step.Name)
		}
	case "", schema.StepTypeRouter:
	default:
		checkToolType(report, path+".type", stepType, lookup)
	}

	if step.Loop != nil {
		if schema.IsEmptyValue(step.Loop.In) {
			report.Errorf(path+".loop.in", "loop on step %q has no collection", step.Name)
		}
		if !step.IsActionable() {
			report.Errorf(path+".loop", "loop on step %q requires an executable type", step.Name)
		}
	}

	for j, tr := range step.Next {
		if tr.Step == schema.StepStart {
			report.Errorf(fmt.Sprintf("%s.next[%d]", path, j), "transition back to %q is not allowed", schema.StepStart)
		}
	}
	if step.Name == schema.StepEnd && len(step.Next) > 0 {
		report.Warnf(path+".next", "transitions on %q are ignored", schema.StepEnd)
	}
}

func checkToolType(report *schema.Report, path, typ string, lookup ActionLookup) {
	typ = strings.ToLower(typ)
	if !schema.ActionTypes[typ] {
		report.Warnf(path, "unknown type %q: step will run as a control step", typ)
		return
	}
	if lookup == nil || typ == schema.StepTypeWorkbook || typ == schema.StepTypePlaybook {
		return
	}
	if !lookup.Has(typ) {
		report.Warnf(path, "no executor registered for %q on this host", typ)
	}
}

// validateGraph reports steps unreachable from start.
func validateGraph(pb *schema.Playbook) *schema.Report {
	report := &schema.Report{}
	if pb.Step(schema.StepStart) == nil {
		return report
	}

	reached := map[string]bool{schema.StepStart: true}
	queue := []string{schema.StepStart}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, tr := range pb.Step(name).Next {
			if !reached[tr.Step] {
				reached[tr.Step] = true
				queue = append(queue, tr.Step)
			}
		}
	}

	var dead []string
	for _, s := range pb.Workflow {
		if !reached[s.Name] {
			dead = append(dead, s.Name)
		}
	}
	sort.Strings(dead)
	for _, name := range dead {
		report.Warnf("workflow."+name, "step %q is unreachable from %q", name, schema.StepStart)
	}
	return report
}
