// Package actions implements the tools a worker runs for leased jobs.
package actions

import (
	"context"
)

// Action executes one tool type.
type Action interface {
	// Type is the step type this action serves (http, shell, ...).
	Type() string
	Description() string
	// Validate checks a rendered task descriptor before execution.
	Validate(spec map[string]any) error
	Execute(ctx context.Context, input Input) (*Output, error)
}

// Input is a rendered task descriptor plus the context it was rendered in.
type Input struct {
	// Spec is the rendered action: tool keys such as url, command or code.
	Spec map[string]any `json:"spec"`
	// Args is the rendered with block.
	Args map[string]any `json:"args,omitempty"`
	// Context is the evaluation context snapshot carried by the job.
	Context map[string]any `json:"context,omitempty"`
}

// Output is an action's result, recorded as the data of the step result.
type Output struct {
	Data any `json:"data"`
}

// Info summarizes a registered action.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}
