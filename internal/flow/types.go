// Package flow implements the declarative thinking-flow engine.
//
// A flow is an ordered list of named steps. Execution is externally driven:
// the host LLM supplies each step's output through the next_step tool, and
// the engine answers with the next work unit — the same step again (quality
// gate retry), the next for_each iteration, a later step, or completion.
//
// The engine itself is pure: deciding the next cursor reads the flow
// definition and the session state and performs no I/O. Persistence belongs
// to the session package; rendering belongs to the template package.
package flow

import (
	"fmt"
	"strings"
)

// StepComplete is the sentinel cursor value marking a finished flow.
const StepComplete = "__complete__"

// RetryMax bounds quality-gate retries per step. A step is attempted at
// most RetryMax+1 times before the engine advances regardless of score.
const RetryMax = 2

// Expected output kinds for a step's LLM reply.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// ForEachRef is a parsed "<step_name>.<property>" reference. References are
// parsed once at config load so malformed strings are rejected before any
// session exists.
type ForEachRef struct {
	Step     string
	Property string
}

func (r ForEachRef) String() string {
	return r.Step + "." + r.Property
}

// ParseForEachRef splits a for_each reference into its step and property
// parts. The property may not contain further dots.
func ParseForEachRef(s string) (ForEachRef, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ForEachRef{}, fmt.Errorf("invalid for_each reference %q: want \"<step_name>.<property>\"", s)
	}
	return ForEachRef{Step: parts[0], Property: parts[1]}, nil
}

// Step is one unit of work in a flow. Immutable after load.
type Step struct {
	Name             string
	Template         string
	Required         bool
	QualityThreshold float64
	Condition        *Condition // nil when unconditional
	DependsOn        []string
	ForEach          *ForEachRef // nil for single-execution steps
	Parallel         bool        // hint only; iterations are served sequentially
	RetryOnFailure   bool
	Final            bool
	Instructions     string
	ExpectedOutput   string // OutputText or OutputJSON
	Metadata         map[string]any
}

// Definition is a loaded, immutable flow: a flow_type plus its ordered steps.
type Definition struct {
	Type        string
	Name        string
	Description string
	Steps       []*Step

	index map[string]int
}

// NewDefinition builds a Definition and its name index. Step names must be
// unique within the flow; the config loader enforces this before calling.
func NewDefinition(flowType, name, description string, steps []*Step) (*Definition, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("flow %q has no steps", flowType)
	}
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("flow %q: duplicate step name %q", flowType, s.Name)
		}
		index[s.Name] = i
	}
	return &Definition{
		Type:        flowType,
		Name:        name,
		Description: description,
		Steps:       steps,
		index:       index,
	}, nil
}

// Step returns the named step, or nil if the flow does not define it.
func (d *Definition) Step(name string) *Step {
	i, ok := d.index[name]
	if !ok {
		return nil
	}
	return d.Steps[i]
}

// Index returns the ordinal position of the named step, or -1.
func (d *Definition) Index(name string) int {
	i, ok := d.index[name]
	if !ok {
		return -1
	}
	return i
}

// First returns the entry step of the flow.
func (d *Definition) First() *Step {
	return d.Steps[0]
}

// Len returns the number of declared steps.
func (d *Definition) Len() int {
	return len(d.Steps)
}
