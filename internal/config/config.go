// Package config loads the server's single YAML document: runtime options,
// the flow registry, and the template index. The loaded configuration is an
// immutable snapshot; reload builds a new snapshot and swaps an atomic
// pointer, so running tool calls keep the one they started with.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruminate-ai/ruminate/internal/flow"
	"github.com/ruminate-ai/ruminate/internal/template"
)

// ErrInvalid wraps every configuration rejection so callers can test with
// errors.Is regardless of the specific defect.
var ErrInvalid = errors.New("config invalid")

//go:embed defaults.yaml
var defaultConfig []byte

// ServerConfig holds the recognised runtime options with their defaults.
type ServerConfig struct {
	MaxSessions                 int     `yaml:"max_sessions"`
	SessionTimeoutMinutes       int     `yaml:"session_timeout_minutes"`
	TemplateCacheSize           int     `yaml:"template_cache_size"`
	SessionCacheSize            int     `yaml:"session_cache_size"`
	DefaultFlow                 string  `yaml:"default_flow"`
	QualityGateDefaultThreshold float64 `yaml:"quality_gate_default_threshold"`
	DatabasePath                string  `yaml:"database_path"`
}

func defaultServerConfig() ServerConfig {
	home, _ := os.UserHomeDir()
	return ServerConfig{
		MaxSessions:                 100,
		SessionTimeoutMinutes:       60,
		TemplateCacheSize:           50,
		SessionCacheSize:            20,
		DefaultFlow:                 "comprehensive_analysis",
		QualityGateDefaultThreshold: 0.7,
		DatabasePath:                filepath.Join(home, ".ruminate", "sessions.db"),
	}
}

// Snapshot is one immutable loaded configuration.
type Snapshot struct {
	Server    ServerConfig
	Flows     map[string]*flow.Definition
	Templates map[string]template.Template
}

// Flow returns the named flow definition, or nil.
func (s *Snapshot) Flow(flowType string) *flow.Definition {
	return s.Flows[flowType]
}

// --- Raw YAML shapes (unknown fields are tolerated for forward compat) ---

type rawConfig struct {
	Server    ServerConfig           `yaml:"server"`
	Templates map[string]rawTemplate `yaml:"templates"`
	Flows     map[string]rawFlow     `yaml:"thinking_flows"`
}

type rawTemplate struct {
	Description    string   `yaml:"description"`
	RequiredParams []string `yaml:"required_params"`
	OptionalParams []string `yaml:"optional_params"`
	ExpectedOutput string   `yaml:"expected_output"`
	Body           string   `yaml:"body"`
	File           string   `yaml:"file"`
}

type rawFlow struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Steps       []rawStep `yaml:"steps"`
}

type rawStep struct {
	Name             string         `yaml:"name"`
	TemplateName     string         `yaml:"template_name"`
	Required         *bool          `yaml:"required"`
	QualityThreshold *float64       `yaml:"quality_threshold"`
	Conditional      string         `yaml:"conditional"`
	DependsOn        []string       `yaml:"depends_on"`
	ForEach          string         `yaml:"for_each"`
	Parallel         bool           `yaml:"parallel"`
	RetryOnFailure   bool           `yaml:"retry_on_failure"`
	Final            bool           `yaml:"final"`
	Instructions     string         `yaml:"instructions"`
	ExpectedOutput   string         `yaml:"expected_output"`
	Metadata         map[string]any `yaml:"metadata"`
}

// Load parses and validates the configuration at path. An empty path loads
// the embedded defaults, which make the server usable with no files on
// disk. All rejections wrap ErrInvalid.
func Load(path string) (*Snapshot, error) {
	data := defaultConfig
	baseDir := ""
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
		baseDir = filepath.Dir(path)
	}
	return parse(data, baseDir)
}

func parse(data []byte, baseDir string) (*Snapshot, error) {
	var raw rawConfig
	raw.Server = defaultServerConfig()
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}

	if err := validateServer(raw.Server); err != nil {
		return nil, err
	}

	templates, err := buildTemplates(raw.Templates, baseDir)
	if err != nil {
		return nil, err
	}

	flows := make(map[string]*flow.Definition, len(raw.Flows))
	for flowType, rf := range raw.Flows {
		def, err := buildFlow(flowType, rf, raw.Server, templates)
		if err != nil {
			return nil, err
		}
		flows[flowType] = def
	}

	if len(flows) == 0 {
		return nil, fmt.Errorf("%w: no thinking_flows defined", ErrInvalid)
	}
	if _, ok := flows[raw.Server.DefaultFlow]; !ok {
		return nil, fmt.Errorf("%w: default_flow %q is not a defined flow", ErrInvalid, raw.Server.DefaultFlow)
	}

	return &Snapshot{Server: raw.Server, Flows: flows, Templates: templates}, nil
}

func validateServer(sc ServerConfig) error {
	if sc.MaxSessions <= 0 {
		return fmt.Errorf("%w: max_sessions must be positive", ErrInvalid)
	}
	if sc.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("%w: session_timeout_minutes must be positive", ErrInvalid)
	}
	if sc.TemplateCacheSize <= 0 || sc.SessionCacheSize <= 0 {
		return fmt.Errorf("%w: cache sizes must be positive", ErrInvalid)
	}
	if sc.QualityGateDefaultThreshold < 0 || sc.QualityGateDefaultThreshold > 1 {
		return fmt.Errorf("%w: quality_gate_default_threshold must be in [0,1]", ErrInvalid)
	}
	if sc.DefaultFlow == "" {
		return fmt.Errorf("%w: default_flow is required", ErrInvalid)
	}
	if sc.DatabasePath == "" {
		return fmt.Errorf("%w: database_path is required", ErrInvalid)
	}
	return nil
}

func buildTemplates(raw map[string]rawTemplate, baseDir string) (map[string]template.Template, error) {
	templates := make(map[string]template.Template, len(raw))
	for name, rt := range raw {
		body := rt.Body
		source := "inline"
		if rt.File != "" {
			if rt.Body != "" {
				return nil, fmt.Errorf("%w: template %q declares both body and file", ErrInvalid, name)
			}
			p := rt.File
			if !filepath.IsAbs(p) && baseDir != "" {
				p = filepath.Join(baseDir, p)
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: template %q: read %s: %v", ErrInvalid, name, rt.File, err)
			}
			body = string(data)
			source = p
		}
		if strings.TrimSpace(body) == "" {
			return nil, fmt.Errorf("%w: template %q has an empty body", ErrInvalid, name)
		}
		expected := rt.ExpectedOutput
		if expected == "" {
			expected = template.OutputText
		}
		t := template.Template{
			Name:           name,
			Description:    rt.Description,
			Body:           body,
			RequiredParams: rt.RequiredParams,
			OptionalParams: rt.OptionalParams,
			ExpectedOutput: expected,
			Source:         source,
		}
		if err := template.Validate(t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		templates[name] = t
	}
	return templates, nil
}

func buildFlow(flowType string, rf rawFlow, sc ServerConfig, templates map[string]template.Template) (*flow.Definition, error) {
	if len(rf.Steps) == 0 {
		return nil, fmt.Errorf("%w: flow %q has no steps", ErrInvalid, flowType)
	}

	names := map[string]int{}
	for i, rs := range rf.Steps {
		if rs.Name == "" {
			return nil, fmt.Errorf("%w: flow %q: step %d has no name", ErrInvalid, flowType, i)
		}
		if _, dup := names[rs.Name]; dup {
			return nil, fmt.Errorf("%w: flow %q: duplicate step name %q", ErrInvalid, flowType, rs.Name)
		}
		names[rs.Name] = i
	}

	steps := make([]*flow.Step, 0, len(rf.Steps))
	for i, rs := range rf.Steps {
		if rs.TemplateName == "" {
			return nil, fmt.Errorf("%w: flow %q: step %q has no template_name", ErrInvalid, flowType, rs.Name)
		}
		tmpl, ok := templates[rs.TemplateName]
		if !ok {
			return nil, fmt.Errorf("%w: flow %q: step %q references unknown template %q", ErrInvalid, flowType, rs.Name, rs.TemplateName)
		}

		threshold := sc.QualityGateDefaultThreshold
		if rs.QualityThreshold != nil {
			threshold = *rs.QualityThreshold
		}
		if threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("%w: flow %q: step %q quality_threshold must be in [0,1]", ErrInvalid, flowType, rs.Name)
		}

		required := true
		if rs.Required != nil {
			required = *rs.Required
		}

		step := &flow.Step{
			Name:             rs.Name,
			Template:         rs.TemplateName,
			Required:         required,
			QualityThreshold: threshold,
			DependsOn:        rs.DependsOn,
			Parallel:         rs.Parallel,
			RetryOnFailure:   rs.RetryOnFailure,
			Final:            rs.Final,
			Instructions:     rs.Instructions,
			Metadata:         rs.Metadata,
		}

		// The step's output contract defaults to its template's declaration
		// and may be overridden per step.
		step.ExpectedOutput = tmpl.ExpectedOutput
		if rs.ExpectedOutput != "" {
			step.ExpectedOutput = rs.ExpectedOutput
		}
		switch step.ExpectedOutput {
		case flow.OutputText, flow.OutputJSON:
		default:
			return nil, fmt.Errorf("%w: flow %q: step %q expected_output must be text or json", ErrInvalid, flowType, rs.Name)
		}

		for _, dep := range rs.DependsOn {
			if _, ok := names[dep]; !ok {
				return nil, fmt.Errorf("%w: flow %q: step %q depends_on unknown step %q", ErrInvalid, flowType, rs.Name, dep)
			}
		}

		if rs.ForEach != "" {
			ref, err := flow.ParseForEachRef(rs.ForEach)
			if err != nil {
				return nil, fmt.Errorf("%w: flow %q: step %q: %v", ErrInvalid, flowType, rs.Name, err)
			}
			producer, ok := names[ref.Step]
			if !ok {
				return nil, fmt.Errorf("%w: flow %q: step %q for_each references unknown step %q", ErrInvalid, flowType, rs.Name, ref.Step)
			}
			if producer >= i {
				return nil, fmt.Errorf("%w: flow %q: step %q for_each target %q must be declared earlier", ErrInvalid, flowType, rs.Name, ref.Step)
			}
			step.ForEach = &ref
		}

		if rs.Conditional != "" {
			cond, err := flow.CompileCondition(rs.Conditional)
			if err != nil {
				return nil, fmt.Errorf("%w: flow %q: step %q: %v", ErrInvalid, flowType, rs.Name, err)
			}
			for _, ident := range cond.Identifiers() {
				if dot := strings.IndexByte(ident, '.'); dot > 0 {
					ref := ident[:dot]
					if _, ok := names[ref]; !ok {
						return nil, fmt.Errorf("%w: flow %q: step %q conditional references unknown step %q", ErrInvalid, flowType, rs.Name, ref)
					}
				}
			}
			step.Condition = cond
		}

		steps = append(steps, step)
	}

	if err := checkCycles(flowType, steps, names); err != nil {
		return nil, err
	}

	// A final step terminates the flow, so anything declared after it is
	// unreachable and the flag would be a lie.
	for i, s := range steps {
		if s.Final && i != len(steps)-1 {
			return nil, fmt.Errorf("%w: flow %q: final step %q must be the last step", ErrInvalid, flowType, s.Name)
		}
	}

	name := rf.Name
	if name == "" {
		name = flowType
	}
	def, err := flow.NewDefinition(flowType, name, rf.Description, steps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return def, nil
}

// checkCycles rejects dependency cycles across depends_on and for_each
// edges with a depth-first walk.
func checkCycles(flowType string, steps []*flow.Step, names map[string]int) error {
	graph := map[string][]string{}
	for _, s := range steps {
		deps := append([]string{}, s.DependsOn...)
		if s.ForEach != nil {
			deps = append(deps, s.ForEach.Step)
		}
		graph[s.Name] = deps
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}

	var visit func(node string) error
	visit = func(node string) error {
		switch state[node] {
		case visiting:
			return fmt.Errorf("%w: flow %q: dependency cycle involving step %q", ErrInvalid, flowType, node)
		case done:
			return nil
		}
		state[node] = visiting
		for _, dep := range graph[node] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[node] = done
		return nil
	}

	for name := range graph {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
