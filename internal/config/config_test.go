package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalConfig is a small valid document used as the base for the
// rejection cases.
const minimalConfig = `
server:
  default_flow: basic
  database_path: /tmp/ruminate-test.db

templates:
  ask:
    required_params: [topic]
    body: "Think hard about {topic}."
  fanout:
    required_params: [topic, item]
    expected_output: json
    body: "For {topic}, handle {item}."

thinking_flows:
  basic:
    name: Basic
    steps:
      - name: first
        template_name: ask
        expected_output: json
      - name: second
        template_name: fanout
        for_each: first.items
      - name: last
        template_name: ask
        final: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EmbeddedDefaults(t *testing.T) {
	snap, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, snap.Server.MaxSessions)
	assert.Equal(t, 60, snap.Server.SessionTimeoutMinutes)
	assert.Equal(t, 0.7, snap.Server.QualityGateDefaultThreshold)
	assert.Equal(t, "comprehensive_analysis", snap.Server.DefaultFlow)
	assert.NotEmpty(t, snap.Server.DatabasePath)

	def := snap.Flow("comprehensive_analysis")
	require.NotNil(t, def)
	assert.Equal(t, "decompose_problem", def.First().Name)

	collect := def.Step("collect_evidence")
	require.NotNil(t, collect)
	require.NotNil(t, collect.ForEach)
	assert.Equal(t, "decompose_problem.sub_questions", collect.ForEach.String())
	assert.True(t, collect.Parallel)

	bias := def.Step("bias_detection")
	require.NotNil(t, bias)
	require.NotNil(t, bias.Condition)

	last := def.Steps[def.Len()-1]
	assert.True(t, last.Final)

	quick := snap.Flow("quick_analysis")
	require.NotNil(t, quick)

	// Every template referenced by a flow exists and validates.
	for _, f := range snap.Flows {
		for _, s := range f.Steps {
			_, ok := snap.Templates[s.Template]
			assert.True(t, ok, "flow %s step %s template %s", f.Type, s.Name, s.Template)
		}
	}
	for _, name := range []string{"analysis_quality", "analysis_format", "analysis_completeness",
		"analysis_bias", "analysis_logic", "comprehensive_summary", "fallback_generic"} {
		_, ok := snap.Templates[name]
		assert.True(t, ok, "template %s should be embedded", name)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	snap, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	def := snap.Flow("basic")
	require.NotNil(t, def)
	assert.Equal(t, 3, def.Len())

	// Defaults apply where the step is silent.
	first := def.First()
	assert.Equal(t, 0.7, first.QualityThreshold)
	assert.True(t, first.Required)
	// Step-level expected_output overrides the template's.
	assert.Equal(t, "json", first.ExpectedOutput)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "thinking_flows: ["))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(string) string
	}{
		{"unknown template", func(c string) string {
			return replace(c, "template_name: ask\n        expected_output: json", "template_name: ghost\n        expected_output: json")
		}},
		{"unknown depends_on", func(c string) string {
			return replace(c, "template_name: fanout\n        for_each: first.items",
				"template_name: fanout\n        for_each: first.items\n        depends_on: [ghost]")
		}},
		{"for_each target declared later", func(c string) string {
			return replace(c, "for_each: first.items", "for_each: last.items")
		}},
		{"malformed for_each", func(c string) string {
			return replace(c, "for_each: first.items", "for_each: justastep")
		}},
		{"final not last", func(c string) string {
			return replace(c, "- name: first\n        template_name: ask\n        expected_output: json",
				"- name: first\n        template_name: ask\n        expected_output: json\n        final: true")
		}},
		{"bad conditional", func(c string) string {
			return replace(c, "template_name: ask\n        final: true",
				"template_name: ask\n        final: true\n        conditional: \"complexity = broken\"")
		}},
		{"conditional references unknown step", func(c string) string {
			return replace(c, "template_name: ask\n        final: true",
				"template_name: ask\n        final: true\n        conditional: \"ghost.quality_score > 0.5\"")
		}},
		{"threshold out of range", func(c string) string {
			return replace(c, "template_name: ask\n        expected_output: json",
				"template_name: ask\n        expected_output: json\n        quality_threshold: 1.5")
		}},
		{"default flow missing", func(c string) string {
			return replace(c, "default_flow: basic", "default_flow: ghost")
		}},
		{"duplicate step names", func(c string) string {
			return replace(c, "- name: last", "- name: first")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mutated := tc.mutate(minimalConfig)
			require.NotEqual(t, minimalConfig, mutated, "mutation must change the document")
			_, err := Load(writeConfig(t, mutated))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_DependencyCycle(t *testing.T) {
	cyclic := `
server:
  default_flow: loop
  database_path: /tmp/x.db
templates:
  ask:
    required_params: [topic]
    body: "{topic}"
thinking_flows:
  loop:
    steps:
      - name: a
        template_name: ask
        depends_on: [b]
      - name: b
        template_name: ask
        depends_on: [a]
`
	_, err := Load(writeConfig(t, cyclic))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoad_TemplateFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ask.txt"), []byte("External {topic}."), 0o644))

	doc := `
server:
  default_flow: basic
  database_path: /tmp/x.db
templates:
  ask:
    required_params: [topic]
    file: ask.txt
thinking_flows:
  basic:
    steps:
      - name: only
        template_name: ask
        final: true
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	snap, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "External {topic}.", snap.Templates["ask"].Body)
}

func TestLoad_UnknownFieldsTolerated(t *testing.T) {
	doc := replace(minimalConfig, "name: Basic", "name: Basic\n    future_field: whatever")
	_, err := Load(writeConfig(t, doc))
	assert.NoError(t, err)
}

func TestProvider_ReloadSwapsSnapshot(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	p, err := NewProvider(path, zerolog.Nop())
	require.NoError(t, err)

	before := p.Current()

	// Reloading identical inputs still swaps in a fresh, equivalent
	// snapshot.
	after, err := p.Reload()
	require.NoError(t, err)
	assert.Equal(t, before.Server, after.Server)
	assert.Equal(t, len(before.Templates), len(after.Templates))
	assert.Same(t, after, p.Current())

	// A broken rewrite keeps the previous snapshot active.
	require.NoError(t, os.WriteFile(path, []byte("thinking_flows: ["), 0o644))
	_, err = p.Reload()
	require.Error(t, err)
	assert.Same(t, after, p.Current())
}

func replace(doc, old, new string) string {
	return strings.Replace(doc, old, new, 1)
}
