package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func condEnvFixture() MapEnv {
	return MapEnv{
		"complexity":                     StringValue("complex"),
		"step_count":                     NumberValue(3),
		"quality_score":                  NumberValue(0.82),
		"decompose_problem.quality_score": NumberValue(0.9),
		"decompose_problem.status":       StringValue("completed"),
	}
}

func TestCompileCondition_Valid(t *testing.T) {
	valid := []string{
		"complexity == 'complex'",
		`complexity != "simple"`,
		"quality_score >= 0.7",
		"step_count < 10",
		"decompose_problem.quality_score > 0.5 && complexity == 'complex'",
		"(quality_score > 0.5 || step_count >= 2) && !false",
		"true",
		"!(complexity == 'simple')",
	}
	for _, src := range valid {
		_, err := CompileCondition(src)
		assert.NoError(t, err, "condition %q should compile", src)
	}
}

func TestCompileCondition_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"complexity =",
		"complexity = 'complex'",     // assignment
		"quality_score >= ",
		"(quality_score > 0.5",       // unbalanced paren
		"complexity == 'unterminated",
		"step_count << 2",
		"foo(bar)",                   // no function calls
		"a == b extra",
	}
	for _, src := range invalid {
		_, err := CompileCondition(src)
		assert.Error(t, err, "condition %q should be rejected", src)
	}
}

func TestCondition_Eval(t *testing.T) {
	env := condEnvFixture()
	cases := []struct {
		src  string
		want bool
	}{
		{"complexity == 'complex'", true},
		{"complexity == 'simple'", false},
		{"complexity != 'simple'", true},
		{"quality_score >= 0.82", true},
		{"quality_score > 0.82", false},
		{"quality_score < 0.9", true},
		{"step_count <= 3", true},
		{"decompose_problem.quality_score > 0.7", true},
		{"decompose_problem.status == 'completed'", true},
		{"complexity == 'complex' && quality_score > 0.5", true},
		{"complexity == 'simple' || quality_score > 0.5", true},
		{"complexity == 'simple' && quality_score > 0.5", false},
		{"!(complexity == 'simple')", true},
		{"true", true},
		{"false", false},
		// Mixed-kind equality is false, not an error.
		{"complexity == 3", false},
		{"complexity != 3", true},
	}
	for _, tc := range cases {
		cond, err := CompileCondition(tc.src)
		require.NoError(t, err, tc.src)
		got, err := cond.Eval(env)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
	}
}

func TestCondition_Eval_UnknownIdentifier(t *testing.T) {
	cond, err := CompileCondition("nonexistent == 'x'")
	require.NoError(t, err)
	_, err = cond.Eval(condEnvFixture())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown identifier")
}

func TestCondition_Eval_OrderingNeedsNumbers(t *testing.T) {
	cond, err := CompileCondition("complexity > 'abc'")
	require.NoError(t, err)
	_, err = cond.Eval(condEnvFixture())
	assert.Error(t, err)
}

func TestCondition_Eval_ShortCircuitSkipsUnknown(t *testing.T) {
	// The right side references an unknown identifier but the left side
	// already decides the result.
	cond, err := CompileCondition("complexity == 'simple' && nonexistent == 1")
	require.NoError(t, err)
	got, err := cond.Eval(condEnvFixture())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCondition_Identifiers(t *testing.T) {
	cond, err := CompileCondition("decompose_problem.quality_score > 0.5 && complexity == 'x' || !(step_count >= 1)")
	require.NoError(t, err)
	assert.Equal(t, []string{"decompose_problem.quality_score", "complexity", "step_count"}, cond.Identifiers())
}

func TestParseForEachRef(t *testing.T) {
	ref, err := ParseForEachRef("decompose_problem.sub_questions")
	require.NoError(t, err)
	assert.Equal(t, "decompose_problem", ref.Step)
	assert.Equal(t, "sub_questions", ref.Property)

	for _, bad := range []string{"", "noproperty", ".prop", "step.", "a.b.c"} {
		_, err := ParseForEachRef(bad)
		assert.Error(t, err, "reference %q should be rejected", bad)
	}
}
