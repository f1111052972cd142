package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeature = `@api
Feature: users
  Some free-form description.

  Background:
    * def base = 'http://localhost'

  # comment line
  @smoke @fast
  Scenario: create
    Given def user = { name: 'a' }
    When def body =
      """
      {
        "id": 1
      }
      """
    Then match user.name == 'a'

  Scenario: second
    * print 'hi'
`

func TestParse(t *testing.T) {
	f, err := Parse("/w/users.feature", sampleFeature)
	require.NoError(t, err)

	assert.Equal(t, "users", f.Name)
	assert.Equal(t, 2, f.Line)
	assert.Equal(t, []string{"@api"}, f.Tags)
	assert.Equal(t, "users.feature", f.FileName())

	require.Len(t, f.Background, 1)
	assert.Equal(t, 6, f.Background[0].Line)
	assert.Equal(t, "def base = 'http://localhost'", f.Background[0].Text)

	require.Len(t, f.Scenarios, 2)
	sc := f.Scenarios[0]
	assert.Equal(t, "create", sc.Name)
	assert.Equal(t, 10, sc.Line)
	assert.Equal(t, []string{"@smoke", "@fast"}, sc.Tags)
	assert.Same(t, f, sc.Feature)
	require.Len(t, sc.Steps, 3)

	assert.Equal(t, "Given", sc.Steps[0].Prefix)
	assert.Equal(t, 11, sc.Steps[0].Line)
	assert.Equal(t, "def body =\n{\n  \"id\": 1\n}", sc.Steps[1].Text)
	assert.Equal(t, 12, sc.Steps[1].Line)
	assert.Equal(t, 18, sc.Steps[2].Line)
	assert.Equal(t, "Then match user.name == 'a'", sc.Steps[2].String())

	assert.Empty(t, f.Scenarios[1].Tags)
}

func TestFindStepByLine(t *testing.T) {
	f, err := Parse("x.feature", sampleFeature)
	require.NoError(t, err)

	assert.Equal(t, "def base = 'http://localhost'", f.FindStepByLine(6).Text)
	assert.Equal(t, "print 'hi'", f.FindStepByLine(21).Text)
	assert.Nil(t, f.FindStepByLine(13))
	assert.Nil(t, f.FindStepByLine(999))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"no feature", "Scenario: x\n* def a = 1\n", 1},
		{"empty", "", 1},
		{"outline", "Feature: f\nScenario Outline: o\n", 2},
		{"step outside", "Feature: f\n* def a = 1\n", 2},
		{"not a step", "Feature: f\nScenario: s\nfoo bar\n", 3},
		{"unterminated doc string", "Feature: f\nScenario: s\n* def a =\n\"\"\"\n{}\n", 4},
		{"table", "Feature: f\nScenario: s\n* def a = 1\n| a |\n", 4},
		{"late background", "Feature: f\nScenario: s\nBackground:\n", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.feature", tt.src)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.line, perr.Line)
			assert.Equal(t, "bad.feature", perr.Path)
		})
	}
}

func TestSplitStep(t *testing.T) {
	tests := []struct {
		line, prefix, text string
		ok                 bool
	}{
		{"* def a = 1", "*", "def a = 1", true},
		{"Given  x", "Given", "x", true},
		{"And", "And", "", true},
		{"Andrew", "", "", false},
		{"*def", "", "", false},
	}
	for _, tt := range tests {
		prefix, text, ok := splitStep(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.prefix, prefix, tt.line)
		assert.Equal(t, tt.text, text, tt.line)
	}
}
