package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StepPrefixes are the keywords a step line may start with, in the order
// they are tried.
var StepPrefixes = []string{"*", "Given", "When", "Then", "And", "But"}

const docStringDelim = `"""`

// Feature is a parsed feature file.
type Feature struct {
	// Path is absolute.
	Path       string
	Name       string
	Line       int
	Tags       []string
	Background []*Step
	Scenarios  []*Scenario
}

// Scenario is one scenario of a feature. Background steps are not included
// in Steps; the runtime prepends them.
type Scenario struct {
	Feature *Feature
	Name    string
	Line    int
	Tags    []string
	Steps   []*Step
}

// Step is a single DSL statement.
type Step struct {
	Line int
	// Prefix is one of StepPrefixes.
	Prefix string
	// Text is the statement after the prefix, with any doc string appended
	// on the following lines.
	Text string
}

// String renders the step as it would appear in the file.
func (s *Step) String() string {
	return s.Prefix + " " + s.Text
}

// FileName returns the base name of the feature file.
func (f *Feature) FileName() string {
	return filepath.Base(f.Path)
}

// FindStepByLine returns the step declared at line, or nil.
func (f *Feature) FindStepByLine(line int) *Step {
	for _, s := range f.Background {
		if s.Line == line {
			return s
		}
	}
	for _, sc := range f.Scenarios {
		for _, s := range sc.Steps {
			if s.Line == line {
				return s
			}
		}
	}
	return nil
}

// String identifies the feature in logs.
func (f *Feature) String() string {
	return f.Path
}

// ParseError reports a malformed feature file.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
}

// ParseFile reads and parses the feature at path.
func ParseFile(path string) (*Feature, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read feature: %w", err)
	}
	return Parse(abs, string(data))
}

type parser struct {
	f       *Feature
	path    string
	tags    []string
	section *[]*Step
	last    *Step
}

// Parse parses feature source. path is recorded on the result as given.
func Parse(path, src string) (*Feature, error) {
	p := &parser{path: path}
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")

	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		line := strings.TrimSpace(lines[i])

		if line == docStringDelim {
			end, err := p.docString(lines, i)
			if err != nil {
				return nil, err
			}
			i = end
			continue
		}
		if err := p.line(lineNo, line); err != nil {
			return nil, err
		}
	}
	if p.f == nil {
		return nil, p.errorf(1, "missing Feature: declaration")
	}
	return p.f, nil
}

func (p *parser) errorf(line int, format string, args ...any) error {
	return &ParseError{Path: p.path, Line: line, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) line(n int, line string) error {
	switch {
	case line == "" || strings.HasPrefix(line, "#"):
		return nil
	case strings.HasPrefix(line, "@"):
		p.tags = append(p.tags, strings.Fields(line)...)
		return nil
	case strings.HasPrefix(line, "Feature:"):
		if p.f != nil {
			return p.errorf(n, "duplicate Feature: declaration")
		}
		p.f = &Feature{
			Path: p.path,
			Name: strings.TrimSpace(strings.TrimPrefix(line, "Feature:")),
			Line: n,
			Tags: p.takeTags(),
		}
		return nil
	}

	if p.f == nil {
		return p.errorf(n, "expected Feature: declaration")
	}

	switch {
	case strings.HasPrefix(line, "Background:"):
		if len(p.f.Scenarios) > 0 {
			return p.errorf(n, "Background: must precede the first scenario")
		}
		p.section = &p.f.Background
		p.last = nil
		p.takeTags()
		return nil
	case strings.HasPrefix(line, "Scenario Outline:"):
		return p.errorf(n, "Scenario Outline is not supported")
	case strings.HasPrefix(line, "Scenario:"):
		sc := &Scenario{
			Feature: p.f,
			Name:    strings.TrimSpace(strings.TrimPrefix(line, "Scenario:")),
			Line:    n,
			Tags:    p.takeTags(),
		}
		p.f.Scenarios = append(p.f.Scenarios, sc)
		p.section = &sc.Steps
		p.last = nil
		return nil
	case strings.HasPrefix(line, "|"):
		return p.errorf(n, "data tables are not supported")
	}

	prefix, text, ok := splitStep(line)
	if !ok {
		if p.section == nil {
			// free-form feature description
			return nil
		}
		return p.errorf(n, "expected a step, got %q", line)
	}
	if p.section == nil {
		return p.errorf(n, "step outside of Background or Scenario")
	}
	step := &Step{Line: n, Prefix: prefix, Text: text}
	*p.section = append(*p.section, step)
	p.last = step
	return nil
}

// docString folds the lines between the delimiter at start and its closing
// partner into the previous step. It returns the index of the closing line.
func (p *parser) docString(lines []string, start int) (int, error) {
	if p.last == nil {
		return 0, p.errorf(start+1, "doc string without a step")
	}
	open := lines[start]
	indent := len(open) - len(strings.TrimLeft(open, " \t"))

	var body []string
	for j := start + 1; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == docStringDelim {
			p.last.Text += "\n" + strings.Join(body, "\n")
			return j, nil
		}
		body = append(body, dedent(lines[j], indent))
	}
	return 0, p.errorf(start+1, "unterminated doc string")
}

func dedent(line string, n int) string {
	i := 0
	for i < n && i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return line[i:]
}

func (p *parser) takeTags() []string {
	tags := p.tags
	p.tags = nil
	return tags
}

// splitStep separates a step keyword from the statement.
func splitStep(line string) (prefix, text string, ok bool) {
	for _, kw := range StepPrefixes {
		if line == kw {
			return kw, "", true
		}
		if strings.HasPrefix(line, kw+" ") || strings.HasPrefix(line, kw+"\t") {
			return kw, strings.TrimSpace(line[len(kw):]), true
		}
	}
	return "", "", false
}
