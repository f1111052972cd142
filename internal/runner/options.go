package runner

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// Options selects what a Suite runs.
type Options struct {
	// Paths are feature files or directories searched recursively.
	Paths []string
	Tags  TagFilter
	// Name keeps only scenarios whose name contains it.
	Name    string
	Threads int
	Env     string
}

// ParseOptions parses a run string such as
//
//	-t @smoke,@fast -t ~@wip -T 2 -e qa src/test/features
//
// Flags: -t/--tags (repeatable), -n/--name, -T/--threads, -e/--env.
// The report flags -g, -o and -f are accepted and ignored.
func ParseOptions(s string) (*Options, error) {
	args, err := splitArgs(s)
	if err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	tags := fs.StringArrayP("tags", "t", nil, "tag expression; comma means OR, repeat for AND, ~ negates")
	name := fs.StringP("name", "n", "", "scenario name filter")
	threads := fs.IntP("threads", "T", 1, "worker count")
	env := fs.StringP("env", "e", "", "environment name")
	fs.StringP("configdir", "g", "", "ignored")
	fs.StringP("output", "o", "", "ignored")
	fs.StringSliceP("format", "f", nil, "ignored")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("run options %q: %w", s, err)
	}
	if *threads < 1 {
		return nil, fmt.Errorf("run options %q: threads must be at least 1", s)
	}

	opts := &Options{
		Paths:   fs.Args(),
		Name:    *name,
		Threads: *threads,
		Env:     *env,
	}
	for _, t := range *tags {
		opts.Tags = append(opts.Tags, parseTagGroup(t))
	}
	return opts, nil
}

// splitArgs splits on whitespace, honouring single and double quotes.
func splitArgs(s string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		in    bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote, in = r, true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if in {
				args = append(args, cur.String())
				cur.Reset()
				in = false
			}
		default:
			cur.WriteRune(r)
			in = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if in {
		args = append(args, cur.String())
	}
	return args, nil
}

// TagFilter is a conjunction of groups; a group matches when any of its
// tags matches. A tag starting with ~ matches when the tag is absent.
type TagFilter [][]string

func parseTagGroup(s string) []string {
	var group []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		neg := strings.HasPrefix(t, "~")
		t = strings.TrimPrefix(t, "~")
		if !strings.HasPrefix(t, "@") {
			t = "@" + t
		}
		if neg {
			t = "~" + t
		}
		group = append(group, t)
	}
	return group
}

// Match reports whether a scenario with the given effective tags is
// selected.
func (tf TagFilter) Match(tags []string) bool {
	has := make(map[string]bool, len(tags))
	for _, t := range tags {
		has[t] = true
	}
	for _, group := range tf {
		if len(group) == 0 {
			continue
		}
		ok := false
		for _, t := range group {
			if neg, found := strings.CutPrefix(t, "~"); found {
				ok = !has[neg]
			} else {
				ok = has[t]
			}
			if ok {
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Selects reports whether sc passes the tag and name filters. Scenarios
// tagged @ignore never run.
func (o *Options) Selects(sc *Scenario) bool {
	tags := append(append([]string{}, sc.Feature.Tags...), sc.Tags...)
	for _, t := range tags {
		if t == "@ignore" {
			return false
		}
	}
	if o.Name != "" && !strings.Contains(sc.Name, o.Name) {
		return false
	}
	return o.Tags.Match(tags)
}
