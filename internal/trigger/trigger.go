package trigger

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/runwatch/runwatch/internal/model"
)

// Def is a named output pattern plus its classification. Patterns are
// regular expressions; a plain substring is a valid pattern and matches as
// a substring. Matching is case-sensitive.
type Def struct {
	Name    string
	Pattern string
	Class   model.TriggerClass
}

// Defaults are the built-in patterns for common ML-run stalls.
func Defaults() []Def {
	return []Def{
		{Name: "ray-debugger", Pattern: "Ray debugger is listening", Class: model.ClassHang},
		{Name: "cuda-oom", Pattern: "CUDA out of memory", Class: model.ClassHang},
	}
}

type compiled struct {
	def Def
	re  *regexp.Regexp
}

// Set is an immutable compiled trigger set, safe for concurrent Match calls.
type Set struct {
	entries []compiled
}

// Compile validates definitions at load time. A pattern that matches the
// empty string would fire on every heartbeat of output, so it is a
// configuration error, not a runtime one.
func Compile(defs []Def) (*Set, error) {
	seen := map[string]struct{}{}
	entries := make([]compiled, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("trigger name is required")
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate trigger name %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(def.Pattern) == "" {
			return nil, fmt.Errorf("trigger %q: pattern is required", name)
		}
		if def.Class != model.ClassHang && def.Class != model.ClassInfo {
			return nil, fmt.Errorf("trigger %q: class must be %q or %q", name, model.ClassHang, model.ClassInfo)
		}
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", name, err)
		}
		if re.MatchString("") {
			return nil, fmt.Errorf("trigger %q: pattern matches the empty string", name)
		}
		def.Name = name
		entries = append(entries, compiled{def: def, re: re})
	}
	return &Set{entries: entries}, nil
}

// Match returns every definition whose pattern is satisfied by the line, in
// definition order. Pure function; the empty line never matches.
func (s *Set) Match(line string) []Def {
	if line == "" {
		return nil
	}
	var out []Def
	for _, e := range s.entries {
		if e.re.MatchString(line) {
			out = append(out, e.def)
		}
	}
	return out
}

// Len reports the number of compiled definitions.
func (s *Set) Len() int {
	return len(s.entries)
}

// ParseFlag parses a NAME=PATTERN CLI argument into a definition of the
// given class.
func ParseFlag(arg string, class model.TriggerClass) (Def, error) {
	name, pattern, ok := strings.Cut(arg, "=")
	if !ok {
		// Bare pattern: reuse it as the name and match it literally.
		name, pattern = arg, regexp.QuoteMeta(arg)
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(pattern) == "" {
		return Def{}, fmt.Errorf("trigger flag %q: want NAME=PATTERN", arg)
	}
	return Def{Name: name, Pattern: pattern, Class: class}, nil
}
