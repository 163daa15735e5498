package mapprog

import (
	"fmt"
	"regexp"
)

// Transform rewrites a module path into a location. ok is false when the
// transform does not apply.
type Transform interface {
	Transform(path string) (location string, ok bool)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(path string) (string, bool)

// Transform implements Transform.
func (f TransformFunc) Transform(path string) (string, bool) {
	return f(path)
}

// RegexpTransform rewrites paths matching a pattern with a replacement
// template in regexp.Expand syntax ($1, ${name}).
type RegexpTransform struct {
	re          *regexp.Regexp
	replacement string
}

// NewRegexpTransform compiles pattern into a transform.
func NewRegexpTransform(pattern, replacement string) (*RegexpTransform, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling path transform %q: %w", pattern, err)
	}
	return &RegexpTransform{re: re, replacement: replacement}, nil
}

// Transform implements Transform. Only the first match is replaced.
func (t *RegexpTransform) Transform(path string) (string, bool) {
	loc := t.re.FindStringSubmatchIndex(path)
	if loc == nil {
		return "", false
	}
	dst := t.re.ExpandString(nil, t.replacement, path, loc)
	return path[:loc[0]] + string(dst) + path[loc[1]:], true
}

// String returns the pattern and replacement.
func (t *RegexpTransform) String() string {
	return t.re.String() + " => " + t.replacement
}

// Apply runs transforms in order and returns the first result.
func Apply(path string, transforms []Transform) (string, bool) {
	for _, t := range transforms {
		if location, ok := t.Transform(path); ok && location != "" {
			return location, true
		}
	}
	return "", false
}
