// Package mapprog compiles prefix-rewrite tables into ordered match programs
// and provides the path arithmetic the module loader resolves identifiers with.
//
// A program is applied to a fully compacted module path. Rules are tried from
// the longest prefix to the shortest, and a prefix only matches at a path
// segment boundary: "a/b" matches "a/b" and "a/b/c" but never "a/bc".
package mapprog

import (
	"sort"
	"strings"
)

// Rule is one (prefix, replacement) pair of a program.
type Rule struct {
	// Prefix is the path prefix the rule matches.
	Prefix string

	// Replacement is the value the prefix maps to. For package maps it is the
	// package identifier, for path maps it is the location prefix.
	Replacement string
}

// Matches reports whether the rule applies to path.
func (r Rule) Matches(path string) bool {
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	return len(path) == len(r.Prefix) || path[len(r.Prefix)] == '/'
}

// Remainder returns the part of path following the matched prefix and its
// separating slash. A path equal to the prefix has an empty remainder.
func (r Rule) Remainder(path string) string {
	if len(path) <= len(r.Prefix)+1 {
		return ""
	}
	return path[len(r.Prefix)+1:]
}

// Rewrite replaces the matched prefix of path with the rule's replacement,
// keeping the separating slash.
func (r Rule) Rewrite(path string) string {
	return r.Replacement + path[len(r.Prefix):]
}

// Program is a compiled, precedence-ordered rule list.
type Program []Rule

// Compile turns a prefix map into a program ordered longest prefix first.
// Prefixes of equal length are ordered lexically so results never depend on
// map iteration order.
func Compile(m map[string]string) Program {
	if len(m) == 0 {
		return nil
	}
	prog := make(Program, 0, len(m))
	for prefix, replacement := range m {
		prog = append(prog, Rule{Prefix: prefix, Replacement: replacement})
	}
	sort.Slice(prog, func(i, j int) bool {
		if len(prog[i].Prefix) != len(prog[j].Prefix) {
			return len(prog[i].Prefix) > len(prog[j].Prefix)
		}
		return prog[i].Prefix < prog[j].Prefix
	})
	return prog
}

// Match returns the first rule of the program that applies to path.
func (p Program) Match(path string) (Rule, bool) {
	for _, rule := range p {
		if rule.Matches(path) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Prefixes returns the rule prefixes in match order.
func (p Program) Prefixes() []string {
	out := make([]string, len(p))
	for i, rule := range p {
		out[i] = rule.Prefix
	}
	return out
}

// CompactPath removes "." segments and folds "x/.." pairs.
//
// A leading "." is preserved so "./a" stays relative to the page, and ".."
// segments that have nothing left to fold against are kept, so "../../b" never
// collapses to "b".
func CompactPath(path string) string {
	if path == "" {
		return path
	}
	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		switch seg {
		case ".":
			if i == 0 {
				out = append(out, seg)
			}
		case "..":
			if n := len(out); n > 0 && foldable(out[n-1]) {
				out = out[:n-1]
				continue
			}
			out = append(out, seg)
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/")
}

func foldable(seg string) bool {
	return seg != "" && seg != "." && seg != ".."
}

// IsAbsolute reports whether id names a resource independent of any base:
// a filesystem-absolute path or anything carrying a scheme or drive colon.
func IsAbsolute(id string) bool {
	return strings.HasPrefix(id, "/") || strings.Contains(id, ":")
}

// IsRelative reports whether id is relative to a reference module.
func IsRelative(id string) bool {
	return strings.HasPrefix(id, ".")
}
