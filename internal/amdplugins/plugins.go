// Package amdplugins provides the loader's built-in plugin modules.
//
//	text!path/to/file.html        the resource text
//	text!path/to/file.html!strip  the text without an XML declaration and,
//	                              for documents, only the <body> content
//	json!path/to/data.json        the resource decoded into Starlark values
package amdplugins

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"

	"github.com/albertocavalcante/skyload/internal/loader"
)

var (
	reXMLDecl = regexp.MustCompile(`(?im)^\s*<\?xml(\s)+version=['"](\d)*.(\d)*['"](\s)*\?>`)
	reBody    = regexp.MustCompile(`(?im)<body[^>]*>\s*([\s\S]+)\s*</body>`)
)

// Register provides the built-in plugins as the modules "text" and "json".
func Register(l *loader.Loader) {
	l.Provide("text", Text{})
	l.Provide("json", JSON{})
}

// Strip removes an XML declaration and, when text is an HTML document,
// everything outside its body.
func Strip(text string) string {
	if text == "" {
		return text
	}
	text = reXMLDecl.ReplaceAllString(text, "")
	if m := reBody.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	return text
}

// fetch reads resource relative to the requesting module. Its file type is
// kept, so "a/b.html" is fetched from the location of "a/b" plus ".html".
func fetch(resource string, req *loader.Require, fn func(text string) error) error {
	url := req.ToURL(resource, "")
	return req.Fetch(url, func(text string, err error) error {
		if err != nil {
			return fmt.Errorf("fetching %s: %w", url, err)
		}
		return fn(text)
	})
}

// Text resolves resources to their raw text.
type Text struct{}

// Load implements loader.Plugin.
func (Text) Load(resource string, req *loader.Require, done func(any)) error {
	name, strip := strings.CutSuffix(resource, "!strip")
	return fetch(name, req, func(text string) error {
		if strip {
			text = Strip(text)
		}
		done(starlark.String(text))
		return nil
	})
}

// JSON resolves resources to their decoded JSON value.
type JSON struct{}

// Load implements loader.Plugin.
func (JSON) Load(resource string, req *loader.Require, done func(any)) error {
	return fetch(resource, req, func(text string) error {
		v, err := Decode(text)
		if err != nil {
			return fmt.Errorf("json!%s: %w", resource, err)
		}
		done(v)
		return nil
	})
}

// Decode decodes a JSON document with Starlark's json module.
func Decode(text string) (starlark.Value, error) {
	decode := json.Module.Members["decode"]
	thread := &starlark.Thread{Name: "json.decode"}
	return starlark.Call(thread, decode, starlark.Tuple{starlark.String(text)}, nil)
}
