package loader

import (
	"regexp"
	"strings"

	"github.com/albertocavalcante/skyload/internal/mapprog"
)

// reFileType matches identifiers ending in a file type, such as "a/b.txt".
var reFileType = regexp.MustCompile(`^.*[^/.]+\.[^/.]+$`)

// reNameExt splits a trailing extension off a name for ToURL.
var reNameExt = regexp.MustCompile(`^(.+)(\.[^/]+?)$`)

// splitPlugin splits "plugin!resource" at the first bang. Both halves must be
// non-empty.
func splitPlugin(id string) (plugin, resource string, ok bool) {
	i := strings.Index(id, "!")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// getModule returns the record for id relative to ref, creating it if needed.
// fromRequire marks identifiers given directly to a requester, for which a
// name with a file type is a self-contained location.
func (l *Loader) getModule(id string, ref *Module, fromRequire bool) *Module {
	if s, ok := l.sentinels[id]; ok {
		return s
	}
	if pluginID, resource, ok := splitPlugin(id); ok {
		plugin := l.getModule(pluginID, ref, false)
		pqn := plugin.PQN + "!"
		if ref != nil {
			pqn += ref.PQN + "!"
		}
		pqn += resource
		if m, ok := l.modules[pqn]; ok {
			return m
		}
		m := &Module{
			MID:      resource,
			PQN:      pqn,
			Path:     resource,
			kind:     kindPluginResource,
			plugin:   plugin,
			resource: resource,
			req:      l.requireFor(ref),
		}
		l.modules[pqn] = m
		return m
	}
	if fromRequire && reFileType.MatchString(id) {
		pqn := "*" + id
		if m, ok := l.modules[pqn]; ok {
			return m
		}
		m := &Module{MID: id, PQN: pqn, Path: id, URL: id}
		l.modules[pqn] = m
		return m
	}
	info := l.moduleInfo(id, ref)
	if m, ok := l.modules[info.PQN]; ok {
		return m
	}
	l.modules[info.PQN] = info
	return info
}

// moduleInfo computes the record id would resolve to. It returns the
// registered record when one exists and a fresh, unregistered one otherwise.
func (l *Loader) moduleInfo(id string, ref *Module) *Module {
	if mapprog.IsAbsolute(id) {
		url := id
		if mapprog.IsRelative(id) {
			url = mapprog.CompactPath("./" + id)
		}
		return &Module{MID: url, PQN: "*" + url, Path: url, URL: url}
	}

	if mapprog.IsRelative(id) && ref != nil {
		id = ref.Path + "/../" + id
	}
	// top-level relative ids name paths under the base location, which is
	// added once when the URL is computed
	path := strings.TrimPrefix(mapprog.CompactPath(id), "./")

	var (
		pid  string
		mid  = path
		rule mapprog.Rule
		ok   bool
	)
	if ref != nil && ref.Pack != nil {
		rule, ok = ref.Pack.mapProg.Match(path)
	}
	if !ok {
		rule, ok = l.packageMapProg.Match(path)
	}
	if ok {
		pid = rule.Replacement
		mid = rule.Remainder(path)
	}
	pqn := pid + "*" + mid
	if m, exists := l.modules[pqn]; exists {
		return m
	}

	var (
		url  string
		pack *Package
	)
	if rule, ok := l.pathsProg.Match(path); ok {
		url = rule.Rewrite(path)
	} else if pid != "" {
		pack = l.packages[pid]
		if pack == nil {
			// mapped to a package that was never registered
			pack = &Package{Name: pid, Location: pid, Lib: "lib", Main: "main"}
		}
		if u, ok := mapprog.Apply(path, pack.PathTransforms); ok {
			url = u
		} else {
			name := mid
			if name == "" {
				name = pack.Main
			}
			path = pid + "/" + name
			url = pack.Location + "/"
			if mid != "" && pack.Lib != "" {
				url += pack.Lib + "/"
			}
			url += name
		}
	} else if u, ok := mapprog.Apply(path, l.pathTransforms); ok {
		url = u
	} else {
		url = path
	}
	if !mapprog.IsAbsolute(url) {
		url = l.baseURL + url
	}
	url += l.extension

	return &Module{
		PID:  pid,
		MID:  mid,
		PQN:  pqn,
		Pack: pack,
		Path: path,
		URL:  mapprog.CompactPath(url),
	}
}

// ToURL returns the location of name without fetching it. When ext is empty
// a file type carried by name is kept; otherwise ext replaces it.
func (l *Loader) ToURL(name, ext string) string {
	return l.toURL(name, ext, nil)
}

func (l *Loader) toURL(name, ext string, ref *Module) string {
	suffix := ext
	if ext == "" {
		if m := reNameExt.FindStringSubmatch(name); m != nil {
			name, suffix = m[1], m[2]
		}
	}
	url := l.moduleInfo(name, ref).URL
	return strings.TrimSuffix(url, l.extension) + suffix
}

// ToAbsID returns the resolved module path of id relative to ref.
func (l *Loader) toAbsID(id string, ref *Module) string {
	return l.moduleInfo(id, ref).Path
}

// Resolve returns the record id resolves to from the top level, creating it
// if absent. Resolution never fails; bad identifiers fail at fetch time.
func (l *Loader) Resolve(id string) *Module {
	return l.getModule(id, nil, false)
}

// ResolveFrom resolves id relative to ref.
func (l *Loader) ResolveFrom(id string, ref *Module) *Module {
	return l.getModule(id, ref, false)
}
